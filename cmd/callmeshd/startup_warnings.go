package main

import (
	"log/slog"
	"strings"

	"github.com/collabra/callmesh/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RedisAddr == "" {
		logger.Warn("startup security warning: REDIS_ADDR is unset while --mode=prod (meeting directory is per-process; horizontally scaled instances will not agree on room ids)",
			"warning_code", "memory_directory_in_prod",
			"mode", cfg.Mode,
		)
	}

	if hasStaticTURNCredential(cfg) && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: static TURN credentials configured without TURN REST (long-lived credentials are handed to every client; prefer TURN_REST_SHARED_SECRET)",
			"warning_code", "static_turn_credentials",
			"mode", cfg.Mode,
		)
	}

	// Signaling payloads are SDP and ICE candidates; a very large cap weakens
	// the per-message allocation hardening for no legitimate payload.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func hasStaticTURNCredential(cfg config.Config) bool {
	for _, srv := range cfg.ICEServers {
		cred, _ := srv.Credential.(string)
		if strings.TrimSpace(cred) == "" {
			continue
		}
		for _, u := range srv.URLs {
			lower := strings.ToLower(u)
			if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
				return true
			}
		}
	}
	return false
}
