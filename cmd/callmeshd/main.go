package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/collabra/callmesh/internal/auth"
	"github.com/collabra/callmesh/internal/config"
	"github.com/collabra/callmesh/internal/directory"
	"github.com/collabra/callmesh/internal/httpserver"
	"github.com/collabra/callmesh/internal/metrics"
	"github.com/collabra/callmesh/internal/room"
	"github.com/collabra/callmesh/internal/signaling"
	"github.com/collabra/callmesh/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting callmeshd",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_participants_per_room", cfg.MaxParticipantsPerRoom,
		"room_ttl", cfg.RoomTTL,
		"redis_directory", cfg.RedisAddr != "",
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
	)

	m := metrics.New()

	store, closeStore, err := newDirectoryStore(cfg, logger)
	if err != nil {
		logger.Error("failed to configure meeting directory", "err", err)
		os.Exit(2)
	}
	defer closeStore()
	dir := directory.New(store)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	var turnREST *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnREST, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	logStartupSecurityWarnings(logger, cfg)

	registry := room.NewRegistry(cfg.MaxParticipantsPerRoom)
	sig := signaling.NewServer(signaling.Config{
		Registry:  registry,
		Directory: dir,
		Verifier:  verifier,
		AuthMode:  cfg.AuthMode,
		Metrics:   m,
		Logger:    logger,

		AuthTimeout:  cfg.SignalingAuthTimeout,
		IdleTimeout:  cfg.SignalingWSIdleTimeout,
		PingInterval: cfg.SignalingWSPingInterval,

		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Directory: dir,
		Registry:  registry,
		Signaling: sig,
		TURNREST:  turnREST,
		Metrics:   m,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newDirectoryStore picks Redis when configured so multiple callmeshd
// instances resolve the same meeting to the same room, and falls back to an
// in-process store otherwise.
func newDirectoryStore(cfg config.Config, logger *slog.Logger) (directory.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return directory.NewMemoryStore(cfg.RoomTTL), func() {}, nil
	}

	client, err := directory.Connect(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("meeting directory backed by redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return directory.NewRedisStore(client, cfg.RoomTTL), func() { _ = client.Close() }, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
