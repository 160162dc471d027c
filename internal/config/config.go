package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CALLMESH_LISTEN_ADDR"
	envVarPublicBaseURL   = "CALLMESH_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "CALLMESH_LOG_FORMAT"
	envVarLogLevel        = "CALLMESH_LOG_LEVEL"
	envVarShutdownTimeout = "CALLMESH_SHUTDOWN_TIMEOUT"
	envVarMode            = "CALLMESH_MODE"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Room / meeting directory knobs.
	envVarMaxParticipantsPerRoom = "MAX_PARTICIPANTS_PER_ROOM"
	envVarRoomTTL                = "ROOM_TTL"
	envVarRedisAddr              = "REDIS_ADDR"
	envVarRedisPassword          = "REDIS_PASSWORD"
	envVarRedisDB                = "REDIS_DB"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMaxParticipantsPerRoom = 16
	// DefaultRoomTTL bounds how long a meeting's room id mapping stays resolvable
	// in the directory. Must be non-zero so abandoned meetings don't accumulate
	// directory keys forever.
	DefaultRoomTTL = 24 * time.Hour

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "callmesh"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Signaling / WebSocket auth + hardening.
	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// Room admission and meeting directory.
	MaxParticipantsPerRoom int
	RoomTTL                time.Duration
	RedisAddr              string
	RedisPassword          string
	RedisDB                int

	// ICEServers is the ICE server list handed to clients (and used by any
	// locally constructed PeerConnections, e.g. in e2e harnesses).
	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	maxParticipantsPerRoom, err := envIntOrDefault(lookup, envVarMaxParticipantsPerRoom, DefaultMaxParticipantsPerRoom)
	if err != nil {
		return Config{}, err
	}
	roomTTL, err := envDurationOrDefault(lookup, envVarRoomTTL, DefaultRoomTTL)
	if err != nil {
		return Config{}, err
	}
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("callmeshd", flag.ContinueOnError)
	flagListenAddr := fs.String("listen-addr", listenAddr, "TCP address for the HTTP/WebSocket listener")
	flagMode := fs.String("mode", modeDefault, "runtime mode: dev or prod")
	flagLogFormat := fs.String("log-format", logFormatDefault, "log format: text or json")
	flagLogLevel := fs.String("log-level", logLevelDefault, "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(*flagMode)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*flagLogFormat)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*flagLogLevel)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeDefault)
	if err != nil {
		return Config{}, err
	}

	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s=api_key requires %s", envVarAuthMode, envVarAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	if maxParticipantsPerRoom <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxParticipantsPerRoom)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarMaxSignalingMessagesPerSecond)
	}

	cfg := Config{
		ListenAddr:      *flagListenAddr,
		PublicBaseURL:   strings.TrimRight(publicBaseURL, "/"),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingAuthTimeout:    signalingAuthTimeout,
		SignalingWSIdleTimeout:  wsIdleTimeout,
		SignalingWSPingInterval: wsPingInterval,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		MaxParticipantsPerRoom: maxParticipantsPerRoom,
		RoomTTL:                roomTTL,
		RedisAddr:              redisAddr,
		RedisPassword:          redisPassword,
		RedisDB:                redisDB,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	// ICE config problems are deferred rather than fatal: the signaling plane is
	// useful without ICE servers (host candidates only), but /readyz reports the
	// error so operators notice.
	iceServers, iceErr := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, cfg.TURNREST.Enabled())
	if iceErr != nil {
		cfg.iceConfigErr = iceErr
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected none, api_key, jwt)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			return []string{"*"}, nil
		}
		out = append(out, part)
	}
	return out, nil
}
