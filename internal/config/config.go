// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the SQLite path, the city room set, chat limits, WebSocket
// keepalive, rate limiting, token verification, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pulse-chat-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string // JWT_SECRET (HS256 signing key shared with the identity service)
	JWTIssuer string // JWT_ISSUER (optional; checked when set)
}

// ChatConfig bounds the relay's per-room behavior.
type ChatConfig struct {
	Rooms           []string      // CHAT_ROOMS, closed set of city ids
	MaxContentRunes int           // CHAT_MAX_CONTENT_RUNES
	HistoryLimit    int           // CHAT_HISTORY_LIMIT, default page size
	HistoryMaxLimit int           // CHAT_HISTORY_MAX_LIMIT
	SendBuffer      int           // CHAT_SEND_BUFFER, per-session outbound queue
	RateRPS         float64       // CHAT_RATE_RPS, inbound frames per second per session
	RateBurst       int           // CHAT_RATE_BURST
	AppendAttempts  int           // CHAT_APPEND_ATTEMPTS
	AppendBackoff   time.Duration // CHAT_APPEND_BACKOFF
}

// WebSocketConfig holds keepalive and framing limits for live connections.
type WebSocketConfig struct {
	PingInterval   time.Duration // WS_PING_INTERVAL
	PongWait       time.Duration // WS_PONG_WAIT
	WriteWait      time.Duration // WS_WRITE_WAIT
	MaxFrameBytes  int64         // WS_MAX_FRAME_BYTES
	AllowedOrigins []string      // WS_ALLOWED_ORIGINS (defaults to CORS origins)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath string // SQLite path

	// Rate limiting (HTTP)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Auth      AuthConfig
	Chat      ChatConfig
	WebSocket WebSocketConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api")),

		DBPath: getenv("DB_PATH", "pulse.db"),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET", ""),
			JWTIssuer: getenv("JWT_ISSUER", ""),
		},

		Chat: ChatConfig{
			Rooms:           normalizeRooms(splitCSV(getenv("CHAT_ROOMS", "kingston,miami,nyc"))),
			MaxContentRunes: getint("CHAT_MAX_CONTENT_RUNES", 1000),
			HistoryLimit:    getint("CHAT_HISTORY_LIMIT", 100),
			HistoryMaxLimit: getint("CHAT_HISTORY_MAX_LIMIT", 200),
			SendBuffer:      getint("CHAT_SEND_BUFFER", 256),
			RateRPS:         getfloat("CHAT_RATE_RPS", 2.0),
			RateBurst:       getint("CHAT_RATE_BURST", 5),
			AppendAttempts:  getint("CHAT_APPEND_ATTEMPTS", 3),
			AppendBackoff:   getdur("CHAT_APPEND_BACKOFF", 100*time.Millisecond),
		},

		WebSocket: WebSocketConfig{
			PingInterval:   getdur("WS_PING_INTERVAL", 30*time.Second),
			PongWait:       getdur("WS_PONG_WAIT", 60*time.Second),
			WriteWait:      getdur("WS_WRITE_WAIT", 10*time.Second),
			MaxFrameBytes:  int64(getint("WS_MAX_FRAME_BYTES", 64<<10)),
			AllowedOrigins: splitCSV(getenv("WS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "pulse-chat-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if len(cfg.WebSocket.AllowedOrigins) == 0 {
		cfg.WebSocket.AllowedOrigins = cfg.CORS.AllowedOrigins
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return cfg, errors.New("JWT_SECRET must not be empty")
	}
	if len(cfg.Chat.Rooms) == 0 {
		return cfg, errors.New("CHAT_ROOMS must list at least one room")
	}
	if cfg.Chat.MaxContentRunes < 1 {
		return cfg, errors.New("CHAT_MAX_CONTENT_RUNES must be >= 1")
	}
	if cfg.Chat.HistoryLimit < 1 || cfg.Chat.HistoryMaxLimit < cfg.Chat.HistoryLimit {
		return cfg, errors.New("CHAT_HISTORY_LIMIT must be >= 1 and <= CHAT_HISTORY_MAX_LIMIT")
	}
	if cfg.Chat.SendBuffer < 1 {
		return cfg, errors.New("CHAT_SEND_BUFFER must be >= 1")
	}
	if cfg.Chat.RateRPS <= 0 || cfg.Chat.RateBurst < 1 {
		return cfg, errors.New("CHAT_RATE_RPS must be > 0 and CHAT_RATE_BURST >= 1")
	}
	if cfg.Chat.AppendAttempts < 1 || cfg.Chat.AppendBackoff < 0 {
		return cfg, errors.New("CHAT_APPEND_ATTEMPTS must be >= 1 and CHAT_APPEND_BACKOFF >= 0")
	}
	if cfg.WebSocket.PongWait <= 0 || cfg.WebSocket.WriteWait <= 0 {
		return cfg, errors.New("WS_PONG_WAIT and WS_WRITE_WAIT must be positive durations")
	}
	if cfg.WebSocket.PingInterval <= 0 || cfg.WebSocket.PingInterval >= cfg.WebSocket.PongWait {
		return cfg, errors.New("WS_PING_INTERVAL must be positive and shorter than WS_PONG_WAIT")
	}
	if cfg.WebSocket.MaxFrameBytes <= 0 {
		return cfg, errors.New("WS_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeRooms lowercases room ids and drops duplicates, keeping first-seen order.
func normalizeRooms(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(r)
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
