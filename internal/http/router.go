// Package httpapi wires the HTTP transport (Gin) to the message store, the
// relay hub, middleware, and route handlers. It centralizes cross-cutting
// concerns such as tracing, correlation IDs, logging/redaction, panic
// recovery, metrics, CORS, security headers, idempotency, and rate limiting.
//
// Route map:
//   - GET  /health, /metrics, /swagger/* (when enabled)
//   - GET  {base}/chat/rooms
//   - GET  {base}/chat/:room/messages
//   - GET  {base}/chat/:room/presence
//   - POST {base}/chat/:room/message
//   - GET  /ws/chat/:room (WebSocket upgrade)
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/pulse-chat-relay/internal/auth"
	"github.com/tbourn/pulse-chat-relay/internal/config"
	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/http/handlers"
	"github.com/tbourn/pulse-chat-relay/internal/http/middleware"
	"github.com/tbourn/pulse-chat-relay/internal/relay"
	"github.com/tbourn/pulse-chat-relay/internal/repo"
	"github.com/tbourn/pulse-chat-relay/internal/services"
)

// messageRepoShim adapts the repository free functions to the
// services.MessageRepo interface expected by the MessageStore.
type messageRepoShim struct{}

// AppendMessage proxies repo.AppendMessage.
func (messageRepoShim) AppendMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) error {
	return repo.AppendMessage(ctx, db, m)
}

// AppendMessageOnce proxies repo.AppendMessageOnce.
func (messageRepoShim) AppendMessageOnce(ctx context.Context, db *gorm.DB, m *domain.ChatMessage, key string, ttl time.Duration) (*domain.ChatMessage, bool, error) {
	return repo.AppendMessageOnce(ctx, db, m, key, ttl)
}

// ListHistory proxies repo.ListHistory.
func (messageRepoShim) ListHistory(ctx context.Context, db *gorm.DB, roomID string, beforeID int64, limit int) ([]domain.ChatMessage, error) {
	return repo.ListHistory(ctx, db, roomID, beforeID, limit)
}

// MessagesStats proxies repo.MessagesStats (ETag support).
func (messageRepoShim) MessagesStats(ctx context.Context, db *gorm.DB, roomID string) (int64, int64, error) {
	return repo.MessagesStats(ctx, db, roomID)
}

// PurgeExpiredIdempotency proxies repo.PurgeExpiredIdempotency.
func (messageRepoShim) PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	return repo.PurgeExpiredIdempotency(ctx, db, now)
}

// App exposes the long-lived components main needs after the routes are
// mounted: the store for maintenance and the registry for shutdown.
type App struct {
	Store    *services.MessageStore
	Registry *relay.Registry
	Hub      *relay.Hub
}

// RegisterRoutes attaches all middleware and endpoints to the given Gin
// engine and returns the components backing them. Live connections are
// served under base; cancelling it closes every socket with "going away".
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with token and PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//  8. Gzip (never on /ws or /metrics)
//
// Authentication, idempotency, and rate limiting are attached per route so
// that the latter two can key on the authenticated user.
func RegisterRoutes(base context.Context, r *gin.Engine, db *gorm.DB, cfg config.Config) *App {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (64 KiB; messages are at most 1000 runes)
	r.Use(limitBody(64 << 10))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// 8) Response compression; hijacked sockets and the scrape endpoint stay raw
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws/", "/metrics"})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: store ← repo/db, hub ← store/registry
	rooms := domain.NewRoomSet(cfg.Chat.Rooms)

	store := services.NewMessageStore(db, messageRepoShim{}, rooms)
	if cfg.Chat.MaxContentRunes > 0 {
		store.MaxContentRunes = cfg.Chat.MaxContentRunes
	}
	if cfg.Chat.HistoryLimit > 0 {
		store.HistoryLimit = cfg.Chat.HistoryLimit
	}
	if cfg.Chat.HistoryMaxLimit > 0 {
		store.HistoryMaxLimit = cfg.Chat.HistoryMaxLimit
	}
	if cfg.IdempotencyTTL > 0 {
		store.IdempotencyTTL = cfg.IdempotencyTTL
	}

	registry := relay.NewRegistry(rooms, relay.WithPresenceObserver(relay.ObservePresence))
	hub := relay.NewHub(store, registry,
		relay.WithRetry(cfg.Chat.AppendAttempts, cfg.Chat.AppendBackoff),
		relay.WithLogger(log.Logger),
	)

	h := handlers.New(store, hub, registry, rooms)
	ws := handlers.NewWSHandler(base, hub, handlers.WSOptions{
		Rooms:          rooms,
		AllowedOrigins: wsOrigins(cfg),
		SendBuffer:     cfg.Chat.SendBuffer,
		Conn:           connConfig(cfg),
	})

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	idem := middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: services.MaxClientMsgIDLen},
		func(ctx context.Context, userID, roomID, key string, now time.Time) (bool, error) {
			id, ok := rooms.Lookup(roomID)
			if !ok {
				return false, nil
			}
			rec, err := repo.GetIdempotency(ctx, db, userID, id, key, now)
			if err != nil || rec == nil {
				return false, err
			}
			return true, nil
		},
	)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		read := []gin.HandlerFunc{middleware.OptionalAuth(verifier), rl.Handler()}

		api.GET("/chat/rooms", append(read, h.ListRooms)...)
		api.GET("/chat/:room/messages", append(read, h.ListMessages)...)
		api.GET("/chat/:room/presence", append(read, h.GetPresence)...)
		api.POST("/chat/:room/message", middleware.RequireAuth(verifier), idem, rl.Handler(), h.PostMessage)
	}

	// Live channel
	r.GET("/ws/chat/:room", ws.KnownRoom(), middleware.RequireAuth(verifier), rl.Handler(), ws.Connect)

	return &App{Store: store, Registry: registry, Hub: hub}
}

// wsOrigins falls back to the CORS allowlist when no socket-specific list
// is configured.
func wsOrigins(cfg config.Config) []string {
	if len(cfg.WebSocket.AllowedOrigins) > 0 {
		return cfg.WebSocket.AllowedOrigins
	}
	return cfg.CORS.AllowedOrigins
}

// connConfig overlays configured values on the relay defaults.
func connConfig(cfg config.Config) relay.ConnConfig {
	cc := relay.DefaultConnConfig()
	if cfg.WebSocket.PingInterval > 0 {
		cc.PingInterval = cfg.WebSocket.PingInterval
	}
	if cfg.WebSocket.PongWait > 0 {
		cc.PongWait = cfg.WebSocket.PongWait
	}
	if cfg.WebSocket.WriteWait > 0 {
		cc.WriteWait = cfg.WebSocket.WriteWait
	}
	if cfg.WebSocket.MaxFrameBytes > 0 {
		cc.MaxFrameBytes = cfg.WebSocket.MaxFrameBytes
	}
	if cfg.Chat.RateRPS > 0 {
		cc.RateRPS = cfg.Chat.RateRPS
	}
	if cfg.Chat.RateBurst > 0 {
		cc.RateBurst = cfg.Chat.RateBurst
	}
	return cc
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
