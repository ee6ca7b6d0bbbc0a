// Command server runs the city chat relay: REST history and send endpoints,
// the per-room WebSocket channel, health, metrics, and optional Swagger UI.
//
// @title                       Pulse Chat Relay API
// @version                     1.0
// @description                 Per-city live chat: history, presence, and a WebSocket relay.
// @BasePath                    /api
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	_ "github.com/tbourn/pulse-chat-relay/docs"
	"github.com/tbourn/pulse-chat-relay/internal/config"
	httpapi "github.com/tbourn/pulse-chat-relay/internal/http"
	"github.com/tbourn/pulse-chat-relay/internal/observability"
	"github.com/tbourn/pulse-chat-relay/internal/repo"
	"github.com/tbourn/pulse-chat-relay/internal/services"
	"github.com/tbourn/pulse-chat-relay/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const purgeInterval = 10 * time.Minute

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	appVersion := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(rootCtx, cfg.OTEL, appVersion)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()

	// sockets live under connCtx; it is cancelled before the HTTP server
	// drains so hijacked connections do not hold shutdown open
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()
	app := httpapi.RegisterRoutes(connCtx, r, db, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go purgeIdempotency(rootCtx, app.Store)

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", appVersion).
			Strs("rooms", cfg.Chat.Rooms).
			Msg("chat relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down chat relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n := app.Registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	cancelConns()
	log.Info().Int("sessions", n).Msg("closed live sessions")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("chat relay stopped")
}

// purgeIdempotency drops expired client message keys until ctx is done.
func purgeIdempotency(ctx context.Context, store *services.MessageStore) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.PurgeExpiredKeys(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("idempotency keys purged")
			}
		}
	}
}
