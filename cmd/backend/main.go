// Command backend runs the session coordination engine: the HTTP/WebSocket
// server that proxies register against and viewers connect to. Wiring is
// env-driven config, a gin router, and signal-triggered graceful shutdown
// over this module's store, cache, and router packages.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meawoppl/claude-code-portal/internal/auth"
	"github.com/meawoppl/claude-code-portal/internal/cache"
	"github.com/meawoppl/claude-code-portal/internal/config"
	"github.com/meawoppl/claude-code-portal/internal/logger"
	"github.com/meawoppl/claude-code-portal/internal/router"
	"github.com/meawoppl/claude-code-portal/internal/store"
	"github.com/meawoppl/claude-code-portal/internal/wsserver"
)

func main() {
	cfg := config.LoadBackend()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	if cfg.DevMode {
		log.Warn().Msg("DEV_MODE enabled: all connections bind to a fixed test user, never run this in production")
	}
	if !cfg.DevMode && (cfg.SessionSecret == "" || cfg.ProxyJWTSecret == "") {
		log.Fatal().Msg("SESSION_SECRET and PROXY_JWT_SECRET must be set outside dev mode")
	}

	log.Info().Msg("connecting to database")
	st, err := store.New(store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	log.Info().Msg("running database migrations")
	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	ch, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Enabled:  cfg.CacheEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to connect to redis, continuing without cache")
		ch, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer ch.Close()

	registry := router.NewRegistry(st, ch, router.Config{
		DisconnectGrace:     cfg.ProxyDisconnectGrace,
		ViewerQueueCapacity: cfg.ViewerQueueCapacity,
		ProxyOutputWindow:   cfg.ProxyOutputWindow,
		HistoryReplayLimit:  cfg.HistoryReplayLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.RunStatusSubscriber(ctx)

	stopSweeper := make(chan struct{})
	go registry.RunIdleSweeper(1*time.Minute, stopSweeper)
	defer close(stopSweeper)

	proxyAuth := auth.NewJWTManager(cfg.ProxyJWTSecret, "claude-code-portal", 0)
	viewerAuth := auth.NewJWTManager(cfg.SessionSecret, "claude-code-portal", 24*time.Hour)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	srv := wsserver.NewServer(registry, st, proxyAuth, viewerAuth, cfg.DevMode, cfg.ViewerQueueCapacity)
	srv.RegisterRoutes(engine)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("backend listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	registry.Shutdown("server restarting", 2000)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shut down")
	}

	log.Info().Msg("graceful shutdown complete")
}
