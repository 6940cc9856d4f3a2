// Command proxy runs the local daemon that wraps a claude or codex CLI
// session and keeps it registered with a backend over WebSocket, per
// proxyclient's reconnect loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/meawoppl/claude-code-portal/internal/config"
	"github.com/meawoppl/claude-code-portal/internal/logger"
	"github.com/meawoppl/claude-code-portal/internal/proxyclient"
)

func main() {
	cfg := config.LoadProxy()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Proxy()

	if cfg.AuthToken == "" {
		log.Fatal().Msg("AUTH_TOKEN must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	client := proxyclient.New(cfg, *log)
	if err := client.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("proxy exited with error")
	}
}
