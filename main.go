package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"inference_server/config"
	"inference_server/internal/bootstrap"
	"inference_server/pkg/logger"
)

// shutdownTimeout bounds the whole drain: HTTP listener first, then the
// engine failing still-queued requests as cancelled.
const shutdownTimeout = 30 * time.Second

func main() {
	// .env is a local development convenience; deployments set real envs.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		l := logger.Component("main")
		l.Fatal().Err(err).Msg("config load failed")
	}

	logger.Init(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "inference_server",
	})
	log := logger.Component("main")

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("dependency wiring failed")
	}
	defer cleanup()

	engine := bootstrap.NewEngineWithDeps(deps)
	engine.Start()

	var app *fiber.App
	if cfg.HTTPEnabled {
		app = bootstrap.NewAPI(deps)
		go func() {
			addr := ":" + cfg.Port
			log.Info().Str("addr", addr).Msg("http surface listening")
			if err := app.Listen(addr); err != nil {
				log.Error().Err(err).Msg("http listener stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app != nil {
		done := make(chan error, 1)
		go func() { done <- app.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				log.Error().Err(err).Msg("http shutdown failed")
			}
		case <-ctx.Done():
			log.Warn().Msg("http shutdown timed out")
		}
	}

	stopped := make(chan struct{})
	go func() {
		engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Info().Msg("shutdown complete")
	case <-ctx.Done():
		log.Warn().Msg("engine shutdown timed out, exiting")
	}
}
