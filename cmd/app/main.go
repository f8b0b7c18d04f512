package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rasenpilot/internal/api/v1/router"
	"rasenpilot/internal/bootstrap"
	"rasenpilot/internal/logger"
)

// @title Rasenpilot API
// @version 1.0
// @description Lawn photo analysis, free-tier gating, subscriptions and notifications.
// @host localhost:8080
// @BasePath /v1
// @Schemes http https

func main() {
	log := logger.New()
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := bootstrap.LoadConfig(ctx, log)
	if err != nil {
		log.Fatal().Msgf("Error loading config: %v", err)
	}
	log = logger.NewWithLevel(cfg.LogLevel)
	log.Info().Str("environment", cfg.Environment).Msg("App environment loaded")

	// 2. Wire services (DB, storage, queues, providers)
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Msgf("Failed to initialize app: %v", err)
	}
	defer app.Close()

	// 3. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router.New(app, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 4. Start server in a goroutine
	go func() {
		log.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Msgf("Server forced to shutdown: %v", err)
	}
	log.Info().Msg("Server shut down gracefully")
}
