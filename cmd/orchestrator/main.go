package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"rasenpilot/internal/bootstrap"
	"rasenpilot/internal/logger"
	"rasenpilot/internal/model"
	"rasenpilot/internal/orchestrator/analysis"
	"rasenpilot/internal/orchestrator/sweeper"
)

func main() {
	mode := flag.String("mode", "", "Orchestrator mode: analysis|sweeper|sync-products")
	flag.Parse()

	log := logger.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := bootstrap.LoadConfig(ctx, log)
	if err != nil {
		log.Fatal().Msgf("Error loading config: %v", err)
	}
	log = logger.NewWithLevel(cfg.LogLevel).With().Str("mode", *mode).Logger()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Msgf("Failed to initialize app: %v", err)
	}
	defer app.Close()

	var runErr error
	switch *mode {
	case "analysis":
		runErr = analysis.Run(ctx, log, app.Queue, app.Analysis, analysis.Options{
			PollSeconds: cfg.AnalysisPollTimeoutSec,
			Visibility:  cfg.JobLease + time.Minute,
		})
	case "sweeper":
		runErr = sweeper.Run(ctx, log, app.Analysis, cfg.SweeperSchedule)
	case "sync-products":
		var products []model.StripeProduct
		products, runErr = app.Stripe.SyncProducts(ctx)
		if runErr == nil {
			log.Info().Int("products", len(products)).Msg("Stripe products synced")
		}
	default:
		log.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		log.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}
	log.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
