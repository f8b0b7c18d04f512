package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StaleJobFailer fails processing jobs whose lease has run out.
type StaleJobFailer interface {
	FailStale(ctx context.Context, now time.Time) ([]string, error)
}

// Run fails expired jobs on schedule (cron expression or "@every 1m") until ctx is
// cancelled. One sweep runs immediately at start.
func Run(ctx context.Context, logger zerolog.Logger, failer StaleJobFailer, schedule string) error {
	logger = logger.With().Str("orchestrator", "sweeper").Logger()

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { Sweep(ctx, logger, failer, time.Now()) }); err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", schedule, err)
	}

	logger.Info().Str("schedule", schedule).Msg("Starting stale job sweeper")
	Sweep(ctx, logger, failer, time.Now())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info().Msg("Shutting down stale job sweeper")
	return nil
}

// Sweep runs one pass and returns the number of jobs it failed.
func Sweep(ctx context.Context, logger zerolog.Logger, failer StaleJobFailer, now time.Time) int {
	if ctx.Err() != nil {
		return 0
	}
	ids, err := failer.FailStale(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("Stale job sweep failed")
		return 0
	}
	if len(ids) > 0 {
		logger.Warn().Strs("job_ids", ids).Msg("Failed jobs with expired lease")
	}
	return len(ids)
}
