package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"rasenpilot/internal/pgmq"
	"rasenpilot/internal/service"

	"github.com/rs/zerolog"
)

// Queue is the part of the pgmq client the worker reads from.
type Queue interface {
	Queue() string
	ReadWithPoll(ctx context.Context, visibility time.Duration, pollSec, maxMessages int) ([]*pgmq.Message, error)
	Delete(ctx context.Context, msgID int64) error
}

// Processor runs the analysis stage for one job.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

type Options struct {
	PollSeconds int
	// Visibility keeps a read message hidden while it is processed. It should
	// exceed the job lease so a slow job is never picked up twice.
	Visibility time.Duration
	// ErrorBackoff is the pause after a failed queue read.
	ErrorBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollSeconds <= 0 {
		o.PollSeconds = 30
	}
	if o.Visibility <= 0 {
		o.Visibility = 15 * time.Minute
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	return o
}

// Run consumes the analysis queue until ctx is cancelled. Every message is
// processed once and then deleted, whatever the outcome.
func Run(ctx context.Context, logger zerolog.Logger, queue Queue, processor Processor, opts Options) error {
	opts = opts.withDefaults()
	logger = logger.With().Str("orchestrator", "analysis").Str("queue", queue.Queue()).Logger()
	logger.Info().Msg("Starting analysis orchestrator")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down analysis orchestrator")
			return nil
		default:
		}

		msgs, err := queue.ReadWithPoll(ctx, opts.Visibility, opts.PollSeconds, 1)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error().Err(err).Msg("Error reading analysis queue")
			select {
			case <-ctx.Done():
			case <-time.After(opts.ErrorBackoff):
			}
			continue
		}
		for _, msg := range msgs {
			handle(ctx, logger, queue, processor, msg)
		}
	}
}

func handle(ctx context.Context, logger zerolog.Logger, queue Queue, processor Processor, msg *pgmq.Message) {
	lg := logger.With().Int64("msg_id", msg.ID).Int("read_ct", msg.ReadCt).Logger()

	var job service.JobMessage
	if err := json.Unmarshal(msg.Data, &job); err != nil || job.JobID == "" {
		lg.Error().Err(err).Str("payload", string(msg.Data)).Msg("Dropping undecodable analysis message")
	} else {
		lg = lg.With().Str("job_id", job.JobID).Logger()
		lg.Info().Msg("Received analysis job")
		if err := processor.Process(ctx, job.JobID); err != nil {
			if errors.Is(err, service.ErrInvalidTransition) {
				lg.Warn().Err(err).Msg("Duplicate or late delivery ignored")
			} else {
				lg.Error().Err(err).Msg("Analysis stage could not run")
			}
		}
	}

	// Deleted even after a failure: the job row holds the outcome and there are no retries.
	if err := queue.Delete(context.WithoutCancel(ctx), msg.ID); err != nil {
		lg.Error().Err(err).Msg("Error deleting analysis message")
	}
}
