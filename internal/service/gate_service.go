package service

import (
	"context"
	"errors"
	"fmt"

	"rasenpilot/internal/model"
	"rasenpilot/internal/repository"

	"github.com/rs/zerolog"
)

// SubscriptionChecker answers whether an email currently holds a paid plan.
type SubscriptionChecker interface {
	CheckSubscription(ctx context.Context, email string) (*model.SubscriptionState, error)
}

// GateService decides whether an identity may run another analysis.
type GateService interface {
	Evaluate(ctx context.Context, id model.Identity) (model.Usage, error)
	// MarkConsumed records the free analysis of an anonymous device. For
	// signed-in users the completed job row is the record, so it is a no-op.
	MarkConsumed(ctx context.Context, id model.Identity, jobID string) error
	// ResolveIdentity re-asks the payment provider on every call.
	ResolveIdentity(ctx context.Context, userID, email, deviceID string) model.Identity
}

type gateService struct {
	jobs           repository.AnalysisRepository
	usage          repository.UsageRepository
	subs           SubscriptionChecker
	limit          int
	carryAnonymous bool
	logger         zerolog.Logger
}

func NewGateService(
	jobs repository.AnalysisRepository,
	usage repository.UsageRepository,
	subs SubscriptionChecker,
	limit int,
	carryAnonymous bool,
	logger zerolog.Logger,
) GateService {
	if limit < 0 {
		limit = 0
	}
	return &gateService{
		jobs:           jobs,
		usage:          usage,
		subs:           subs,
		limit:          limit,
		carryAnonymous: carryAnonymous,
		logger:         logger.With().Str("service", "GateService").Logger(),
	}
}

func (s *gateService) Evaluate(ctx context.Context, id model.Identity) (model.Usage, error) {
	var used int
	switch id.Kind {
	case model.IdentityPremium:
		return model.Usage{CanAnalyze: true, Used: 0, Remaining: s.limit, Limit: s.limit, IsPremium: true}, nil

	case model.IdentityAuthenticated:
		n, err := s.jobs.CountCompletedByUser(ctx, id.UserID)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("Failed to count completed analyses")
			return model.Usage{}, err
		}
		used = n
		// Anonymous usage from the same browser follows the user into the account.
		if used == 0 && s.carryAnonymous && id.DeviceID != "" {
			consumed, err := s.usage.HasConsumed(ctx, id.DeviceID)
			if err != nil {
				s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("Failed to read device usage flag")
				return model.Usage{}, err
			}
			if consumed {
				used = 1
			}
		}

	case model.IdentityAnonymous:
		if id.DeviceID != "" {
			consumed, err := s.usage.HasConsumed(ctx, id.DeviceID)
			if err != nil {
				s.logger.Error().Err(err).Str("device_id", id.DeviceID).Msg("Failed to read device usage flag")
				return model.Usage{}, err
			}
			if consumed {
				used = 1
			}
		}

	default:
		return model.Usage{}, fmt.Errorf("unknown identity kind %d", id.Kind)
	}

	remaining := s.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return model.Usage{
		CanAnalyze:      remaining > 0,
		Used:            used,
		Remaining:       remaining,
		Limit:           s.limit,
		HasReachedLimit: remaining == 0,
	}, nil
}

func (s *gateService) MarkConsumed(ctx context.Context, id model.Identity, jobID string) error {
	switch id.Kind {
	case model.IdentityAnonymous:
		if id.DeviceID == "" {
			return validationErrorf("missing device identity")
		}
		if err := s.usage.MarkConsumed(ctx, id.DeviceID, jobID); err != nil {
			s.logger.Error().Err(err).Str("device_id", id.DeviceID).Str("job_id", jobID).Msg("Failed to mark anonymous usage")
			return err
		}
		return nil
	case model.IdentityAuthenticated, model.IdentityPremium:
		return nil
	}
	return fmt.Errorf("unknown identity kind %d", id.Kind)
}

func (s *gateService) ResolveIdentity(ctx context.Context, userID, email, deviceID string) model.Identity {
	if userID == "" {
		return model.Anonymous(deviceID)
	}
	if s.subs == nil || email == "" {
		return model.Authenticated(userID, email, deviceID)
	}
	state, err := s.subs.CheckSubscription(ctx, email)
	if err != nil {
		ev := s.logger.Warn()
		if errors.Is(err, ErrPaymentNotConfigured) {
			ev = s.logger.Debug()
		}
		ev.Err(err).Str("user_id", userID).Msg("Subscription check failed; treating user as free tier")
		return model.Authenticated(userID, email, deviceID)
	}
	if state != nil && state.Subscribed {
		return model.Premium(userID, email, deviceID)
	}
	return model.Authenticated(userID, email, deviceID)
}
