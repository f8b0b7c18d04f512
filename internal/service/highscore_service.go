package service

import (
	"context"
	"strings"

	"rasenpilot/internal/model"
	"rasenpilot/internal/repository"

	"github.com/rs/zerolog"
)

const (
	defaultDisplayName  = "Rasenfreund"
	defaultLeaderboard  = 10
	maxLeaderboardLimit = 100
)

type HighscoreService interface {
	// Record keeps the user's best overall health score.
	Record(ctx context.Context, userID, displayName string, score int, jobID string) error
	Top(ctx context.Context, limit int) ([]model.Highscore, error)
}

type highscoreService struct {
	repo   repository.HighscoreRepository
	logger zerolog.Logger
}

func NewHighscoreService(repo repository.HighscoreRepository, logger zerolog.Logger) HighscoreService {
	return &highscoreService{
		repo:   repo,
		logger: logger.With().Str("service", "HighscoreService").Logger(),
	}
}

func (s *highscoreService) Record(ctx context.Context, userID, displayName string, score int, jobID string) error {
	if userID == "" {
		return validationErrorf("highscore requires a user")
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = defaultDisplayName
	}
	h := &model.Highscore{UserID: userID, DisplayName: displayName, BestScore: score, JobID: jobID}
	if err := s.repo.UpsertBest(ctx, h); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("job_id", jobID).Msg("Failed to record highscore")
		return err
	}
	return nil
}

func (s *highscoreService) Top(ctx context.Context, limit int) ([]model.Highscore, error) {
	if limit <= 0 {
		limit = defaultLeaderboard
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	return s.repo.Top(ctx, limit)
}
