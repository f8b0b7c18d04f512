package repository

import (
	"context"
	"database/sql"
	"fmt"

	"rasenpilot/internal/model"
)

type HighscoreRepository interface {
	// UpsertBest keeps the larger of the stored and the given score.
	UpsertBest(ctx context.Context, h *model.Highscore) error
	Top(ctx context.Context, limit int) ([]model.Highscore, error)
}

type highscoreRepo struct {
	db *sql.DB
}

func NewHighscoreRepo(db *sql.DB) HighscoreRepository {
	return &highscoreRepo{db: db}
}

func (r *highscoreRepo) UpsertBest(ctx context.Context, h *model.Highscore) error {
	const q = `
		INSERT INTO highscores (user_id, display_name, best_score, job_id, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			best_score   = GREATEST(highscores.best_score, EXCLUDED.best_score),
			job_id       = CASE WHEN EXCLUDED.best_score > highscores.best_score THEN EXCLUDED.job_id ELSE highscores.job_id END,
			updated_at   = CASE WHEN EXCLUDED.best_score > highscores.best_score THEN NOW() ELSE highscores.updated_at END
	`
	if _, err := r.db.ExecContext(ctx, q, h.UserID, h.DisplayName, h.BestScore, h.JobID); err != nil {
		return fmt.Errorf("upsert highscore for user %s: %w", h.UserID, err)
	}
	return nil
}

func (r *highscoreRepo) Top(ctx context.Context, limit int) ([]model.Highscore, error) {
	const q = `
		SELECT user_id, display_name, best_score, job_id, updated_at
		FROM highscores
		ORDER BY best_score DESC, updated_at ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("querying highscores: %w", err)
	}
	defer rows.Close()

	scores := []model.Highscore{}
	for rows.Next() {
		var h model.Highscore
		if err := rows.Scan(&h.UserID, &h.DisplayName, &h.BestScore, &h.JobID, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning highscore row: %w", err)
		}
		scores = append(scores, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating highscore rows: %w", err)
	}
	return scores, nil
}
