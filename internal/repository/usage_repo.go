package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// UsageRepository holds the per-device free analysis flag for anonymous callers.
type UsageRepository interface {
	HasConsumed(ctx context.Context, deviceID string) (bool, error)
	// MarkConsumed sets the flag once. Repeated calls keep the first record.
	MarkConsumed(ctx context.Context, deviceID, jobID string) error
}

type usageRepo struct {
	db *sql.DB
}

func NewUsageRepo(db *sql.DB) UsageRepository {
	return &usageRepo{db: db}
}

func (r *usageRepo) HasConsumed(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS(SELECT 1 FROM anonymous_usage WHERE device_id = $1)`
	if err := r.db.QueryRowContext(ctx, q, deviceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("reading usage flag for device %s: %w", deviceID, err)
	}
	return exists, nil
}

func (r *usageRepo) MarkConsumed(ctx context.Context, deviceID, jobID string) error {
	const q = `
		INSERT INTO anonymous_usage (device_id, job_id)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO NOTHING
	`
	var job sql.NullString
	if jobID != "" {
		job = sql.NullString{String: jobID, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, q, deviceID, job); err != nil {
		return fmt.Errorf("recording usage flag for device %s: %w", deviceID, err)
	}
	return nil
}
