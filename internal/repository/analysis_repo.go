package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rasenpilot/internal/model"
)

var (
	ErrJobNotFound = errors.New("analysis job not found")
	// ErrInvalidTransition is returned when a conditional status update matched
	// no row, i.e. the job was not in the expected source state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// AnalysisRepository persists analysis jobs. Every status write is
// conditional on the current status so transitions stay monotonic.
type AnalysisRepository interface {
	Create(ctx context.Context, job *model.AnalysisJob) error
	GetByID(ctx context.Context, id string) (*model.AnalysisJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.AnalysisJob, error)
	CountCompletedByUser(ctx context.Context, userID string) (int, error)
	// CountProcessing counts the owner's jobs currently in processing. A
	// non-empty userID selects by user, otherwise by anonymous device.
	CountProcessing(ctx context.Context, userID, deviceID string) (int, error)

	MarkProcessing(ctx context.Context, id string, claimedAt time.Time) error
	Complete(ctx context.Context, id string, result *model.AnalysisResult) error
	Fail(ctx context.Context, id string, from model.JobStatus, message string) error
	// FailStale fails every processing job claimed before cutoff and returns their ids.
	FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error)
}

type analysisRepo struct {
	db *sql.DB
}

func NewAnalysisRepo(db *sql.DB) AnalysisRepository {
	return &analysisRepo{db: db}
}

const analysisColumns = `id, user_id, image_path, metadata, status, result, error_message, claimed_at, created_at, updated_at`

func (r *analysisRepo) Create(ctx context.Context, job *model.AnalysisJob) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling job metadata: %w", err)
	}
	query := `
		INSERT INTO analysis_jobs (id, user_id, image_path, metadata, status)
		VALUES ($1, $2, $3, $4::jsonb, 'pending')
		RETURNING status, created_at, updated_at
	`
	var status string
	err = r.db.QueryRowContext(ctx, query, job.ID, nullString(job.UserID), job.ImagePath, string(meta)).
		Scan(&status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating analysis job: %w", err)
	}
	job.Status = model.JobStatus(status)
	return nil
}

func (r *analysisRepo) GetByID(ctx context.Context, id string) (*model.AnalysisJob, error) {
	query := `SELECT ` + analysisColumns + ` FROM analysis_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("getting analysis job %s: %w", id, err)
	}
	return job, nil
}

func (r *analysisRepo) ListByUser(ctx context.Context, userID string, limit int) ([]model.AnalysisJob, error) {
	query := `SELECT ` + analysisColumns + `
		FROM analysis_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying analysis jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.AnalysisJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning analysis job row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating analysis job rows: %w", err)
	}
	return jobs, nil
}

func (r *analysisRepo) CountCompletedByUser(ctx context.Context, userID string) (int, error) {
	var count int
	const q = `SELECT COUNT(*) FROM analysis_jobs WHERE user_id = $1 AND status = 'completed'`
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting completed jobs for user %s: %w", userID, err)
	}
	return count, nil
}

func (r *analysisRepo) CountProcessing(ctx context.Context, userID, deviceID string) (int, error) {
	var (
		count int
		err   error
	)
	if userID != "" {
		const q = `SELECT COUNT(*) FROM analysis_jobs WHERE user_id = $1 AND status = 'processing'`
		err = r.db.QueryRowContext(ctx, q, userID).Scan(&count)
	} else {
		const q = `
			SELECT COUNT(*) FROM analysis_jobs
			WHERE user_id IS NULL AND metadata->>'device_id' = $1 AND status = 'processing'`
		err = r.db.QueryRowContext(ctx, q, deviceID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting processing jobs: %w", err)
	}
	return count, nil
}

func (r *analysisRepo) MarkProcessing(ctx context.Context, id string, claimedAt time.Time) error {
	const q = `
		UPDATE analysis_jobs
		SET status = 'processing', claimed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	res, err := r.db.ExecContext(ctx, q, id, claimedAt)
	if err != nil {
		return fmt.Errorf("marking job %s processing: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *analysisRepo) Complete(ctx context.Context, id string, result *model.AnalysisResult) error {
	if result == nil {
		return fmt.Errorf("completing job %s: %w", id, model.ErrJobInvariant)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling analysis result: %w", err)
	}
	const q = `
		UPDATE analysis_jobs
		SET status = 'completed', result = $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := r.db.ExecContext(ctx, q, id, string(payload))
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *analysisRepo) Fail(ctx context.Context, id string, from model.JobStatus, message string) error {
	if !model.CanTransition(from, model.JobStatusFailed) {
		return fmt.Errorf("failing job %s from %s: %w", id, from, ErrInvalidTransition)
	}
	if message == "" {
		message = "unknown error"
	}
	const q = `
		UPDATE analysis_jobs
		SET status = 'failed', error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	res, err := r.db.ExecContext(ctx, q, id, string(from), message)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return r.checkTransition(ctx, id, res)
}

func (r *analysisRepo) FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	const q = `
		UPDATE analysis_jobs
		SET status = 'failed', error_message = $2, updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < $1
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, q, cutoff, message)
	if err != nil {
		return nil, fmt.Errorf("failing stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale job ids: %w", err)
	}
	return ids, nil
}

// checkTransition distinguishes a missing job from one in the wrong state.
func (r *analysisRepo) checkTransition(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM analysis_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking job %s: %w", id, err)
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.AnalysisJob, error) {
	var (
		job       model.AnalysisJob
		userID    sql.NullString
		meta      []byte
		status    string
		result    []byte
		errMsg    sql.NullString
		claimedAt sql.NullTime
	)
	if err := row.Scan(&job.ID, &userID, &job.ImagePath, &meta, &status, &result, &errMsg, &claimedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if userID.Valid {
		job.UserID = &userID.String
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decoding job metadata: %w", err)
		}
	}
	if len(result) > 0 {
		var res model.AnalysisResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decoding job result: %w", err)
		}
		job.Result = &res
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	return &job, nil
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
