package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal forward move.
// pending -> failed covers a start step that cannot even claim the job.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// JobMetadata is the free-form context captured at upload time.
type JobMetadata struct {
	GrassType        string `json:"grass_type,omitempty"`
	Goal             string `json:"goal,omitempty"`
	PostalCode       string `json:"postal_code,omitempty"`
	DeviceID         string `json:"device_id,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	ContentType      string `json:"content_type,omitempty"`
}

// AnalysisJob is a single requested lawn-photo analysis.
type AnalysisJob struct {
	ID           string          `json:"id"`
	UserID       *string         `json:"user_id,omitempty"`
	ImagePath    string          `json:"image_path"`
	Metadata     JobMetadata     `json:"metadata"`
	Status       JobStatus       `json:"status"`
	Result       *AnalysisResult `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

var ErrJobInvariant = errors.New("analysis job invariant violated")

// CheckInvariants verifies result/error exclusivity against the status.
func (j *AnalysisJob) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrJobInvariant, j.Status)
	}
	if (j.Result != nil) != (j.Status == JobStatusCompleted) {
		return fmt.Errorf("%w: result set=%t with status %s", ErrJobInvariant, j.Result != nil, j.Status)
	}
	if (j.ErrorMessage != nil) != (j.Status == JobStatusFailed) {
		return fmt.Errorf("%w: error_message set=%t with status %s", ErrJobInvariant, j.ErrorMessage != nil, j.Status)
	}
	return nil
}

// LeaseExpired reports whether a processing job has outlived its lease.
func (j *AnalysisJob) LeaseExpired(now time.Time, lease time.Duration) bool {
	if j.Status != JobStatusProcessing || j.ClaimedAt == nil || lease <= 0 {
		return false
	}
	return now.Sub(*j.ClaimedAt) > lease
}

// NewJobID returns "<unix-millis>-<8 hex>". Collisions are not checked.
func NewJobID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), randomSuffix())
}

// NewObjectName builds a storage file name the same way as job ids.
func NewObjectName(now time.Time, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%d-%s.%s", now.UnixMilli(), randomSuffix(), ext)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
