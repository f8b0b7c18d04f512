package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"rasenpilot/internal/metrics"
	"rasenpilot/internal/model"
	"rasenpilot/internal/repository"
	"rasenpilot/internal/storage"
	"rasenpilot/internal/vision"
	"rasenpilot/internal/weather"

	"github.com/rs/zerolog"
)

// Fixed user-facing failure messages.
const (
	MsgStartFailed  = "Analyse konnte nicht gestartet werden"
	MsgLeaseExpired = "Zeitüberschreitung bei der Analyse"
	MsgLimitReached = "Kostenloses Analyse-Limit erreicht"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Upload is a lawn photo with the context the user supplied alongside it.
type Upload struct {
	Body        io.Reader
	Filename    string
	ContentType string
	GrassType   string
	Goal        string
	PostalCode  string
	DisplayName string
}

// VisionAnalyzer returns the model's raw answer for one photo.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, req vision.Request) (string, error)
}

// AnalysisService runs the analysis job lifecycle:
// pending -> processing -> completed | failed.
type AnalysisService interface {
	Create(ctx context.Context, id model.Identity, up Upload) (*model.AnalysisJob, error)
	Start(ctx context.Context, jobID string, id model.Identity) (*model.AnalysisJob, error)
	// Process runs the worker stage once. Job-level failures are written to the
	// job row and return nil; an error means the job could not be processed at all.
	Process(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string, id model.Identity) (*model.AnalysisJob, error)
	List(ctx context.Context, id model.Identity, limit int) ([]model.AnalysisJob, error)
	FailStale(ctx context.Context, now time.Time) ([]string, error)
}

type analysisService struct {
	jobs         repository.AnalysisRepository
	store        storage.ObjectStore
	dispatcher   Dispatcher
	vision       VisionAnalyzer
	weather      weather.Provider
	gate         GateService
	highscores   HighscoreService
	signedURLTTL time.Duration
	lease        time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// NewAnalysisService wires the pipeline. weatherProvider may be nil.
func NewAnalysisService(
	jobs repository.AnalysisRepository,
	store storage.ObjectStore,
	dispatcher Dispatcher,
	visionClient VisionAnalyzer,
	weatherProvider weather.Provider,
	gate GateService,
	highscores HighscoreService,
	signedURLTTL time.Duration,
	lease time.Duration,
	logger zerolog.Logger,
) AnalysisService {
	return &analysisService{
		jobs:         jobs,
		store:        store,
		dispatcher:   dispatcher,
		vision:       visionClient,
		weather:      weatherProvider,
		gate:         gate,
		highscores:   highscores,
		signedURLTTL: signedURLTTL,
		lease:        lease,
		now:          time.Now,
		logger:       logger.With().Str("service", "AnalysisService").Logger(),
	}
}

func (s *analysisService) Create(ctx context.Context, id model.Identity, up Upload) (*model.AnalysisJob, error) {
	if up.Body == nil {
		return nil, validationErrorf("Bitte ein Foto deines Rasens hochladen")
	}
	if up.ContentType != "" && !strings.HasPrefix(up.ContentType, "image/") {
		return nil, validationErrorf("Nur Bilddateien werden unterstützt")
	}

	usage, err := s.gate.Evaluate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("evaluate usage: %w", err)
	}
	if !usage.CanAnalyze {
		return nil, ErrLimitReached
	}

	now := s.now()
	path := storage.ObjectPath(id.UserID, model.NewObjectName(now, imageExtension(up.Filename, up.ContentType)))
	if err := s.store.Upload(ctx, path, up.ContentType, up.Body); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to upload lawn image")
		return nil, fmt.Errorf("upload image: %w", err)
	}

	job := &model.AnalysisJob{
		ID:        model.NewJobID(now),
		ImagePath: path,
		Metadata: model.JobMetadata{
			GrassType:        strings.TrimSpace(up.GrassType),
			Goal:             strings.TrimSpace(up.Goal),
			PostalCode:       strings.TrimSpace(up.PostalCode),
			DeviceID:         id.DeviceID,
			DisplayName:      strings.TrimSpace(up.DisplayName),
			OriginalFilename: up.Filename,
			ContentType:      up.ContentType,
		},
	}
	if id.UserID != "" {
		userID := id.UserID
		job.UserID = &userID
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to create analysis job")
		if delErr := s.store.Delete(ctx, path); delErr != nil {
			s.logger.Warn().Err(delErr).Str("path", path).Msg("Failed to remove orphaned upload")
		}
		return nil, fmt.Errorf("create analysis job: %w", err)
	}
	metrics.RecordTransition(string(model.JobStatusPending))
	return job, nil
}

func (s *analysisService) Start(ctx context.Context, jobID string, id model.Identity) (*model.AnalysisJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !id.Owns(job) {
		return nil, ErrJobNotFound
	}
	if job.Status != model.JobStatusPending {
		return nil, ErrInvalidTransition
	}

	if err := s.checkAllowance(ctx, id, job, 0); err != nil {
		// A concurrent start of this same job may be what used the allowance.
		if errors.Is(err, ErrLimitReached) {
			if current, getErr := s.jobs.GetByID(ctx, jobID); getErr == nil && current.Status != model.JobStatusPending {
				return nil, ErrInvalidTransition
			}
		}
		return nil, err
	}

	claimedAt := s.now()
	if err := s.jobs.MarkProcessing(ctx, jobID, claimedAt); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Info().Str("job_id", jobID).Msg("Job already claimed by a concurrent start")
		} else {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job processing")
		}
		return nil, err
	}
	metrics.RecordTransition(string(model.JobStatusProcessing))

	// Recount with this job claimed so concurrent starts cannot both pass.
	if err := s.checkAllowance(ctx, id, job, 1); err != nil {
		if failErr := s.fail(ctx, jobID, MsgLimitReached); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}
	job.Status = model.JobStatusProcessing
	job.ClaimedAt = &claimedAt

	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Str("mode", s.dispatcher.Mode()).Msg("Failed to hand off job; marking failed")
		metrics.RecordDispatchFailure(s.dispatcher.Mode())
		if failErr := s.fail(ctx, jobID, MsgStartFailed); failErr != nil {
			return nil, failErr
		}
		msg := MsgStartFailed
		job.Status = model.JobStatusFailed
		job.ErrorMessage = &msg
		return job, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return job, nil
}

// checkAllowance refuses a start when the owner's processing jobs, minus
// the ones already claimed by this call, would exceed the free allowance.
// Completed jobs are counted by the gate; running ones are counted here.
func (s *analysisService) checkAllowance(ctx context.Context, id model.Identity, job *model.AnalysisJob, claimed int) error {
	if id.Kind == model.IdentityPremium {
		return nil
	}
	usage, err := s.gate.Evaluate(ctx, id)
	if err != nil {
		return fmt.Errorf("evaluate usage: %w", err)
	}
	userID := ""
	if job.UserID != nil {
		userID = *job.UserID
	}
	running, err := s.jobs.CountProcessing(ctx, userID, job.Metadata.DeviceID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to count running analyses")
		return err
	}
	if running-claimed >= usage.Remaining {
		s.logger.Info().Str("job_id", job.ID).Int("running", running).Int("remaining", usage.Remaining).Msg("Start refused; free allowance in use")
		return ErrLimitReached
	}
	return nil
}

func (s *analysisService) Process(ctx context.Context, jobID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job_id", jobID).Interface("panic", r).Msg("Analysis stage panicked")
			err = s.fail(ctx, jobID, fmt.Sprintf("Unerwarteter Fehler: %v", r))
		}
	}()

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for processing")
		return err
	}
	if job.Status != model.JobStatusProcessing {
		s.logger.Warn().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job is not processing; skipping")
		return fmt.Errorf("process job %s in status %s: %w", jobID, job.Status, ErrInvalidTransition)
	}
	if job.LeaseExpired(s.now(), s.lease) {
		s.logger.Warn().Str("job_id", jobID).Msg("Job lease expired before processing")
		return s.fail(ctx, jobID, MsgLeaseExpired)
	}

	imageURL, err := s.store.SignedURL(ctx, job.ImagePath, s.signedURLTTL)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to sign image URL")
		return s.fail(ctx, jobID, fmt.Sprintf("Bild konnte nicht geladen werden: %v", err))
	}

	weatherContext := s.weatherContext(ctx, job)

	start := time.Now()
	raw, err := s.vision.Analyze(ctx, vision.Request{
		ImageURL:       imageURL,
		GrassType:      job.Metadata.GrassType,
		Goal:           job.Metadata.Goal,
		WeatherContext: weatherContext,
	})
	if err != nil {
		metrics.ObserveVisionCall("error", time.Since(start))
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Vision call failed")
		var statusErr *vision.StatusError
		if errors.As(err, &statusErr) {
			return s.fail(ctx, jobID, statusErr.Error())
		}
		return s.fail(ctx, jobID, fmt.Sprintf("AI-Anfrage fehlgeschlagen: %v", err))
	}
	metrics.ObserveVisionCall("ok", time.Since(start))

	result, parsed := vision.ParseResult(raw, job.Metadata.GrassType, job.Metadata.Goal)
	if !parsed {
		s.logger.Warn().Str("job_id", jobID).Msg("Model output is not JSON; storing fallback result")
	}
	if result.WeatherNote == "" {
		result.WeatherNote = weatherContext
	}

	if err := s.jobs.Complete(ctx, jobID, result); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to store analysis result")
		return err
	}
	metrics.RecordTransition(string(model.JobStatusCompleted))
	s.logger.Info().Str("job_id", jobID).Bool("fallback", result.Fallback).Msg("Analysis completed")

	s.afterCompletion(ctx, job, result)
	return nil
}

// weatherContext is best-effort; any failure yields an empty context.
func (s *analysisService) weatherContext(ctx context.Context, job *model.AnalysisJob) string {
	if s.weather == nil || job.Metadata.PostalCode == "" {
		return ""
	}
	cond, err := s.weather.Current(ctx, job.Metadata.PostalCode)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("postal_code", job.Metadata.PostalCode).Msg("Weather lookup failed; continuing without weather context")
		return ""
	}
	return cond.Summary()
}

func (s *analysisService) afterCompletion(ctx context.Context, job *model.AnalysisJob, result *model.AnalysisResult) {
	if job.UserID == nil {
		if job.Metadata.DeviceID == "" {
			s.logger.Warn().Str("job_id", job.ID).Msg("Anonymous job without device id; usage flag not set")
			return
		}
		if err := s.gate.MarkConsumed(ctx, model.Anonymous(job.Metadata.DeviceID), job.ID); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark anonymous usage after completion")
		}
		return
	}
	if s.highscores == nil || result.Fallback {
		return
	}
	if err := s.highscores.Record(ctx, *job.UserID, job.Metadata.DisplayName, result.OverallHealth, job.ID); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Str("user_id", *job.UserID).Msg("Failed to update highscore")
	}
}

// fail moves a processing job to failed. A job that already left processing
// is left as is.
func (s *analysisService) fail(ctx context.Context, jobID, message string) error {
	err := s.jobs.Fail(ctx, jobID, model.JobStatusProcessing, message)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn().Str("job_id", jobID).Msg("Job already terminal; failure not recorded")
			return nil
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
		return err
	}
	metrics.RecordTransition(string(model.JobStatusFailed))
	s.logger.Info().Str("job_id", jobID).Str("error_message", message).Msg("Analysis failed")
	return nil
}

func (s *analysisService) Get(ctx context.Context, jobID string, id model.Identity) (*model.AnalysisJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !id.Owns(job) {
		return nil, ErrJobNotFound
	}
	if !job.LeaseExpired(s.now(), s.lease) {
		return job, nil
	}
	s.logger.Warn().Str("job_id", jobID).Time("claimed_at", *job.ClaimedAt).Msg("Processing lease expired; failing job")
	if err := s.fail(ctx, jobID, MsgLeaseExpired); err != nil {
		return nil, err
	}
	return s.jobs.GetByID(ctx, jobID)
}

func (s *analysisService) List(ctx context.Context, id model.Identity, limit int) ([]model.AnalysisJob, error) {
	if id.UserID == "" {
		return nil, ErrUnauthorized
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.jobs.ListByUser(ctx, id.UserID, limit)
}

func (s *analysisService) FailStale(ctx context.Context, now time.Time) ([]string, error) {
	if s.lease <= 0 {
		return nil, nil
	}
	ids, err := s.jobs.FailStale(ctx, now.Add(-s.lease), MsgLeaseExpired)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to sweep stale jobs")
		return nil, err
	}
	for _, id := range ids {
		metrics.RecordTransition(string(model.JobStatusFailed))
		s.logger.Warn().Str("job_id", id).Msg("Stale processing job failed by sweeper")
	}
	return ids, nil
}

func imageExtension(filename, contentType string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return ext
	}
	switch contentType {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/heic":
		return "heic"
	}
	return "jpg"
}
