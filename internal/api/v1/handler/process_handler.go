package handler

import (
	"errors"
	"io"
	"net/http"

	"rasenpilot/internal/pubsub"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ProcessHandler receives Pub/Sub push deliveries of started jobs.
type ProcessHandler struct {
	analysisSvc service.AnalysisService
	logger      zerolog.Logger
}

func NewProcessHandler(analysisSvc service.AnalysisService, logger zerolog.Logger) *ProcessHandler {
	return &ProcessHandler{analysisSvc: analysisSvc, logger: logger.With().Str("handler", "ProcessHandler").Logger()}
}

func (h *ProcessHandler) RegisterRoutes(r chi.Router, pubsubAuth func(http.Handler) http.Handler) {
	r.With(pubsubAuth).Post("/internal/analyses/process", h.process)
}

// process godoc
// @Summary Run the analysis stage for one job
// @Description Pub/Sub push endpoint. Every delivery is acknowledged after one attempt; the outcome is recorded on the job.
// @Tags internal
// @Accept json
// @Success 204 "Acknowledged"
// @Failure 401 {string} string "Unauthorized"
// @Router /internal/analyses/process [post]
func (h *ProcessHandler) process(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read push body")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var msg service.JobMessage
	messageID, err := pubsub.DecodePush(body, &msg)
	if err != nil || msg.JobID == "" {
		h.logger.Error().Err(err).Str("message_id", messageID).Msg("Dropping undecodable analysis push message")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	lg := h.logger.With().Str("job_id", msg.JobID).Str("message_id", messageID).Logger()
	if err := h.analysisSvc.Process(r.Context(), msg.JobID); err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			lg.Warn().Err(err).Msg("Duplicate or late delivery ignored")
		} else {
			lg.Error().Err(err).Msg("Analysis stage could not run")
		}
	}
	// No redelivery: the job row carries the outcome.
	w.WriteHeader(http.StatusNoContent)
}
