package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"rasenpilot/internal/api/v1/dto"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxUploadBytes = 10 << 20

// AnalysisHandler serves the free-tier gate and the analysis job lifecycle.
type AnalysisHandler struct {
	analysisSvc service.AnalysisService
	gateSvc     service.GateService
	validate    *validator.Validate
	logger      zerolog.Logger
}

func NewAnalysisHandler(analysisSvc service.AnalysisService, gateSvc service.GateService, validate *validator.Validate, logger zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		analysisSvc: analysisSvc,
		gateSvc:     gateSvc,
		validate:    validate,
		logger:      logger.With().Str("handler", "AnalysisHandler").Logger(),
	}
}

func (h *AnalysisHandler) RegisterRoutes(r chi.Router, optionalAuth, requireAuth func(http.Handler) http.Handler) {
	r.With(optionalAuth).Get("/usage", h.getUsage)
	r.With(optionalAuth).Post("/usage/consume", h.consumeUsage)
	r.With(optionalAuth).Post("/analyses", h.createAnalysis)
	r.With(requireAuth).Get("/analyses", h.listAnalyses)
	r.With(optionalAuth).Post("/analyses/{analysisId}/start", h.startAnalysis)
	r.With(optionalAuth).Get("/analyses/{analysisId}", h.getAnalysis)
}

// getUsage godoc
// @Summary Free-tier usage
// @Description Returns whether the caller may run another analysis. Anonymous callers are identified by the rp_device cookie.
// @Tags usage
// @Produce json
// @Success 200 {object} dto.UsageResponseDTO
// @Failure 401 {string} string "Invalid token"
// @Failure 500 {string} string "Failed to evaluate usage"
// @Router /usage [get]
func (h *AnalysisHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.gateSvc.Evaluate(r.Context(), identity(r, h.gateSvc))
	if err != nil {
		writeServiceError(w, err, "evaluate usage", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewUsageResponse(usage), h.logger)
}

// consumeUsage godoc
// @Summary Record an anonymous analysis
// @Description Sets the device's one-time free analysis flag. No-op for signed-in users.
// @Tags usage
// @Accept json
// @Param body body dto.ConsumeUsageRequestDTO true "Consumed job"
// @Success 204 "No Content"
// @Failure 400 {string} string "Invalid JSON payload or validation failed"
// @Failure 500 {string} string "Failed to record usage"
// @Router /usage/consume [post]
func (h *AnalysisHandler) consumeUsage(w http.ResponseWriter, r *http.Request) {
	var req dto.ConsumeUsageRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.gateSvc.MarkConsumed(r.Context(), lightIdentity(r), req.JobID); err != nil {
		writeServiceError(w, err, "record usage", h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createAnalysis godoc
// @Summary Upload a lawn photo
// @Description Stores the image and creates a pending analysis job. Fails with 402 once the free analysis is used up.
// @Tags analyses
// @Accept multipart/form-data
// @Produce json
// @Param image formData file true "Lawn photo"
// @Param grass_type formData string false "Grass type"
// @Param goal formData string false "Care goal"
// @Param postal_code formData string false "Postal code for weather context"
// @Param display_name formData string false "Leaderboard name"
// @Success 201 {object} dto.AnalysisResponseDTO
// @Failure 400 {string} string "Invalid upload"
// @Failure 402 {string} string "Free analysis limit reached"
// @Failure 500 {string} string "Failed to create analysis"
// @Router /analyses [post]
func (h *AnalysisHandler) createAnalysis(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Ungültiger Upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Bitte ein Foto deines Rasens hochladen", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	job, err := h.analysisSvc.Create(r.Context(), identity(r, h.gateSvc), service.Upload{
		Body:        file,
		Filename:    header.Filename,
		ContentType: contentType,
		GrassType:   r.FormValue("grass_type"),
		Goal:        r.FormValue("goal"),
		PostalCode:  r.FormValue("postal_code"),
		DisplayName: r.FormValue("display_name"),
	})
	if err != nil {
		writeServiceError(w, err, "create analysis", h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, dto.NewAnalysisResponse(job), h.logger)
}

// startAnalysis godoc
// @Summary Start an analysis
// @Description Moves a pending job to processing and hands it to the worker. A second start of the same job fails with 409.
// @Tags analyses
// @Produce json
// @Param analysisId path string true "Analysis ID"
// @Success 202 {object} dto.AnalysisResponseDTO
// @Failure 404 {string} string "Not found"
// @Failure 409 {string} string "Already started"
// @Failure 502 {object} dto.AnalysisResponseDTO "Hand-off failed; job is failed"
// @Router /analyses/{analysisId}/start [post]
func (h *AnalysisHandler) startAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "analysisId")
	job, err := h.analysisSvc.Start(r.Context(), jobID, identity(r, h.gateSvc))
	if err != nil {
		if errors.Is(err, service.ErrDispatchFailed) && job != nil {
			h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to start analysis")
			writeJSON(w, http.StatusBadGateway, dto.NewAnalysisResponse(job), h.logger)
			return
		}
		writeServiceError(w, err, "start analysis", h.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, dto.NewAnalysisResponse(job), h.logger)
}

// getAnalysis godoc
// @Summary Get an analysis
// @Description Returns the job. A processing job past its lease is failed before it is returned.
// @Tags analyses
// @Produce json
// @Param analysisId path string true "Analysis ID"
// @Success 200 {object} dto.AnalysisResponseDTO
// @Failure 404 {string} string "Not found"
// @Router /analyses/{analysisId} [get]
func (h *AnalysisHandler) getAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := h.analysisSvc.Get(r.Context(), chi.URLParam(r, "analysisId"), lightIdentity(r))
	if err != nil {
		writeServiceError(w, err, "get analysis", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewAnalysisResponse(job), h.logger)
}

// listAnalyses godoc
// @Summary Analysis history
// @Tags analyses
// @Produce json
// @Param limit query int false "Max entries (default 20)"
// @Success 200 {array} dto.AnalysisResponseDTO
// @Failure 401 {string} string "Unauthorized"
// @Router /analyses [get]
func (h *AnalysisHandler) listAnalyses(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.analysisSvc.List(r.Context(), lightIdentity(r), limit)
	if err != nil {
		writeServiceError(w, err, "list analyses", h.logger)
		return
	}
	resp := make([]dto.AnalysisResponseDTO, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, dto.NewAnalysisResponse(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
