package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"rasenpilot/internal/api/v1/dto"
	"rasenpilot/internal/middleware"
	"rasenpilot/internal/model"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// NotificationHandler serves opt-in preferences and outbound messages.
type NotificationHandler struct {
	notificationSvc service.NotificationService
	validate        *validator.Validate
	logger          zerolog.Logger
}

func NewNotificationHandler(notificationSvc service.NotificationService, validate *validator.Validate, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		notificationSvc: notificationSvc,
		validate:        validate,
		logger:          logger.With().Str("handler", "NotificationHandler").Logger(),
	}
}

func (h *NotificationHandler) RegisterRoutes(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/users/me/preferences", h.getPreferences)
		r.Put("/users/me/preferences", h.updatePreferences)
		r.Post("/messages", h.sendMessage)
		r.Get("/messages/{messageId}", h.getMessage)
	})
}

// getPreferences godoc
// @Summary Communication preferences
// @Description Users who never saved preferences are opted out of every channel.
// @Tags communication
// @Produce json
// @Success 200 {object} model.CommunicationPreferences
// @Failure 401 {string} string "Unauthorized"
// @Router /users/me/preferences [get]
func (h *NotificationHandler) getPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.notificationSvc.GetPreferences(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err, "load preferences", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, prefs, h.logger)
}

// updatePreferences godoc
// @Summary Update communication preferences
// @Tags communication
// @Accept json
// @Produce json
// @Param preferences body dto.PreferencesRequestDTO true "Opt-in flags and addresses"
// @Success 200 {object} model.CommunicationPreferences
// @Failure 400 {string} string "Validation failed"
// @Failure 401 {string} string "Unauthorized"
// @Router /users/me/preferences [put]
func (h *NotificationHandler) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var req dto.PreferencesRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	prefs := &model.CommunicationPreferences{
		UserID:        middleware.UserIDFromContext(r.Context()),
		Phone:         req.Phone,
		Email:         req.Email,
		SMSOptIn:      req.SMSOptIn,
		WhatsAppOptIn: req.WhatsAppOptIn,
		EmailOptIn:    req.EmailOptIn,
	}
	if err := h.notificationSvc.UpdatePreferences(r.Context(), prefs); err != nil {
		writeServiceError(w, err, "save preferences", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, prefs, h.logger)
}

// sendMessage godoc
// @Summary Send a notification to the caller
// @Description Refused with 403 unless the caller opted in to the channel.
// @Tags communication
// @Accept json
// @Produce json
// @Param message body dto.SendMessageRequestDTO true "Channel and content"
// @Success 201 {object} model.CommunicationEvent
// @Failure 400 {string} string "Validation failed"
// @Failure 403 {string} string "Not opted in"
// @Failure 502 {string} string "Provider error"
// @Router /messages [post]
func (h *NotificationHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req dto.SendMessageRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := h.notificationSvc.Send(r.Context(), service.SendRequest{
		UserID:   middleware.UserIDFromContext(r.Context()),
		Channel:  model.Channel(req.Channel),
		Subject:  req.Subject,
		Body:     req.Body,
		Template: req.Template,
	})
	if err != nil {
		writeServiceError(w, err, "send message", h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, ev, h.logger)
}

// getMessage godoc
// @Summary Message status
// @Description Current status is the latest event; the full history is returned alongside.
// @Tags communication
// @Produce json
// @Param messageId path string true "Provider message ID"
// @Success 200 {object} dto.MessageStatusResponseDTO
// @Failure 404 {string} string "Not found"
// @Router /messages/{messageId} [get]
func (h *NotificationHandler) getMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	ctx := r.Context()
	userID := middleware.UserIDFromContext(ctx)
	history, err := h.notificationSvc.History(ctx, messageID, userID)
	if err != nil {
		writeServiceError(w, err, "load message history", h.logger)
		return
	}
	current, err := h.notificationSvc.CurrentStatus(ctx, messageID, userID)
	if err != nil {
		writeServiceError(w, err, "load message status", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.MessageStatusResponseDTO{
		MessageID: messageID,
		Status:    current.Status,
		Current:   current,
		History:   history,
	}, h.logger)
}
