package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"rasenpilot/internal/middleware"
	"rasenpilot/internal/model"
	"rasenpilot/internal/service"

	"github.com/rs/zerolog"
)

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeServiceError maps service errors onto status codes. Validation and
// provider messages reach the caller verbatim; anything else is generic.
func writeServiceError(w http.ResponseWriter, err error, action string, logger zerolog.Logger) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Message, http.StatusBadRequest)
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrMessageNotFound):
		http.Error(w, "Nicht gefunden", http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidTransition):
		http.Error(w, "Die Analyse wurde bereits gestartet oder ist abgeschlossen", http.StatusConflict)
	case errors.Is(err, service.ErrLimitReached):
		http.Error(w, "Kostenloses Analyse-Limit erreicht", http.StatusPaymentRequired)
	case errors.Is(err, service.ErrNotOptedIn):
		http.Error(w, "Empfänger hat diesem Kanal nicht zugestimmt", http.StatusForbidden)
	case errors.Is(err, service.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, service.ErrTooManyAttempts):
		http.Error(w, "Zu viele Anmeldeversuche. Bitte später erneut versuchen.", http.StatusTooManyRequests)
	case errors.Is(err, service.ErrLoginTimeout):
		http.Error(w, "Zeitüberschreitung bei der Anmeldung", http.StatusGatewayTimeout)
	case errors.Is(err, service.ErrPaymentNotConfigured), errors.Is(err, service.ErrChannelUnavailable),
		errors.Is(err, service.ErrAuthNotConfigured):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, service.ErrWebhookSignature):
		http.Error(w, "invalid signature", http.StatusBadRequest)
	default:
		if pe, ok := service.IsProviderError(err); ok {
			logger.Error().Err(err).Msg("Failed to " + action)
			msg := pe.Message
			if msg == "" {
				msg = pe.Error()
			}
			http.Error(w, msg, http.StatusBadGateway)
			return
		}
		logger.Error().Err(err).Msg("Failed to " + action)
		http.Error(w, "Failed to "+action, http.StatusInternalServerError)
	}
}

// identity turns the request's auth and device context into the caller variant.
func identity(r *http.Request, gate service.GateService) model.Identity {
	ctx := r.Context()
	return gate.ResolveIdentity(ctx, middleware.UserIDFromContext(ctx), middleware.EmailFromContext(ctx), middleware.DeviceIDFromContext(ctx))
}

// lightIdentity skips the subscription lookup for endpoints where the
// premium flag does not matter.
func lightIdentity(r *http.Request) model.Identity {
	ctx := r.Context()
	userID := middleware.UserIDFromContext(ctx)
	if userID == "" {
		return model.Anonymous(middleware.DeviceIDFromContext(ctx))
	}
	return model.Authenticated(userID, middleware.EmailFromContext(ctx), middleware.DeviceIDFromContext(ctx))
}
