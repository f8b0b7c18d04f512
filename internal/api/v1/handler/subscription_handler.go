package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"rasenpilot/internal/api/v1/dto"
	"rasenpilot/internal/metrics"
	"rasenpilot/internal/middleware"
	"rasenpilot/internal/model"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxWebhookBytes = 1 << 16

// SubscriptionService is what the subscription endpoints need from the
// Stripe bridge. *service.StripeService satisfies it.
type SubscriptionService interface {
	CreateCheckoutSession(ctx context.Context, req service.CheckoutRequest) (string, error)
	CheckSubscription(ctx context.Context, email string) (*model.SubscriptionState, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (string, error)
}

// SubscriptionHandler handles subscription-related endpoints.
type SubscriptionHandler struct {
	stripeSvc SubscriptionService
	logger    zerolog.Logger
}

func NewSubscriptionHandler(stripeSvc SubscriptionService, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{stripeSvc: stripeSvc, logger: logger.With().Str("handler", "SubscriptionHandler").Logger()}
}

func (h *SubscriptionHandler) RegisterRoutes(r chi.Router, optionalAuth, requireAuth func(http.Handler) http.Handler) {
	r.With(requireAuth).Get("/subscription", h.getSubscription)
	r.With(optionalAuth).Post("/subscriptions/checkout", h.checkout)
	r.Post("/webhooks/stripe", h.webhook)
}

// getSubscription godoc
// @Summary Current subscription state
// @Description Asks Stripe on every call; nothing is cached locally.
// @Tags subscriptions
// @Produce json
// @Success 200 {object} model.SubscriptionState
// @Failure 400 {string} string "Token carries no email"
// @Failure 401 {string} string "Unauthorized"
// @Failure 503 {string} string "payment provider not configured"
// @Router /subscription [get]
func (h *SubscriptionHandler) getSubscription(w http.ResponseWriter, r *http.Request) {
	state, err := h.stripeSvc.CheckSubscription(r.Context(), middleware.EmailFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err, "check subscription", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, state, h.logger)
}

// checkout godoc
// @Summary Initiate a Stripe Checkout session
// @Description Guests pass an email; signed-in users default to their account email. Input is validated before Stripe is contacted.
// @Tags subscriptions
// @Accept json
// @Produce json
// @Param subscription body dto.CheckoutRequestDTO true "Plan and email"
// @Success 200 {object} dto.CheckoutResponseDTO
// @Failure 400 {string} string "Ungültige E-Mail-Adresse"
// @Failure 502 {string} string "provider error"
// @Failure 503 {string} string "payment provider not configured"
// @Router /subscriptions/checkout [post]
func (h *SubscriptionHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req dto.CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = middleware.EmailFromContext(ctx)
	}
	url, err := h.stripeSvc.CreateCheckoutSession(ctx, service.CheckoutRequest{
		Plan:   req.Plan,
		Email:  email,
		UserID: middleware.UserIDFromContext(ctx),
	})
	if err != nil {
		writeServiceError(w, err, "create checkout session", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckoutResponseDTO{URL: url}, h.logger)
}

// webhook godoc
// @Summary Stripe webhook
// @Tags webhooks
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Stripe signature"
// @Success 200 {object} dto.WebhookAckDTO
// @Failure 400 {string} string "invalid signature"
// @Router /webhooks/stripe [post]
func (h *SubscriptionHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	eventType, err := h.stripeSvc.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		metrics.RecordWebhook("stripe", "error")
		writeServiceError(w, err, "handle stripe webhook", h.logger)
		return
	}
	metrics.RecordWebhook("stripe", "ok")
	writeJSON(w, http.StatusOK, dto.WebhookAckDTO{Received: true, EventType: eventType}, h.logger)
}
