package handler

import (
	"io"
	"net/http"
	"time"

	"rasenpilot/internal/messaging"
	"rasenpilot/internal/metrics"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// WebhookSecrets are the per-provider verification secrets.
type WebhookSecrets struct {
	TwilioAuthToken string
	// TwilioURL is the public URL Twilio signs. Empty means it is rebuilt from the request.
	TwilioURL           string
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string
	ResendSecret        string
}

// MessagingWebhookHandler records delivery updates and replies from the
// SMS, WhatsApp and email providers.
type MessagingWebhookHandler struct {
	notificationSvc service.NotificationService
	secrets         WebhookSecrets
	now             func() time.Time
	logger          zerolog.Logger
}

func NewMessagingWebhookHandler(notificationSvc service.NotificationService, secrets WebhookSecrets, logger zerolog.Logger) *MessagingWebhookHandler {
	return &MessagingWebhookHandler{
		notificationSvc: notificationSvc,
		secrets:         secrets,
		now:             time.Now,
		logger:          logger.With().Str("handler", "MessagingWebhookHandler").Logger(),
	}
}

func (h *MessagingWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/twilio", h.twilio)
	r.Get("/webhooks/whatsapp", h.whatsAppVerify)
	r.Post("/webhooks/whatsapp", h.whatsApp)
	r.Post("/webhooks/resend", h.resend)
}

func (h *MessagingWebhookHandler) record(r *http.Request, provider string, updates ...messaging.Update) {
	for _, u := range updates {
		if _, err := h.notificationSvc.RecordUpdate(r.Context(), u); err != nil {
			metrics.RecordWebhook(provider, "error")
			h.logger.Error().Err(err).Str("provider", provider).Str("message_id", u.MessageID).Str("event_type", u.EventType).Msg("Failed to record webhook event")
			continue
		}
		metrics.RecordWebhook(provider, "ok")
	}
}

func (h *MessagingWebhookHandler) twilioURL(r *http.Request) string {
	if h.secrets.TwilioURL != "" {
		return h.secrets.TwilioURL
	}
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// twilio godoc
// @Summary Twilio SMS status callback and inbound reply
// @Tags webhooks
// @Accept x-www-form-urlencoded
// @Produce xml
// @Param X-Twilio-Signature header string true "Twilio signature"
// @Success 200 {string} string "TwiML"
// @Failure 403 {string} string "invalid signature"
// @Router /webhooks/twilio [post]
func (h *MessagingWebhookHandler) twilio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if err := messaging.VerifyTwilio(h.secrets.TwilioAuthToken, h.twilioURL(r), r.PostForm, r.Header.Get("X-Twilio-Signature")); err != nil {
		metrics.RecordWebhook("twilio", "rejected")
		h.logger.Warn().Err(err).Msg("Rejected Twilio webhook")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	u, err := messaging.ParseTwilio(r.PostForm)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Ignoring unparseable Twilio webhook")
	} else {
		h.record(r, "twilio", u)
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, "<Response></Response>")
}

// whatsAppVerify godoc
// @Summary WhatsApp webhook verification challenge
// @Tags webhooks
// @Param hub.mode query string true "subscribe"
// @Param hub.verify_token query string true "Verify token"
// @Param hub.challenge query string true "Challenge to echo"
// @Success 200 {string} string "challenge"
// @Failure 403 {string} string "forbidden"
// @Router /webhooks/whatsapp [get]
func (h *MessagingWebhookHandler) whatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.secrets.WhatsAppVerifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.secrets.WhatsAppVerifyToken {
		h.logger.Warn().Str("mode", q.Get("hub.mode")).Msg("WhatsApp verification failed")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// whatsApp godoc
// @Summary WhatsApp status updates and replies
// @Tags webhooks
// @Accept json
// @Param X-Hub-Signature-256 header string true "sha256=<hex hmac>"
// @Success 200 "OK"
// @Failure 403 {string} string "invalid signature"
// @Router /webhooks/whatsapp [post]
func (h *MessagingWebhookHandler) whatsApp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	if err := messaging.VerifyWhatsApp(h.secrets.WhatsAppAppSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		metrics.RecordWebhook("whatsapp", "rejected")
		h.logger.Warn().Err(err).Msg("Rejected WhatsApp webhook")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	updates, err := messaging.ParseWhatsApp(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Ignoring unparseable WhatsApp webhook")
	} else {
		h.record(r, "whatsapp", updates...)
	}
	w.WriteHeader(http.StatusOK)
}

// resend godoc
// @Summary Resend email events
// @Tags webhooks
// @Accept json
// @Param svix-id header string true "Message id"
// @Param svix-timestamp header string true "Unix timestamp"
// @Param svix-signature header string true "v1,<base64>"
// @Success 200 "OK"
// @Failure 403 {string} string "invalid signature"
// @Router /webhooks/resend [post]
func (h *MessagingWebhookHandler) resend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	err = messaging.VerifySvix(h.secrets.ResendSecret,
		r.Header.Get("svix-id"), r.Header.Get("svix-timestamp"), r.Header.Get("svix-signature"),
		body, h.now())
	if err != nil {
		metrics.RecordWebhook("resend", "rejected")
		h.logger.Warn().Err(err).Msg("Rejected Resend webhook")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	u, err := messaging.ParseResend(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Ignoring unparseable Resend webhook")
	} else {
		h.record(r, "resend", u)
	}
	w.WriteHeader(http.StatusOK)
}
