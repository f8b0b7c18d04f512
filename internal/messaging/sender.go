package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rasenpilot/internal/config"
	"rasenpilot/internal/model"

	"github.com/tidwall/gjson"
)

var ErrChannelNotConfigured = errors.New("messaging channel not configured")

// Sender submits one message to a provider and returns the provider message id.
type Sender interface {
	Channel() model.Channel
	Send(ctx context.Context, msg model.OutboundMessage) (string, error)
}

// ProviderError carries the provider's own error message.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: status %d", e.Provider, e.StatusCode)
}

var defaultHTTPClient = &http.Client{Timeout: 15 * time.Second}

// NewSenders builds a sender for every channel whose credentials are present.
func NewSenders(cfg *config.Config) map[model.Channel]Sender {
	senders := map[model.Channel]Sender{}
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		senders[model.ChannelSMS] = NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.TwilioStatusCallbackURL)
	}
	if cfg.WhatsAppToken != "" && cfg.WhatsAppPhoneNumberID != "" {
		senders[model.ChannelWhatsApp] = NewWhatsAppSender(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID)
	}
	if cfg.ResendAPIKey != "" {
		senders[model.ChannelEmail] = NewResendSender(cfg.ResendAPIKey, cfg.ResendFrom)
	}
	return senders
}

// TwilioSender sends SMS through the Twilio Messages API.
type TwilioSender struct {
	accountSID  string
	authToken   string
	from        string
	callbackURL string
	baseURL     string
	client      *http.Client
}

func NewTwilioSender(accountSID, authToken, from, callbackURL string) *TwilioSender {
	return &TwilioSender{
		accountSID:  accountSID,
		authToken:   authToken,
		from:        from,
		callbackURL: callbackURL,
		baseURL:     "https://api.twilio.com",
		client:      defaultHTTPClient,
	}
}

func (s *TwilioSender) Channel() model.Channel { return model.ChannelSMS }

func (s *TwilioSender) Send(ctx context.Context, msg model.OutboundMessage) (string, error) {
	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", s.from)
	form.Set("Body", msg.Body)
	if s.callbackURL != "" {
		form.Set("StatusCallback", s.callbackURL)
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.baseURL, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create twilio request: %w", err)
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := do(s.client, req, "twilio", "message")
	if err != nil {
		return "", err
	}
	return requireID(body, "sid", "twilio")
}

// WhatsAppSender sends through the WhatsApp Business Cloud API.
type WhatsAppSender struct {
	token         string
	phoneNumberID string
	baseURL       string
	client        *http.Client
}

func NewWhatsAppSender(token, phoneNumberID string) *WhatsAppSender {
	return &WhatsAppSender{
		token:         token,
		phoneNumberID: phoneNumberID,
		baseURL:       "https://graph.facebook.com/v19.0",
		client:        defaultHTTPClient,
	}
}

func (s *WhatsAppSender) Channel() model.Channel { return model.ChannelWhatsApp }

func (s *WhatsAppSender) Send(ctx context.Context, msg model.OutboundMessage) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(msg.To, "+"),
	}
	if msg.Template != "" {
		payload["type"] = "template"
		payload["template"] = map[string]any{"name": msg.Template, "language": map[string]string{"code": "de"}}
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": msg.Body}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneNumberID), bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	body, err := do(s.client, req, "whatsapp", "error.message")
	if err != nil {
		return "", err
	}
	return requireID(body, "messages.0.id", "whatsapp")
}

// ResendSender sends email through the Resend API.
type ResendSender struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
}

func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{apiKey: apiKey, from: from, baseURL: "https://api.resend.com", client: defaultHTTPClient}
}

func (s *ResendSender) Channel() model.Channel { return model.ChannelEmail }

func (s *ResendSender) Send(ctx context.Context, msg model.OutboundMessage) (string, error) {
	b, err := json.Marshal(map[string]any{
		"from":    s.from,
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"text":    msg.Body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal resend payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("failed to create resend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := do(s.client, req, "resend", "message")
	if err != nil {
		return "", err
	}
	return requireID(body, "id", "resend")
}

// do executes req once and maps non-2xx answers to a ProviderError.
func do(client *http.Client, req *http.Request, provider, errPath string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Message: gjson.GetBytes(body, errPath).String()}
	}
	return body, nil
}

func requireID(body []byte, path, provider string) (string, error) {
	id := gjson.GetBytes(body, path).String()
	if id == "" {
		return "", fmt.Errorf("%s response missing message id", provider)
	}
	return id, nil
}
