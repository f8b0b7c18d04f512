package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rasenpilot/internal/config"
	"rasenpilot/internal/model"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const chatCompletionsEndpoint = "/chat/completions"

// StatusError is returned when the AI API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("AI API error: status %d", e.StatusCode)
}

var ErrNotConfigured = errors.New("vision api key not configured")

// Request carries what the model needs to assess one lawn photo.
type Request struct {
	ImageURL       string
	GrassType      string
	Goal           string
	WeatherContext string
}

// Client calls an OpenAI-compatible chat completions endpoint with image input.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	timeout := cfg.OpenAITimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		apiKey:     cfg.OpenAIAPIKey,
		baseURL:    strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		model:      cfg.OpenAIModel,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("service", "VisionClient").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Analyze sends one request and returns the raw assistant text. It is attempted exactly once.
func (c *Client) Analyze(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(map[string]any{
		"model":       c.model,
		"temperature": 0.2,
		"max_tokens":  1500,
		"messages": []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userPrompt(req)},
				{Type: "image_url", ImageURL: &imageURL{URL: req.ImageURL, Detail: "high"}},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create vision request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read vision response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "error.message").String()
		c.logger.Error().Int("status", resp.StatusCode).Str("provider_message", msg).Msg("Vision API returned error status")
		return "", &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	content := gjson.GetBytes(respBody, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("vision response has no message content")
	}
	return content.String(), nil
}

// ParseResult decodes the model text into a result. Text that is not a JSON
// object becomes a fallback result carrying the raw text as summary.
func ParseResult(raw, grassType, goal string) (*model.AnalysisResult, bool) {
	cleaned := stripCodeFence(raw)
	var res model.AnalysisResult
	if cleaned == "" || !gjson.Valid(cleaned) || !gjson.Parse(cleaned).IsObject() {
		return model.FallbackResult(raw, grassType, goal), false
	}
	if err := json.Unmarshal([]byte(cleaned), &res); err != nil {
		return model.FallbackResult(raw, grassType, goal), false
	}
	if res.GrassType == "" {
		res.GrassType = grassType
	}
	if res.Goal == "" {
		res.Goal = goal
	}
	if res.Issues == nil {
		res.Issues = []model.LawnIssue{}
	}
	if res.Recommendations == nil {
		res.Recommendations = []model.Recommendation{}
	}
	if res.CarePlan == nil {
		res.CarePlan = []model.CarePlanStep{}
	}
	return &res, true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
