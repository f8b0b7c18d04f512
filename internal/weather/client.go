package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rasenpilot/internal/config"

	"github.com/tidwall/gjson"
)

var ErrNotConfigured = errors.New("weather api key not configured")

// Conditions is the current weather at a postal code.
type Conditions struct {
	PostalCode  string    `json:"postal_code"`
	Location    string    `json:"location"`
	TempC       float64   `json:"temp_c"`
	Humidity    int       `json:"humidity"`
	WindMS      float64   `json:"wind_ms"`
	RainMM1h    float64   `json:"rain_mm_1h"`
	Description string    `json:"description"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Summary renders the conditions as one German sentence for the vision prompt.
func (c *Conditions) Summary() string {
	s := fmt.Sprintf("%s, %.1f °C, Luftfeuchtigkeit %d %%, Wind %.1f m/s", c.Description, c.TempC, c.Humidity, c.WindMS)
	if c.Location != "" {
		s = c.Location + ": " + s
	}
	if c.RainMM1h > 0 {
		s += fmt.Sprintf(", Regen %.1f mm/h", c.RainMM1h)
	}
	return s
}

type Provider interface {
	Current(ctx context.Context, postalCode string) (*Conditions, error)
}

// Client queries an OpenWeatherMap-compatible current weather endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	country    string
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		apiKey:     cfg.WeatherAPIKey,
		baseURL:    strings.TrimRight(cfg.WeatherBaseURL, "/"),
		country:    cfg.WeatherCountry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Current(ctx context.Context, postalCode string) (*Conditions, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("zip", postalCode+","+c.country)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	q.Set("lang", "de")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/weather?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create weather request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather api error: status %d: %s", resp.StatusCode, gjson.GetBytes(body, "message").String())
	}

	r := gjson.ParseBytes(body)
	return &Conditions{
		PostalCode:  postalCode,
		Location:    r.Get("name").String(),
		TempC:       r.Get("main.temp").Float(),
		Humidity:    int(r.Get("main.humidity").Int()),
		WindMS:      r.Get("wind.speed").Float(),
		RainMM1h:    r.Get("rain.1h").Float(),
		Description: r.Get("weather.0.description").String(),
		FetchedAt:   time.Now().UTC(),
	}, nil
}
