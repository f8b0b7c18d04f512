package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENV" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`

	// Supabase auth
	SupabaseURL       string `envconfig:"SUPABASE_URL"`
	SupabaseAnonKey   string `envconfig:"SUPABASE_ANON_KEY"`
	SupabaseJWTSecret string `envconfig:"SUPABASE_JWT_SECRET" required:"true"`

	// Object storage (S3-compatible)
	S3URL           string        `envconfig:"S3_URL" required:"true"`
	S3Bucket        string        `envconfig:"S3_BUCKET" default:"lawn-images"`
	S3Region        string        `envconfig:"S3_REGION" default:"eu-central-1"`
	S3AccessKey     string        `envconfig:"S3_ACCESS_KEY" required:"true"`
	S3SecretKey     string        `envconfig:"S3_SECRET_KEY" required:"true"`
	S3PublicBaseURL string        `envconfig:"S3_PUBLIC_BASE_URL"`
	SignedURLTTL    time.Duration `envconfig:"SIGNED_URL_TTL" default:"15m"`

	// Vision model
	OpenAIAPIKey  string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAITimeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"90s"`

	// Weather enrichment
	WeatherAPIKey   string        `envconfig:"WEATHER_API_KEY"`
	WeatherBaseURL  string        `envconfig:"WEATHER_BASE_URL" default:"https://api.openweathermap.org/data/2.5"`
	WeatherCountry  string        `envconfig:"WEATHER_COUNTRY" default:"DE"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	WeatherCacheTTL time.Duration `envconfig:"WEATHER_CACHE_TTL" default:"30m"`

	// Stripe
	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeSuccessURL    string `envconfig:"STRIPE_SUCCESS_URL" default:"https://rasenpilot.de/abo?status=success"`
	StripeCancelURL     string `envconfig:"STRIPE_CANCEL_URL" default:"https://rasenpilot.de/abo?status=cancel"`

	// Messaging providers
	TwilioAccountSID        string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken         string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber        string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioStatusCallbackURL string `envconfig:"TWILIO_STATUS_CALLBACK_URL"`
	WhatsAppToken           string `envconfig:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID   string `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAppSecret       string `envconfig:"WHATSAPP_APP_SECRET"`
	WhatsAppVerifyToken     string `envconfig:"WHATSAPP_VERIFY_TOKEN"`
	ResendAPIKey            string `envconfig:"RESEND_API_KEY"`
	ResendFrom              string `envconfig:"RESEND_FROM" default:"Rasenpilot <hallo@rasenpilot.de>"`
	ResendWebhookSecret     string `envconfig:"RESEND_WEBHOOK_SECRET"`

	// Start -> process hand-off
	DispatchMode             string `envconfig:"DISPATCH_MODE" default:"pgmq"`
	AnalysisQueueName        string `envconfig:"ANALYSIS_QUEUE_NAME" default:"analysis_queue"`
	AnalysisPollTimeoutSec   int    `envconfig:"ANALYSIS_POLL_TIMEOUT_SEC" default:"30"`
	PubSubAnalysisTopic      string `envconfig:"PUBSUB_ANALYSIS_TOPIC" default:"analysis-jobs"`
	PubSubPushAudience       string `envconfig:"PUBSUB_PUSH_AUDIENCE"`
	PubSubPushServiceAccount string `envconfig:"PUBSUB_PUSH_SERVICE_ACCOUNT"`
	PubSubEmulatorHost       string `envconfig:"PUBSUB_EMULATOR_HOST"`
	GCPProjectID             string `envconfig:"GCP_PROJECT_ID"`

	// Job lifecycle
	JobLease        time.Duration `envconfig:"JOB_LEASE" default:"10m"`
	SweeperSchedule string        `envconfig:"SWEEPER_SCHEDULE" default:"@every 1m"`

	// Free tier
	FreeAnalysisLimit   int  `envconfig:"FREE_ANALYSIS_LIMIT" default:"1"`
	CarryAnonymousUsage bool `envconfig:"CARRY_ANONYMOUS_USAGE" default:"true"`

	// Login
	LoginTimeout     time.Duration `envconfig:"LOGIN_TIMEOUT" default:"10s"`
	LoginMaxAttempts int           `envconfig:"LOGIN_MAX_ATTEMPTS" default:"5"`
	LoginWindow      time.Duration `envconfig:"LOGIN_WINDOW" default:"15m"`

	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AllowedOrigins splits the comma separated CORS origin list.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
