// Package bootstrap builds the collaborators shared by the API server and the
// background workers from one Config.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	"rasenpilot/internal/config"
	"rasenpilot/internal/database"
	"rasenpilot/internal/messaging"
	"rasenpilot/internal/pgmq"
	"rasenpilot/internal/pubsub"
	"rasenpilot/internal/repository"
	"rasenpilot/internal/service"
	"rasenpilot/internal/storage"
	"rasenpilot/internal/vision"
	"rasenpilot/internal/weather"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"
)

// LoadConfig reads .env (if present) and the environment, then resolves
// sm:// references through Secret Manager.
func LoadConfig(ctx context.Context, logger zerolog.Logger) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if !config.NeedsSecrets(cfg) {
		return cfg, nil
	}
	accessor, err := config.NewSecretAccessor(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, err
	}
	if err := config.ResolveSecrets(ctx, cfg, accessor); err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	return cfg, nil
}

// App holds the wired services.
type App struct {
	Config   *config.Config
	DB       *sql.DB
	Queue    *pgmq.Client
	Validate *validator.Validate

	Analysis      service.AnalysisService
	Gate          service.GateService
	Stripe        *service.StripeService
	Notifications service.NotificationService
	Highscores    service.HighscoreService
	Auth          service.AuthService

	closers []func() error
	logger  zerolog.Logger
}

// New opens the database, applies migrations and wires every service.
// Optional providers that are not configured are left out and the matching
// endpoints answer 503.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}

	db, err := database.Open(ctx, cfg.DBConnectionString, cfg.Environment, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if err := database.Migrate(db, logger); err != nil {
		a.Close()
		return nil, err
	}

	s3Client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	store := storage.NewS3Store(s3Client, cfg.S3Bucket, cfg.S3PublicBaseURL)

	a.Queue = pgmq.New(db, cfg.AnalysisQueueName)
	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info().Str("dispatch_mode", dispatcher.Mode()).Msg("Analysis hand-off configured")

	analysisRepo := repository.NewAnalysisRepo(db)
	var gateway service.PaymentGateway
	if cfg.StripeSecretKey != "" {
		gateway = service.NewStripeGateway(cfg.StripeSecretKey)
	} else {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set; subscriptions disabled")
	}
	a.Stripe = service.NewStripeService(cfg, gateway, repository.NewProductRepo(db), a.Validate, logger)
	a.Gate = service.NewGateService(analysisRepo, repository.NewUsageRepo(db), a.Stripe, cfg.FreeAnalysisLimit, cfg.CarryAnonymousUsage, logger)
	a.Highscores = service.NewHighscoreService(repository.NewHighscoreRepo(db), logger)
	a.Analysis = service.NewAnalysisService(
		analysisRepo,
		store,
		dispatcher,
		vision.NewClient(cfg, logger),
		a.weatherProvider(ctx),
		a.Gate,
		a.Highscores,
		cfg.SignedURLTTL,
		cfg.JobLease,
		logger,
	)

	senders := messaging.NewSenders(cfg)
	if len(senders) == 0 {
		logger.Warn().Msg("No messaging channel configured")
	}
	a.Notifications = service.NewNotificationService(repository.NewPreferencesRepo(db), repository.NewEventRepo(db), senders, logger)

	var authenticator service.PasswordAuthenticator
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, &supabase.ClientOptions{})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create supabase client: %w", err)
		}
		authenticator = client
	} else {
		logger.Warn().Msg("SUPABASE_URL or SUPABASE_ANON_KEY not set; password login disabled")
	}
	a.Auth = service.NewAuthService(authenticator, service.NewAttemptLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow), cfg.LoginTimeout, logger)

	return a, nil
}

func (a *App) dispatcher(ctx context.Context) (service.Dispatcher, error) {
	switch a.Config.DispatchMode {
	case service.DispatchModePGMQ:
		return service.NewQueueDispatcher(a.Queue), nil
	case service.DispatchModePubSub:
		publisher, err := pubsub.NewPublisher(ctx, a.Config)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		return service.NewPubSubDispatcher(publisher, a.Config.PubSubAnalysisTopic), nil
	default:
		return nil, fmt.Errorf("unknown DISPATCH_MODE %q", a.Config.DispatchMode)
	}
}

// weatherProvider returns nil without an API key. A Redis outage at startup
// only disables the cache.
func (a *App) weatherProvider(ctx context.Context) weather.Provider {
	cfg := a.Config
	if cfg.WeatherAPIKey == "" {
		return nil
	}
	client := weather.NewClient(cfg)
	if cfg.RedisURL == "" {
		return client
	}
	cache, err := weather.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Weather cache unavailable; using uncached lookups")
		return client
	}
	a.closers = append(a.closers, cache.Close)
	return weather.NewCachedProvider(client, cache, cfg.WeatherCacheTTL, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error().Err(err).Msg("Error during shutdown")
		}
	}
	a.closers = nil
}
