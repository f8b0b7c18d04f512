package router

import (
	"net/http"

	"rasenpilot/internal/api/v1/handler"
	"rasenpilot/internal/bootstrap"
	"rasenpilot/internal/metrics"
	"rasenpilot/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// New mounts every v1 endpoint under /v1 plus /healthz and /metrics.
func New(app *bootstrap.App, logger zerolog.Logger) http.Handler {
	cfg := app.Config

	optionalAuth := middleware.OptionalAuth(cfg.SupabaseJWTSecret, logger)
	requireAuth := middleware.AuthMiddleware(cfg.SupabaseJWTSecret, logger)
	isLocalDev := cfg.PubSubEmulatorHost != ""
	pubsubAuth := middleware.PubSubAuthMiddleware(isLocalDev, cfg.PubSubPushAudience, cfg.PubSubPushServiceAccount, logger)

	analysisHandler := handler.NewAnalysisHandler(app.Analysis, app.Gate, app.Validate, logger)
	processHandler := handler.NewProcessHandler(app.Analysis, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(app.Stripe, logger)
	notificationHandler := handler.NewNotificationHandler(app.Notifications, app.Validate, logger)
	webhookHandler := handler.NewMessagingWebhookHandler(app.Notifications, handler.WebhookSecrets{
		TwilioAuthToken:     cfg.TwilioAuthToken,
		TwilioURL:           cfg.TwilioStatusCallbackURL,
		WhatsAppAppSecret:   cfg.WhatsAppAppSecret,
		WhatsAppVerifyToken: cfg.WhatsAppVerifyToken,
		ResendSecret:        cfg.ResendWebhookSecret,
	}, logger)
	authHandler := handler.NewAuthHandler(app.Auth, app.Validate, logger)
	highscoreHandler := handler.NewHighscoreHandler(app.Highscores, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(chimw.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := app.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.DeviceMiddleware(!cfg.IsDevelopment()))

		analysisHandler.RegisterRoutes(r, optionalAuth, requireAuth)
		processHandler.RegisterRoutes(r, pubsubAuth)
		subscriptionHandler.RegisterRoutes(r, optionalAuth, requireAuth)
		notificationHandler.RegisterRoutes(r, requireAuth)
		webhookHandler.RegisterRoutes(r)
		authHandler.RegisterRoutes(r)
		highscoreHandler.RegisterRoutes(r)
	})

	return r
}
