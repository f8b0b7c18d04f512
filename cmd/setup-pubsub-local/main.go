// Command setup-pubsub-local provisions the analysis topic and its push
// subscription on the Pub/Sub emulator for DISPATCH_MODE=pubsub.
package main

import (
	"context"
	"flag"
	"time"

	"rasenpilot/internal/config"
	"rasenpilot/internal/logger"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// For local development, 'host.docker.internal' lets the emulator reach the API on the host.
const pushEndpointLocal = "http://host.docker.internal:8080/v1/internal/analyses/process"

func main() {
	endpoint := flag.String("endpoint", pushEndpointLocal, "Push endpoint of the process step")
	reset := flag.Bool("reset", false, "Delete every topic and subscription first")
	flag.Parse()

	log := logger.New()
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: no .env file found")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Msgf("Failed to load config: %v", err)
	}
	if cfg.GCPProjectID == "" {
		log.Fatal().Msg("GCP_PROJECT_ID is not set in the environment.")
	}
	if cfg.PubSubEmulatorHost == "" {
		log.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set for local environment.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID,
		option.WithEndpoint(cfg.PubSubEmulatorHost),
		option.WithoutAuthentication(),
	)
	if err != nil {
		log.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Msgf("Failed to close pubsub client: %v", err)
		}
	}()

	if *reset {
		resetLocalEmulator(ctx, client, log)
	}

	topic := ensureTopic(ctx, client, log, cfg.PubSubAnalysisTopic)
	// The endpoint always acks, so the deadline only bounds one analysis run.
	ensureSubscription(ctx, client, log, cfg.PubSubAnalysisTopic+"-push", pubsub.SubscriptionConfig{
		Topic:       topic,
		PushConfig:  pubsub.PushConfig{Endpoint: *endpoint},
		AckDeadline: 600 * time.Second,
	})
	log.Info().Msg("Pub/Sub setup for local environment complete.")
}

// resetLocalEmulator deletes all topics and subscriptions. Emulator only.
func resetLocalEmulator(ctx context.Context, client *pubsub.Client, log zerolog.Logger) {
	subs := client.Subscriptions(ctx)
	for {
		sub, err := subs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Fatal().Msgf("Failed to list subscriptions: %v", err)
		}
		log.Info().Str("subscription", sub.ID()).Msg("Deleting subscription")
		if err := sub.Delete(ctx); err != nil {
			log.Warn().Err(err).Str("subscription", sub.ID()).Msg("Failed to delete subscription")
		}
	}

	topics := client.Topics(ctx)
	for {
		topic, err := topics.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			log.Fatal().Msgf("Failed to list topics: %v", err)
		}
		log.Info().Str("topic", topic.ID()).Msg("Deleting topic")
		if err := topic.Delete(ctx); err != nil {
			log.Warn().Err(err).Str("topic", topic.ID()).Msg("Failed to delete topic")
		}
	}
}

func ensureTopic(ctx context.Context, client *pubsub.Client, log zerolog.Logger, topicID string) *pubsub.Topic {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		log.Fatal().Msgf("Failed to check if topic %s exists: %v", topicID, err)
	}
	if exists {
		log.Info().Str("topic", topicID).Msg("Topic already exists")
		return topic
	}
	log.Info().Str("topic", topicID).Msg("Creating topic")
	topic, err = client.CreateTopic(ctx, topicID)
	if err != nil {
		log.Fatal().Msgf("Failed to create topic %s: %v", topicID, err)
	}
	return topic
}

func ensureSubscription(ctx context.Context, client *pubsub.Client, log zerolog.Logger, subID string, cfg pubsub.SubscriptionConfig) {
	sub := client.Subscription(subID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Fatal().Msgf("Failed to check if subscription %s exists: %v", subID, err)
	}
	if !exists {
		log.Info().Str("subscription", subID).Str("endpoint", cfg.PushConfig.Endpoint).Msg("Creating subscription")
		if _, err := client.CreateSubscription(ctx, subID, cfg); err != nil {
			log.Fatal().Msgf("Failed to create subscription '%s': %v", subID, err)
		}
		return
	}

	existing, err := sub.Config(ctx)
	if err != nil {
		log.Fatal().Msgf("Failed to get config for subscription '%s': %v", subID, err)
	}
	if existing.PushConfig.Endpoint == cfg.PushConfig.Endpoint && existing.AckDeadline == cfg.AckDeadline {
		log.Info().Str("subscription", subID).Msg("Configuration is up to date")
		return
	}
	log.Info().Str("subscription", subID).Msg("Updating subscription")
	if _, err := sub.Update(ctx, pubsub.SubscriptionConfigToUpdate{
		PushConfig:  &cfg.PushConfig,
		AckDeadline: cfg.AckDeadline,
	}); err != nil {
		log.Fatal().Msgf("Failed to update subscription '%s': %v", subID, err)
	}
}
