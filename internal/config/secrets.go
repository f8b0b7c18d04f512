package config

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretPrefix marks a config value that must be fetched from Secret Manager.
const SecretPrefix = "sm://"

// SecretAccessor returns the latest payload of a named secret.
type SecretAccessor interface {
	Access(ctx context.Context, name string) (string, error)
}

type secretManagerAccessor struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretAccessor creates a Secret Manager backed accessor for the given project.
func NewSecretAccessor(ctx context.Context, projectID string, opts ...option.ClientOption) (SecretAccessor, error) {
	if projectID == "" {
		return nil, fmt.Errorf("GCP project ID is not set")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerAccessor{client: client, projectID: projectID}, nil
}

func (s *secretManagerAccessor) Access(ctx context.Context, name string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return string(result.Payload.Data), nil
}

// ResolveSecrets replaces every sm:// reference among the provider credentials.
// Config without references is left untouched and needs no accessor.
func ResolveSecrets(ctx context.Context, cfg *Config, accessor SecretAccessor) error {
	fields := []*string{
		&cfg.DBConnectionString,
		&cfg.SupabaseJWTSecret,
		&cfg.SupabaseAnonKey,
		&cfg.S3AccessKey,
		&cfg.S3SecretKey,
		&cfg.OpenAIAPIKey,
		&cfg.WeatherAPIKey,
		&cfg.StripeSecretKey,
		&cfg.StripeWebhookSecret,
		&cfg.TwilioAuthToken,
		&cfg.WhatsAppToken,
		&cfg.WhatsAppAppSecret,
		&cfg.ResendAPIKey,
		&cfg.ResendWebhookSecret,
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f, SecretPrefix) {
			continue
		}
		if accessor == nil {
			return fmt.Errorf("config references %s but no secret accessor is configured", *f)
		}
		v, err := accessor.Access(ctx, strings.TrimPrefix(*f, SecretPrefix))
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// NeedsSecrets reports whether any credential references Secret Manager.
func NeedsSecrets(cfg *Config) bool {
	for _, v := range []string{
		cfg.DBConnectionString, cfg.SupabaseJWTSecret, cfg.SupabaseAnonKey, cfg.S3AccessKey,
		cfg.S3SecretKey, cfg.OpenAIAPIKey, cfg.WeatherAPIKey, cfg.StripeSecretKey,
		cfg.StripeWebhookSecret, cfg.TwilioAuthToken, cfg.WhatsAppToken, cfg.WhatsAppAppSecret,
		cfg.ResendAPIKey, cfg.ResendWebhookSecret,
	} {
		if strings.HasPrefix(v, SecretPrefix) {
			return true
		}
	}
	return false
}
