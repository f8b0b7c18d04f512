package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"rasenpilot/internal/config"

	"cloud.google.com/go/pubsub"
)

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPublisher creates a new PubSubPublisher using the GCP project from config.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	if cfg.GCPProjectID == "" {
		return nil, fmt.Errorf("failed to create Pub/Sub client: GCP_PROJECT_ID is not set")
	}
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	result := p.client.Topic(topic).Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

func (p *PubSubPublisher) Close() error {
	return p.client.Close()
}

// PushEnvelope is the body Pub/Sub POSTs to a push subscription endpoint.
type PushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePush unwraps a push envelope into v. Data arrives base64 encoded,
// which encoding/json decodes into []byte on its own.
func DecodePush(body []byte, v any) (string, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode push envelope: %w", err)
	}
	if len(env.Message.Data) == 0 {
		return env.Message.MessageID, fmt.Errorf("push message %s has no data", env.Message.MessageID)
	}
	if err := json.Unmarshal(env.Message.Data, v); err != nil {
		return env.Message.MessageID, fmt.Errorf("decode push data: %w", err)
	}
	return env.Message.MessageID, nil
}
