package service

import (
	"context"
	"encoding/json"
	"fmt"

	"rasenpilot/internal/pubsub"
)

const (
	DispatchModePGMQ   = "pgmq"
	DispatchModePubSub = "pubsub"
)

// JobMessage is the payload handed from the start step to the process step.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// Dispatcher issues the start -> process hand-off exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
	Mode() string
}

// QueueSender is the part of the pgmq client the dispatcher needs.
type QueueSender interface {
	Send(ctx context.Context, v any) (int64, error)
}

type queueDispatcher struct {
	queue QueueSender
}

func NewQueueDispatcher(queue QueueSender) Dispatcher {
	return &queueDispatcher{queue: queue}
}

func (d *queueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if _, err := d.queue.Send(ctx, JobMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("enqueue analysis job %s: %w", jobID, err)
	}
	return nil
}

func (d *queueDispatcher) Mode() string { return DispatchModePGMQ }

type pubsubDispatcher struct {
	publisher pubsub.Publisher
	topic     string
}

func NewPubSubDispatcher(publisher pubsub.Publisher, topic string) Dispatcher {
	return &pubsubDispatcher{publisher: publisher, topic: topic}
}

func (d *pubsubDispatcher) Dispatch(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	if _, err := d.publisher.Publish(ctx, d.topic, payload); err != nil {
		return fmt.Errorf("publish analysis job %s: %w", jobID, err)
	}
	return nil
}

func (d *pubsubDispatcher) Mode() string { return DispatchModePubSub }
