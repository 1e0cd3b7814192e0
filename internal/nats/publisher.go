package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishAlert publishes a threshold-crossing or reset alert.
func (p *Publisher) PublishAlert(ctx context.Context, event AlertEvent) error {
	return p.publish(ctx, SubjectAlert, event)
}

// PublishSessionEvent publishes a session lifecycle event.
func (p *Publisher) PublishSessionEvent(ctx context.Context, event SessionEvent) error {
	return p.publish(ctx, SubjectSession, event)
}

// PublishUsage publishes a usage update after an applied delta.
func (p *Publisher) PublishUsage(ctx context.Context, event UsageEvent) error {
	return p.publish(ctx, SubjectUsage, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
