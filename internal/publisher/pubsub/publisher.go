// Package pubsub publishes run notices to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// New wraps an existing topic publisher. The caller owns its lifecycle.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Dial creates a client for projectID and a publisher for topic. Close stops
// both.
func Dial(ctx context.Context, projectID, topic string) (*Publisher, error) {
	if projectID == "" || topic == "" {
		return nil, errors.New("pubsub notify requires project id and topic")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, publisher: client.Publisher(topic)}, nil
}

// Publish encodes payload as JSON and waits for the server id. The topic
// argument is ignored; the publisher is already bound to one.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := message(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client when Dial created it.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}

// message builds the envelope: JSON data, payload attributes and the trace
// context of ctx.
func message(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{}
	if a, ok := payload.(harvest.Attributed); ok {
		for k, v := range a.Attributes() {
			if v != "" {
				attrs[k] = v
			}
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, attrCarrier(attrs))
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// attrCarrier implements propagation.TextMapCarrier over message attributes.
type attrCarrier map[string]string

func (c attrCarrier) Get(key string) string { return c[key] }

func (c attrCarrier) Set(key, value string) { c[key] = value }

func (c attrCarrier) Keys() []string {
	return harvest.SortedKeys(c)
}
