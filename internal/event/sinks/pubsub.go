package sinks

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/cenkalti/backoff/v4"

	"github.com/crustclub/crustclub/internal/event"
)

// Publisher sends an encoded event to a message bus.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) error
}

// PubSub publishes events so that notification services (toasts, e-mail,
// chat) can subscribe to them.
type PubSub struct {
	publisher   Publisher
	minSeverity event.Severity

	retries  uint64
	interval time.Duration
}

// NewPubSub creates a sink publishing events at or above minSeverity.
// Failed publishes are retried twice with exponential backoff.
func NewPubSub(publisher Publisher, minSeverity event.Severity) *PubSub {
	return &PubSub{
		publisher:   publisher,
		minSeverity: minSeverity,
		retries:     2,
		interval:    200 * time.Millisecond,
	}
}

// WithRetry overrides the publish retry policy. Zero retries publishes once.
func (p *PubSub) WithRetry(retries uint64, initial time.Duration) *PubSub {
	p.retries = retries
	p.interval = initial
	return p
}

// Report publishes ev.
func (p *PubSub) Report(ctx context.Context, ev event.Event) error {
	if !ev.Severity().AtLeast(p.minSeverity) {
		return nil
	}

	data, err := event.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	attrs := map[string]string{
		"type":     string(ev.Type()),
		"severity": string(ev.Severity()),
		"subject":  ev.Subject(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.interval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, p.retries), ctx)

	return backoff.Retry(func() error {
		return p.publisher.Publish(ctx, data, attrs)
	}, policy)
}

var _ event.Sink = (*PubSub)(nil)

// TopicPublisher is a Publisher backed by a Google Cloud Pub/Sub topic.
type TopicPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// NewTopicPublisher connects to Pub/Sub and prepares a publisher for topic.
func NewTopicPublisher(ctx context.Context, projectID, topic string) (*TopicPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &TopicPublisher{
		client:    client,
		publisher: client.Publisher(topic),
	}, nil
}

// Publish sends data and waits for the server acknowledgement.
func (t *TopicPublisher) Publish(ctx context.Context, data []byte, attributes map[string]string) error {
	result := t.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (t *TopicPublisher) Close() error {
	t.publisher.Stop()
	return t.client.Close()
}
