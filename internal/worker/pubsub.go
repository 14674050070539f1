package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// ErrNoDispatcher is returned by NewCommandListener without a dispatcher.
var ErrNoDispatcher = errors.New("command listener requires a dispatcher")

// CommandListener receives operator commands from a Pub/Sub subscription.
type CommandListener struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	commandTimeout   time.Duration
	logger           zerolog.Logger
}

// NewCommandListener connects to Pub/Sub and prepares the subscriber.
func NewCommandListener(ctx context.Context, cfg ListenerConfig) (*CommandListener, error) {
	if cfg.Dispatcher == nil {
		return nil, ErrNoDispatcher
	}
	cfg = cfg.withDefaults()

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	subscriber.ReceiveSettings.MaxExtension = cfg.MaxExtension

	return &CommandListener{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		commandTimeout:   cfg.CommandTimeout,
		logger:           cfg.Logger,
	}, nil
}

// Start receives commands until ctx is done.
func (l *CommandListener) Start(ctx context.Context) error {
	l.logger.Info().
		Str("subscription", l.subscriptionName).
		Msg("starting command listener")

	err := l.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if l.handle(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})

	stats := l.dispatcher.Stats()
	l.logger.Info().
		Int64("handled", stats.Handled).
		Int64("failed", stats.Failed).
		Interface("by_type", stats.ByType).
		Msg("command listener stopped")
	return err
}

// Close closes the Pub/Sub client.
func (l *CommandListener) Close() error {
	return l.client.Close()
}

// handle applies one message and reports whether it should be acked.
func (l *CommandListener) handle(ctx context.Context, id string, data []byte) bool {
	start := time.Now()
	logger := l.logger.With().Str("message_id", id).Logger()

	ctx, cancel := context.WithTimeout(ctx, l.commandTimeout)
	defer cancel()

	err := l.dispatcher.Handle(ctx, data)
	switch {
	case err == nil:
		logger.Info().Dur("duration", time.Since(start)).Msg("command completed")
		return true
	case permanent(err):
		// Redelivery cannot fix these.
		logger.Warn().Err(err).Msg("dropping command")
		return true
	default:
		logger.Error().Err(err).Msg("command failed")
		return false
	}
}
