// Package worker listens for operator commands on Pub/Sub and applies them to
// the running monitor.
package worker

import (
	"time"

	"github.com/rs/zerolog"
)

// ListenerConfig holds configuration for the command listener.
type ListenerConfig struct {
	ProjectID        string
	SubscriptionName string

	// MaxOutstandingMessages bounds commands handled concurrently.
	// Default: 4
	MaxOutstandingMessages int

	// MaxExtension is how long a command may run before its ack deadline
	// stops being extended.
	// Default: 10 minutes
	MaxExtension time.Duration

	// CommandTimeout bounds the handling of one command.
	// Default: 2 minutes
	CommandTimeout time.Duration

	Dispatcher *Dispatcher
	Logger     zerolog.Logger
}

// DefaultListenerConfig returns the default listener configuration.
func DefaultListenerConfig(projectID, subscription string) ListenerConfig {
	return ListenerConfig{
		ProjectID:              projectID,
		SubscriptionName:       subscription,
		MaxOutstandingMessages: 4,
		MaxExtension:           10 * time.Minute,
		CommandTimeout:         2 * time.Minute,
		Logger:                 zerolog.Nop(),
	}
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	d := DefaultListenerConfig(c.ProjectID, c.SubscriptionName)
	if c.MaxOutstandingMessages <= 0 {
		c.MaxOutstandingMessages = d.MaxOutstandingMessages
	}
	if c.MaxExtension <= 0 {
		c.MaxExtension = d.MaxExtension
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	return c
}
