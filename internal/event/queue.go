package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Queue.Report when the buffer is full and
	// the event was dropped.
	ErrQueueFull = errors.New("event queue full")

	// ErrQueueClosed is returned by Queue.Report after Close.
	ErrQueueClosed = errors.New("event queue closed")
)

// QueueConfig holds the buffering options of a Queue.
type QueueConfig struct {
	// Size is the number of events buffered before new ones are dropped.
	// Default: 1024
	Size int

	// DeliveryTimeout bounds the context handed to the wrapped sink for
	// each event.
	// Default: 5 seconds
	DeliveryTimeout time.Duration
}

// DefaultQueueConfig returns the default queue options.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Size:            1024,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Queue is a Sink that hands events to a wrapped sink from a single
// background goroutine. Report never blocks: when the buffer is full the
// event is dropped and ErrQueueFull is returned.
type Queue struct {
	next   Sink
	cfg    QueueConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	events chan Event
	done   chan struct{}

	dropped atomic.Int64
}

// NewQueue starts a queue delivering to next. Close must be called to stop
// the delivery goroutine.
func NewQueue(next Sink, cfg QueueConfig, logger zerolog.Logger) *Queue {
	defaults := DefaultQueueConfig()
	if cfg.Size <= 0 {
		cfg.Size = defaults.Size
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if next == nil {
		next = Discard
	}

	q := &Queue{
		next:   next,
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, cfg.Size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Report enqueues ev.
func (q *Queue) Report(_ context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Pending returns the number of buffered events not yet delivered.
func (q *Queue) Pending() int {
	return len(q.events)
}

// Close stops accepting events and waits until the buffered ones have been
// delivered or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for ev := range q.events {
		q.deliver(ev)
	}
}

func (q *Queue) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.DeliveryTimeout)
	defer cancel()
	Dispatch(ctx, q.next, ev, q.logger)
}

var _ Sink = (*Queue)(nil)
