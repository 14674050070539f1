// Package sinks provides event.Sink implementations for logging, metrics,
// persistence and publication of monitor events.
package sinks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/crustclub/crustclub/internal/event"
)

// Recorder keeps every reported event in memory. It is used by tests and by
// the diagnostics API when no persistent store is configured.
type Recorder struct {
	mu      sync.RWMutex
	entries []recorded
	limit   int
}

type recorded struct {
	id string
	ev event.Event
}

// NewRecorder creates a Recorder. A positive limit keeps only the most recent
// events.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Report stores ev.
func (r *Recorder) Report(_ context.Context, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, recorded{id: uuid.New().String(), ev: ev})
	if r.limit > 0 && len(r.entries) > r.limit {
		r.entries = append([]recorded(nil), r.entries[len(r.entries)-r.limit:]...)
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]event.Event, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.ev
	}
	return out
}

// Recent returns up to limit recorded events, newest first, in the same shape
// as Postgres.Recent.
func (r *Recorder) Recent(_ context.Context, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StoredEvent, 0, min(limit, len(r.entries)))
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.entries[i]
		payload, err := json.Marshal(e.ev)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredEvent{
			ID:        e.id,
			Type:      e.ev.Type(),
			Severity:  e.ev.Severity(),
			Subject:   e.ev.Subject(),
			Summary:   e.ev.Summary(),
			Payload:   payload,
			CreatedAt: e.ev.OccurredAt(),
		})
	}
	return out, nil
}

// Outcomes returns the recorded request outcomes.
func (r *Recorder) Outcomes() []event.RequestOutcome {
	var out []event.RequestOutcome
	for _, ev := range r.Events() {
		if o, ok := ev.(event.RequestOutcome); ok {
			out = append(out, o)
		}
	}
	return out
}

// Failures returns the recorded check failures, optionally filtered by check id.
func (r *Recorder) Failures(checkID string) []event.CheckFailure {
	var out []event.CheckFailure
	for _, ev := range r.Events() {
		if f, ok := ev.(event.CheckFailure); ok && (checkID == "" || f.CheckID == checkID) {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

var _ event.Sink = (*Recorder)(nil)
