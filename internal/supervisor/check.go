package supervisor

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidCheck is returned by Register for checks without an id or predicate.
var ErrInvalidCheck = errors.New("invalid check")

// Lifetime says how long a check stays registered.
type Lifetime int

const (
	// Permanent checks stay registered until Unregister is called.
	Permanent Lifetime = iota
	// OneShot checks are removed right after their first evaluation.
	OneShot
)

func (l Lifetime) String() string {
	switch l {
	case Permanent:
		return "permanent"
	case OneShot:
		return "one-shot"
	default:
		return "unknown"
	}
}

// MarshalText encodes the lifetime by name.
func (l Lifetime) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Predicate evaluates an application invariant. Returning an error counts as
// a failure, the same as returning false.
type Predicate func(ctx context.Context) (bool, error)

// Remedy is a corrective action, typically refetching whatever cached state
// the check inspects.
type Remedy func(ctx context.Context) error

// Check is a named validation predicate.
type Check struct {
	ID       string
	Message  string
	Metadata map[string]any
	Lifetime Lifetime

	Predicate Predicate

	// Remedy runs when the check escalates. When nil the supervisor's
	// Escalator, if any, is used instead.
	Remedy Remedy
}

// CheckInfo describes a registered check.
type CheckInfo struct {
	ID       string         `json:"id"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Lifetime Lifetime       `json:"lifetime"`
}

func (c Check) info() CheckInfo {
	return CheckInfo{
		ID:       c.ID,
		Message:  c.Message,
		Metadata: c.Metadata,
		Lifetime: c.Lifetime,
	}
}

// FailureMemory is the failure streak of one check id.
type FailureMemory struct {
	Count       int       `json:"count"`
	LastFailure time.Time `json:"lastFailure"`
}

// Escalator is the fallback corrective action for checks without a Remedy.
type Escalator interface {
	Escalate(ctx context.Context, check CheckInfo) error
}

// EscalatorFunc adapts a function to the Escalator interface.
type EscalatorFunc func(ctx context.Context, check CheckInfo) error

// Escalate calls f(ctx, check).
func (f EscalatorFunc) Escalate(ctx context.Context, check CheckInfo) error {
	return f(ctx, check)
}

// Report summarizes one validation pass.
type Report struct {
	Checked   int      `json:"checked"`
	Failed    []string `json:"failed,omitempty"`
	Escalated []string `json:"escalated,omitempty"`
}
