// Package event defines the records emitted by the request tracker and the
// health supervisor, and the sink port that receives them.
package event

import (
	"encoding/json"
	"time"
)

// Type discriminates the concrete event record.
type Type string

const (
	TypeRequestOutcome Type = "request_outcome"
	TypeCheckFailure   Type = "check_failure"
)

// Severity is the urgency a sink should attach when rendering an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as urgent as min or more.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// OutcomeKind classifies how a monitored call settled.
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeSlowSuccess    OutcomeKind = "slow-success"
	OutcomeHTTPError      OutcomeKind = "http-error"
	OutcomeTimeout        OutcomeKind = "timeout"
	OutcomeTransportError OutcomeKind = "transport-error"
)

// Failed reports whether the kind is surfaced to the caller as an error.
func (k OutcomeKind) Failed() bool {
	switch k {
	case OutcomeHTTPError, OutcomeTimeout, OutcomeTransportError:
		return true
	default:
		return false
	}
}

// Event is implemented by every record delivered to a Sink.
type Event interface {
	Type() Type
	Severity() Severity
	// Subject is the URL of a request or the id of a check.
	Subject() string
	Summary() string
	OccurredAt() time.Time
}

// RequestOutcome is emitted exactly once when a monitored call settles.
type RequestOutcome struct {
	RequestID string        `json:"requestId"`
	Kind      OutcomeKind   `json:"kind"`
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Duration  time.Duration `json:"-"`
	// StatusCode is zero for timeouts and transport errors.
	StatusCode int       `json:"statusCode,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

func (o RequestOutcome) Type() Type            { return TypeRequestOutcome }
func (o RequestOutcome) Subject() string       { return o.URL }
func (o RequestOutcome) OccurredAt() time.Time { return o.At }

// Severity maps slow calls to warnings and failed calls to errors.
func (o RequestOutcome) Severity() Severity {
	switch {
	case o.Kind.Failed():
		return SeverityError
	case o.Kind == OutcomeSlowSuccess:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (o RequestOutcome) Summary() string {
	if o.Message != "" {
		return o.Message
	}
	return o.Method + " " + o.URL + ": " + string(o.Kind)
}

// DurationMs returns the call duration in whole milliseconds.
func (o RequestOutcome) DurationMs() int64 {
	return o.Duration.Milliseconds()
}

// MarshalJSON adds durationMs to the default encoding.
func (o RequestOutcome) MarshalJSON() ([]byte, error) {
	type plain RequestOutcome
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain: plain(o), DurationMs: o.DurationMs()})
}

// CheckFailure is emitted every time a validation check fails, whether or not
// the failure reached the escalation threshold.
type CheckFailure struct {
	CheckID  string         `json:"checkId"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Count is the streak length after this failure was recorded.
	Count     int    `json:"count"`
	Escalated bool   `json:"escalated"`
	Cause     string `json:"cause,omitempty"`
	RemedyErr string `json:"remedyError,omitempty"`
	// At is when the failure was recorded.
	At time.Time `json:"at"`
}

func (f CheckFailure) Type() Type            { return TypeCheckFailure }
func (f CheckFailure) Subject() string       { return f.CheckID }
func (f CheckFailure) Summary() string       { return f.Message }
func (f CheckFailure) OccurredAt() time.Time { return f.At }

func (f CheckFailure) Severity() Severity {
	if f.Escalated {
		return SeverityError
	}
	return SeverityWarning
}

// Envelope is the wire form used by sinks that serialize events.
type Envelope struct {
	Type     Type      `json:"type"`
	Severity Severity  `json:"severity"`
	Subject  string    `json:"subject"`
	Summary  string    `json:"summary"`
	At       time.Time `json:"at"`
	Payload  Event     `json:"payload"`
}

// Wrap builds the envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{
		Type:     ev.Type(),
		Severity: ev.Severity(),
		Subject:  ev.Subject(),
		Summary:  ev.Summary(),
		At:       ev.OccurredAt(),
		Payload:  ev,
	}
}

// Marshal encodes ev inside its envelope.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(Wrap(ev))
}
