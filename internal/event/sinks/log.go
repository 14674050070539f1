package sinks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/crustclub/crustclub/internal/event"
)

// Log writes events as structured log lines, at a level matching their severity.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

// Report logs ev.
func (l *Log) Report(_ context.Context, ev event.Event) error {
	var e *zerolog.Event
	switch ev.Severity() {
	case event.SeverityError:
		e = l.logger.Error()
	case event.SeverityWarning:
		e = l.logger.Warn()
	default:
		e = l.logger.Debug()
	}

	e = e.Str("event_type", string(ev.Type()))

	switch v := ev.(type) {
	case event.RequestOutcome:
		e = e.
			Str("request_id", v.RequestID).
			Str("kind", string(v.Kind)).
			Str("method", v.Method).
			Str("url", v.URL).
			Dur("duration", v.Duration)
		if v.StatusCode != 0 {
			e = e.Int("status", v.StatusCode)
		}
		if v.Message != "" {
			e = e.Str("detail", v.Message)
		}
		e.Msg("request settled")
	case event.CheckFailure:
		e = e.
			Str("check_id", v.CheckID).
			Int("count", v.Count).
			Bool("escalated", v.Escalated)
		if v.Cause != "" {
			e = e.Str("cause", v.Cause)
		}
		if v.RemedyErr != "" {
			e = e.Str("remedy_error", v.RemedyErr)
		}
		if len(v.Metadata) > 0 {
			e = e.Interface("metadata", v.Metadata)
		}
		e.Msg(v.Message)
	default:
		e.Str("subject", ev.Subject()).Msg(ev.Summary())
	}
	return nil
}

var _ event.Sink = (*Log)(nil)
