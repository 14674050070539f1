package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Sink receives monitor events. Implementations may persist them, publish
// them or render them as notifications.
type Sink interface {
	Report(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Report calls f(ctx, ev).
func (f SinkFunc) Report(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

type fanout []Sink

// Fanout returns a Sink that reports to every given sink in order. A failing
// sink does not prevent delivery to the ones after it.
func Fanout(sinks ...Sink) Sink {
	fs := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			fs = append(fs, s)
		}
	}
	return fs
}

func (fs fanout) Report(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range fs {
		if err := report(ctx, s, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch delivers ev to sink and absorbs any failure, logging it instead.
// Callers of the tracker and the supervisor never observe sink errors.
func Dispatch(ctx context.Context, sink Sink, ev Event, log zerolog.Logger) {
	if sink == nil {
		return
	}
	if err := report(ctx, sink, ev); err != nil {
		log.Warn().
			Err(err).
			Str("event_type", string(ev.Type())).
			Str("subject", ev.Subject()).
			Msg("event sink failed")
	}
}

func report(ctx context.Context, sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return sink.Report(ctx, ev)
}
