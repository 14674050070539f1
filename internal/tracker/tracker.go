// Package tracker wraps outbound calls with a timeout ceiling, classifies how
// each call settled and reports the outcome to an event sink.
package tracker

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crustclub/crustclub/internal/event"
)

const tracerName = "github.com/crustclub/crustclub/internal/tracker"

// Doer executes HTTP requests. *http.Client, the resilience transport and
// *Tracker all satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the timing thresholds of the tracker.
type Config struct {
	// Timeout is the ceiling after which an unanswered call is aborted.
	// Default: 5 seconds
	Timeout time.Duration

	// SlowThreshold marks successful calls that took longer as slow.
	// Default: 2 seconds
	SlowThreshold time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		SlowThreshold: 2 * time.Second,
	}
}

// TrackedRequest is a call currently in flight.
type TrackedRequest struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"startedAt"`
}

// Tracker monitors outbound calls made through it.
type Tracker struct {
	cfg       Config
	transport Doer
	sink      event.Sink
	clock     clockwork.Clock
	logger    zerolog.Logger
	tracer    trace.Tracer

	mu     sync.Mutex
	active map[string]TrackedRequest
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source used for durations and the timeout timer.
func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithTracer sets the tracer used for per-call spans.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Tracker) { t.tracer = tr }
}

// New creates a tracker wrapping transport. sink is called on the caller's
// goroutine after the call settles; sinks doing I/O belong behind an
// event.Queue.
func New(cfg Config, transport Doer, sink event.Sink, opts ...Option) *Tracker {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = defaults.SlowThreshold
	}
	if transport == nil {
		transport = http.DefaultClient
	}
	if sink == nil {
		sink = event.Discard
	}

	t := &Tracker{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
		clock:     clockwork.NewRealClock(),
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
		active:    make(map[string]TrackedRequest),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type result struct {
	resp *http.Response
	err  error
}

// Do executes req through the wrapped transport. The response and error seen
// by the caller are those of the transport, except that a call still
// unanswered at the timeout ceiling is aborted and fails with ErrTimeout, and
// a non-2xx response is turned into an *Error. Every call produces exactly one
// RequestOutcome event.
func (t *Tracker) Do(req *http.Request) (*http.Response, error) {
	tracked := TrackedRequest{
		ID:        uuid.New().String(),
		Method:    req.Method,
		URL:       req.URL.String(),
		StartedAt: t.clock.Now(),
	}
	t.track(tracked)
	defer t.untrack(tracked.ID)

	ctx, span := t.tracer.Start(req.Context(), "monitor.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("monitor.request_id", tracked.ID),
			attribute.String("http.request.method", tracked.Method),
			attribute.String("url.full", tracked.URL),
		),
	)
	defer span.End()

	callCtx, cancel := context.WithCancelCause(ctx)

	timer := t.clock.NewTimer(t.cfg.Timeout)
	defer timer.Stop()

	done := make(chan result)
	abandoned := make(chan struct{})
	go func() {
		resp, err := t.transport.Do(req.WithContext(callCtx))
		select {
		case done <- result{resp: resp, err: err}:
		case <-abandoned:
			// The caller already got a timeout; nobody will read this body.
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
	}()

	var (
		outcome event.RequestOutcome
		resp    *http.Response
		err     error
	)

	select {
	case res := <-done:
		outcome, resp, err = t.classify(tracked, res, cancel)
	case <-timer.Chan():
		close(abandoned)
		cancel(ErrTimeout)
		outcome = t.outcome(tracked, event.OutcomeTimeout)
		outcome.Message = ErrTimeout.Error()
		err = &Error{
			Kind:      event.OutcomeTimeout,
			RequestID: tracked.ID,
			Method:    tracked.Method,
			URL:       tracked.URL,
			Err:       ErrTimeout,
		}
	}

	span.SetAttributes(
		attribute.String("monitor.outcome", string(outcome.Kind)),
		attribute.Int64("monitor.duration_ms", outcome.DurationMs()),
	)
	if outcome.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", outcome.StatusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome.Kind))
	}

	event.Dispatch(context.WithoutCancel(ctx), t.sink, outcome, t.logger)
	return resp, err
}

func (t *Tracker) classify(
	tracked TrackedRequest,
	res result,
	cancel context.CancelCauseFunc,
) (event.RequestOutcome, *http.Response, error) {
	if res.err != nil {
		cancel(nil)
		outcome := t.outcome(tracked, event.OutcomeTransportError)
		outcome.Message = res.err.Error()
		return outcome, nil, &Error{
			Kind:      event.OutcomeTransportError,
			RequestID: tracked.ID,
			Method:    tracked.Method,
			URL:       tracked.URL,
			Err:       res.err,
		}
	}

	resp := res.resp
	if resp.Body == nil {
		resp.Body = http.NoBody
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
		_ = resp.Body.Close()
		cancel(nil)

		outcome := t.outcome(tracked, event.OutcomeHTTPError)
		outcome.StatusCode = resp.StatusCode
		outcome.Message = resp.Status
		return outcome, nil, &Error{
			Kind:       event.OutcomeHTTPError,
			RequestID:  tracked.ID,
			Method:     tracked.Method,
			URL:        tracked.URL,
			StatusCode: resp.StatusCode,
			Body:       body,
			Err:        ErrUnexpectedStatus,
		}
	}

	outcome := t.outcome(tracked, event.OutcomeSuccess)
	outcome.StatusCode = resp.StatusCode
	if outcome.Duration > t.cfg.SlowThreshold {
		outcome.Kind = event.OutcomeSlowSuccess
	}

	// The call context must outlive Do so the caller can read the body.
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: func() { cancel(nil) }}
	return outcome, resp, nil
}

func (t *Tracker) outcome(tracked TrackedRequest, kind event.OutcomeKind) event.RequestOutcome {
	now := t.clock.Now()
	return event.RequestOutcome{
		RequestID: tracked.ID,
		Kind:      kind,
		Method:    tracked.Method,
		URL:       tracked.URL,
		Duration:  now.Sub(tracked.StartedAt),
		At:        now,
	}
}

// ListActive returns the calls currently in flight, oldest first.
func (t *Tracker) ListActive() []TrackedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TrackedRequest, 0, len(t.active))
	for _, tr := range t.active {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Reset forgets every tracked call. Calls in flight are not cancelled; they
// still settle and report normally.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[string]TrackedRequest)
}

// Timeout returns the configured timeout ceiling.
func (t *Tracker) Timeout() time.Duration {
	return t.cfg.Timeout
}

func (t *Tracker) track(tr TrackedRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[tr.ID] = tr
}

// untrack is a no-op for entries already dropped by Reset.
func (t *Tracker) untrack(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

// releasingBody cancels the call context once the caller closes the body.
type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
