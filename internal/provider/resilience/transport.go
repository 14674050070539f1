package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNotReplayable is returned when a failed request with a body cannot
	// be retried because it has no GetBody.
	ErrNotReplayable = errors.New("request body cannot be replayed")
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for a resilient transport.
type Config struct {
	// Name identifies the provider in the breaker and the registry.
	Name string

	// MaxRetries is the number of retries after the first attempt.
	// Default: 2
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval.
	// Default: 2 seconds
	MaxInterval time.Duration

	// Breaker is the circuit breaker configuration.
	// If nil, uses DefaultBreakerConfig.
	Breaker *BreakerConfig

	// Registry, when set, receives the transport on creation and every
	// success and failure afterwards.
	Registry *Registry

	Logger zerolog.Logger
}

// DefaultConfig returns the default transport configuration for name.
func DefaultConfig(name string) Config {
	breaker := DefaultBreakerConfig()
	return Config{
		Name:            name,
		MaxRetries:      2,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Breaker:         &breaker,
		Logger:          zerolog.Nop(),
	}
}

// Transport is a Doer that retries transient failures with exponential
// backoff behind a circuit breaker. The call deadline belongs to the caller:
// retries stop as soon as the request context is done.
type Transport struct {
	next    Doer
	breaker *gobreaker.CircuitBreaker[*http.Response]
	cfg     Config
}

// NewTransport wraps next. A nil next uses http.DefaultClient.
func NewTransport(cfg Config, next Doer) *Transport {
	if next == nil {
		next = http.DefaultClient
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	breakerCfg := DefaultBreakerConfig()
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}

	t := &Transport{
		next:    next,
		breaker: newBreaker(cfg.Name, breakerCfg, cfg.Logger), //nolint:bodyclose // type param, not response
		cfg:     cfg,
	}
	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, t)
	}
	return t
}

// Name returns the provider name.
func (t *Transport) Name() string {
	return t.cfg.Name
}

// Do executes req through the circuit breaker. Network errors and 5xx
// responses are retried. When retries run out on a 5xx, the last response is
// returned without an error so the caller sees the real status.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.InitialInterval
	bo.MaxInterval = t.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, t.cfg.MaxRetries), ctx)

	var (
		lastResp *http.Response
		attempt  int
	)

	operation := func() error {
		attempt++
		attemptReq, err := t.prepare(ctx, req, attempt)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := t.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller is responsible for closing
			r, err := t.next.Do(attemptReq)
			if err != nil {
				return nil, err
			}
			// 5xx counts against the breaker.
			if r.StatusCode >= http.StatusInternalServerError {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if lastResp != nil {
			drain(lastResp)
			lastResp = nil
		}

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			lastResp = resp
			return err
		}

		lastResp = resp
		return nil
	}

	err := backoff.Retry(operation, policy)
	t.record(lastResp, err)

	if err != nil {
		var serverErr *ServerError
		if lastResp != nil && errors.As(err, &serverErr) {
			return lastResp, nil
		}
		if lastResp != nil {
			drain(lastResp)
		}
		return nil, err
	}
	return lastResp, nil
}

// prepare returns the request for one attempt. Retries get a fresh body.
func (t *Transport) prepare(ctx context.Context, req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 1 || req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), ErrNotReplayable)
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("replaying request body: %w", err)
	}
	clone := req.Clone(ctx)
	clone.Body = body
	return clone, nil
}

func (t *Transport) record(resp *http.Response, err error) {
	if t.cfg.Registry == nil {
		return
	}
	switch {
	case err != nil:
		t.cfg.Registry.RecordFailure(t.cfg.Name, err)
	case resp != nil && resp.StatusCode >= http.StatusInternalServerError:
		t.cfg.Registry.RecordFailure(t.cfg.Name, &ServerError{StatusCode: resp.StatusCode})
	default:
		t.cfg.Registry.RecordSuccess(t.cfg.Name)
	}
}

// State returns the current state of the circuit breaker.
func (t *Transport) State() gobreaker.State {
	return t.breaker.State()
}

// Counts returns the current counts of the circuit breaker.
func (t *Transport) Counts() gobreaker.Counts {
	return t.breaker.Counts()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// ServerError represents an HTTP 5xx response.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

var _ Doer = (*Transport)(nil)
