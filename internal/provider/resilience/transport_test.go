package resilience_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crustclub/crustclub/internal/provider/resilience"
)

func fastConfig(name string, retries uint64) resilience.Config {
	breaker := resilience.DefaultBreakerConfig()
	breaker.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.Requests >= 100 }

	cfg := resilience.DefaultConfig(name)
	cfg.MaxRetries = retries
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 5 * time.Millisecond
	cfg.Breaker = &breaker
	return cfg
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, http.NoBody)
	require.NoError(t, err)
	return req
}

func TestTransport_SuccessfulRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	registry := resilience.NewRegistry(nil)
	cfg := fastConfig("backend", 2)
	cfg.Registry = registry
	transport := resilience.NewTransport(cfg, server.Client())

	resp, err := transport.Do(get(t, server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	health := registry.Health("backend")
	require.NotNil(t, health)
	assert.NotNil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)
}

func TestTransport_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := resilience.NewTransport(fastConfig("backend", 5), server.Client())

	resp, err := transport.Do(get(t, server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestTransport_ExhaustedRetriesReturnLastResponse(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	registry := resilience.NewRegistry(nil)
	cfg := fastConfig("backend", 2)
	cfg.Registry = registry
	transport := resilience.NewTransport(cfg, server.Client())

	resp, err := transport.Do(get(t, server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())

	health := registry.Health("backend")
	require.NotNil(t, health.LastFailureAt)
	assert.Contains(t, health.LastError, "Bad Gateway")
}

func TestTransport_ClientErrorsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	transport := resilience.NewTransport(fastConfig("backend", 3), server.Client())

	resp, err := transport.Do(get(t, server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTransport_CircuitBreakerTrips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	registry := resilience.NewRegistry(nil)
	cfg := fastConfig("backend", 0)
	cfg.Breaker = &resilience.BreakerConfig{
		MaxRequests: 1,
		OpenTimeout: time.Minute,
		ReadyToTrip: resilience.DefaultReadyToTrip,
	}
	cfg.Registry = registry
	transport := resilience.NewTransport(cfg, server.Client())

	for i := 0; i < 5; i++ {
		resp, _ := transport.Do(get(t, server.URL))
		if resp != nil {
			resp.Body.Close()
		}
	}
	assert.Equal(t, gobreaker.StateOpen, transport.State())

	resp, err := transport.Do(get(t, server.URL))
	if resp != nil {
		resp.Body.Close()
	}
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, registry.Health("backend").IsUnhealthy())
}

func TestTransport_StopsOnContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig("backend", 100)
	cfg.InitialInterval = 20 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	transport := resilience.NewTransport(cfg, server.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := transport.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

func TestTransport_ReplaysRequestBody(t *testing.T) {
	var (
		attempts atomic.Int32
		bodies   = make(chan string, 3)
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	transport := resilience.NewTransport(fastConfig("backend", 2), server.Client())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, bytes.NewReader([]byte(`{"a":1}`)))
	require.NoError(t, err)

	resp, err := transport.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"a":1}`, <-bodies)
	assert.Equal(t, `{"a":1}`, <-bodies)
}

func TestDefaultReadyToTrip(t *testing.T) {
	tests := []struct {
		name     string
		counts   gobreaker.Counts
		expected bool
	}{
		{"not enough requests", gobreaker.Counts{Requests: 4, TotalFailures: 4}, false},
		{"low failure rate", gobreaker.Counts{Requests: 10, TotalFailures: 4}, false},
		{"high failure rate", gobreaker.Counts{Requests: 10, TotalFailures: 5}, true},
		{"exactly 5 requests all failing", gobreaker.Counts{Requests: 5, TotalFailures: 5}, true},
		{"no requests", gobreaker.Counts{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resilience.DefaultReadyToTrip(tt.counts))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := resilience.DefaultConfig("backend")

	assert.Equal(t, "backend", cfg.Name)
	assert.Equal(t, uint64(2), cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.MaxInterval)
	require.NotNil(t, cfg.Breaker)
	assert.Equal(t, uint32(1), cfg.Breaker.MaxRequests)
	assert.Equal(t, 60*time.Second, cfg.Breaker.OpenTimeout)
}

func TestServerError(t *testing.T) {
	err := &resilience.ServerError{StatusCode: http.StatusInternalServerError}
	assert.Contains(t, err.Error(), "Internal Server Error")
}
