// Package checks provides the built-in validation checks registered with the
// health supervisor.
package checks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/crustclub/crustclub/internal/provider/resilience"
	"github.com/crustclub/crustclub/internal/querycache"
	"github.com/crustclub/crustclub/internal/supervisor"
	"github.com/crustclub/crustclub/internal/tracker"
)

// ProbeTimeout bounds a single probe made by a check.
const ProbeTimeout = 5 * time.Second

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPEndpoint fails unless url answers GET with a 2xx status.
func HTTPEndpoint(id, message, url string, client Doer) supervisor.Check {
	return supervisor.Check{
		ID:       id,
		Message:  message,
		Metadata: map[string]any{"url": url},
		Predicate: func(ctx context.Context) (bool, error) {
			ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return false, fmt.Errorf("creating request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return false, err
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			}
			return true, nil
		},
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresPing fails when the database does not answer a ping.
func PostgresPing(db Pinger) supervisor.Check {
	return supervisor.Check{
		ID:       "db-ping",
		Message:  "Database is not reachable",
		Metadata: map[string]any{"component": "postgres"},
		Predicate: func(ctx context.Context) (bool, error) {
			ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()

			if err := db.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}
}

// RedisPinger is satisfied by *redis.Client and the other go-redis clients.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisPing fails when the cache does not answer PING with PONG.
func RedisPing(client RedisPinger) supervisor.Check {
	return supervisor.Check{
		ID:       "cache-health",
		Message:  "Cache is not reachable",
		Metadata: map[string]any{"component": "redis"},
		Predicate: func(ctx context.Context) (bool, error) {
			ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()

			pong, err := client.Ping(ctx).Result()
			if err != nil {
				return false, err
			}
			return strings.EqualFold(pong, "PONG"), nil
		},
	}
}

// CircuitClosed fails while the circuit breaker of provider is not closed.
// Unknown providers pass.
func CircuitClosed(registry *resilience.Registry, provider string) supervisor.Check {
	return supervisor.Check{
		ID:       "circuit-" + provider,
		Message:  fmt.Sprintf("Calls to %s are being rejected", provider),
		Metadata: map[string]any{"provider": provider},
		Predicate: func(context.Context) (bool, error) {
			health := registry.Health(provider)
			if health == nil || health.CircuitState == gobreaker.StateClosed {
				return true, nil
			}
			if health.LastError != "" {
				return false, fmt.Errorf("circuit %s: %s", health.State, health.LastError)
			}
			return false, fmt.Errorf("circuit %s", health.State)
		},
	}
}

// QueryFreshness fails while any cached query is stale. Escalation refetches
// the stale queries.
func QueryFreshness(cache *querycache.Cache) supervisor.Check {
	return supervisor.Check{
		ID:      "query-freshness",
		Message: "Cached data is out of date",
		Predicate: func(context.Context) (bool, error) {
			stale := cache.StaleKeys()
			if len(stale) == 0 {
				return true, nil
			}
			return false, fmt.Errorf("stale queries: %s", strings.Join(stale, ", "))
		},
		Remedy: cache.RefetchStale,
	}
}

// ActiveLister is satisfied by *tracker.Tracker.
type ActiveLister interface {
	ListActive() []tracker.TrackedRequest
}

// BacklogConfig bounds the in-flight request set.
type BacklogConfig struct {
	// MaxInFlight is the largest acceptable number of in-flight requests.
	// Default: 50
	MaxInFlight int

	// MaxAge is the oldest acceptable in-flight request.
	// Default: 30 seconds
	MaxAge time.Duration

	Clock clockwork.Clock
}

// ActiveBacklog fails when too many requests are in flight or one of them has
// been pending for longer than MaxAge.
func ActiveBacklog(requests ActiveLister, cfg BacklogConfig) supervisor.Check {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 50
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return supervisor.Check{
		ID:      "request-backlog",
		Message: "Backend requests are piling up",
		Metadata: map[string]any{
			"max_in_flight": cfg.MaxInFlight,
			"max_age":       cfg.MaxAge.String(),
		},
		Predicate: func(context.Context) (bool, error) {
			active := requests.ListActive()
			if len(active) > cfg.MaxInFlight {
				return false, fmt.Errorf("%d requests in flight", len(active))
			}
			// ListActive is sorted oldest first.
			if len(active) > 0 {
				oldest := active[0]
				if age := cfg.Clock.Since(oldest.StartedAt); age > cfg.MaxAge {
					return false, fmt.Errorf("%s %s pending for %s", oldest.Method, oldest.URL, age.Round(time.Millisecond))
				}
			}
			return true, nil
		},
	}
}

// ErrIncident is the cause reported by incident checks raised without an
// error.
var ErrIncident = errors.New("incident reported")

// Incident returns a one-shot check that fails once with err, routing a caught
// error through the supervisor's escalation and notification path.
func Incident(id, message string, err error) supervisor.Check {
	if err == nil {
		err = ErrIncident
	}
	return supervisor.Check{
		ID:       id,
		Message:  message,
		Lifetime: supervisor.OneShot,
		Predicate: func(context.Context) (bool, error) {
			return false, err
		},
	}
}
