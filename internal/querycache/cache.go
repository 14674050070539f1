// Package querycache keeps the results of backend queries in memory and
// knows when each of them has gone stale.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownQuery is returned for keys that were never registered.
	ErrUnknownQuery = errors.New("unknown query")

	// ErrDuplicateQuery is returned when a key is registered twice.
	ErrDuplicateQuery = errors.New("query already registered")
)

// Fetcher loads the current result of a query.
type Fetcher func(ctx context.Context) (any, error)

// Config holds configuration for the query cache.
type Config struct {
	Logger zerolog.Logger
	Clock  clockwork.Clock

	// DefaultStaleAfter applies to queries registered without their own
	// staleness bound.
	// Default: 5 minutes
	DefaultStaleAfter time.Duration
}

// Cache holds registered queries and their last results.
type Cache struct {
	logger            zerolog.Logger
	clock             clockwork.Clock
	defaultStaleAfter time.Duration

	mu      sync.RWMutex
	queries map[string]*query
}

type query struct {
	fetch       Fetcher
	staleAfter  time.Duration
	value       any
	fetchedAt   time.Time
	lastErr     error
	invalidated bool
}

// Entry describes the cached state of one query.
type Entry struct {
	Key        string        `json:"key"`
	StaleAfter time.Duration `json:"-"`
	FetchedAt  *time.Time    `json:"fetchedAt,omitempty"`
	Stale      bool          `json:"stale"`
	LastError  string        `json:"lastError,omitempty"`
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DefaultStaleAfter <= 0 {
		cfg.DefaultStaleAfter = 5 * time.Minute
	}
	return &Cache{
		logger:            cfg.Logger,
		clock:             cfg.Clock,
		defaultStaleAfter: cfg.DefaultStaleAfter,
		queries:           make(map[string]*query),
	}
}

// Register adds a query. A non-positive staleAfter uses the cache default.
// Nothing is fetched until the first Get or Refetch.
func (c *Cache) Register(key string, staleAfter time.Duration, fetch Fetcher) error {
	if staleAfter <= 0 {
		staleAfter = c.defaultStaleAfter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.queries[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateQuery, key)
	}
	c.queries[key] = &query{fetch: fetch, staleAfter: staleAfter}
	return nil
}

// Get returns the cached result of key, fetching it first when stale. If the
// fetch fails and an older result exists, the older result is returned.
func (c *Cache) Get(ctx context.Context, key string) (any, error) {
	c.mu.RLock()
	q, ok := c.queries[key]
	var (
		value any
		fresh bool
	)
	if ok {
		value = q.value
		fresh = !c.staleLocked(q)
	}
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, key)
	}
	if fresh {
		return value, nil
	}

	value, err := c.refetch(ctx, key, q)
	if err == nil {
		return value, nil
	}

	c.mu.RLock()
	previous, fetchedAt := q.value, q.fetchedAt
	c.mu.RUnlock()
	if fetchedAt.IsZero() {
		return nil, err
	}

	c.logger.Warn().Err(err).Str("query", key).Msg("serving stale query result")
	return previous, nil
}

// Refetch reloads key regardless of staleness.
func (c *Cache) Refetch(ctx context.Context, key string) error {
	c.mu.RLock()
	q, ok := c.queries[key]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, key)
	}

	_, err := c.refetch(ctx, key, q)
	return err
}

func (c *Cache) refetch(ctx context.Context, key string, q *query) (any, error) {
	value, err := q.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		q.lastErr = err
		return nil, fmt.Errorf("fetching query %s: %w", key, err)
	}
	q.value = value
	q.fetchedAt = c.clock.Now()
	q.lastErr = nil
	q.invalidated = false
	return value, nil
}

// Stale reports whether key has never been fetched or its result is older
// than its staleness bound. Unknown keys are not stale.
func (c *Cache) Stale(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.queries[key]
	return ok && c.staleLocked(q)
}

// StaleKeys returns the sorted keys of every stale query.
func (c *Cache) StaleKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []string
	for key, q := range c.queries {
		if c.staleLocked(q) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// RefetchStale reloads every stale query and joins the errors.
func (c *Cache) RefetchStale(ctx context.Context) error {
	var errs []error
	for _, key := range c.StaleKeys() {
		if err := c.Refetch(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate marks key stale so the next Get fetches it again. The cached
// result is kept as the fallback for a failing refetch.
func (c *Cache) Invalidate(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, key)
	}
	q.invalidated = true
	return nil
}

// Entries describes every registered query sorted by key.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.queries))
	for key, q := range c.queries {
		e := Entry{
			Key:        key,
			StaleAfter: q.staleAfter,
			Stale:      c.staleLocked(q),
		}
		if !q.fetchedAt.IsZero() {
			fetchedAt := q.fetchedAt
			e.FetchedAt = &fetchedAt
		}
		if q.lastErr != nil {
			e.LastError = q.lastErr.Error()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// staleLocked requires c.mu.
func (c *Cache) staleLocked(q *query) bool {
	if q.invalidated || q.fetchedAt.IsZero() {
		return true
	}
	return c.clock.Since(q.fetchedAt) > q.staleAfter
}
