package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crustclub/crustclub/internal/api"
	"github.com/crustclub/crustclub/internal/api/models"
	"github.com/crustclub/crustclub/internal/auth"
	"github.com/crustclub/crustclub/internal/event"
	"github.com/crustclub/crustclub/internal/event/sinks"
	"github.com/crustclub/crustclub/internal/provider/resilience"
	"github.com/crustclub/crustclub/internal/querycache"
	"github.com/crustclub/crustclub/internal/schedule"
	"github.com/crustclub/crustclub/internal/supervisor"
	"github.com/crustclub/crustclub/internal/tracker"
)

type fakeEvents struct {
	events []sinks.StoredEvent
	err    error
	limit  int
}

func (f *fakeEvents) Recent(_ context.Context, limit int) ([]sinks.StoredEvent, error) {
	f.limit = limit
	return f.events, f.err
}

type fixture struct {
	router   http.Handler
	sup      *supervisor.Supervisor
	tracker  *tracker.Tracker
	registry *resilience.Registry
	tokens   *auth.TokenService
	events   *fakeEvents
	queries  *querycache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	sup := supervisor.New(supervisor.DefaultConfig(), event.Discard, schedule.NewVirtual(clock), supervisor.WithClock(clock))
	require.NoError(t, sup.Register(supervisor.Check{
		ID:        "db-ping",
		Message:   "database reachable",
		Predicate: func(context.Context) (bool, error) { return false, errors.New("connection refused") },
	}))
	require.NoError(t, sup.Register(supervisor.Check{
		ID:        "cache-health",
		Message:   "cache healthy",
		Predicate: func(context.Context) (bool, error) { return true, nil },
	}))

	registry := resilience.NewRegistry(clock)
	resilience.NewTransport(resilience.Config{Name: "backend", Registry: registry}, http.DefaultClient)

	tokens, err := auth.NewTokenService(auth.TokenConfig{SigningKey: "router-test-key"})
	require.NoError(t, err)

	queries := querycache.New(querycache.Config{Logger: zerolog.Nop(), Clock: clock})
	require.NoError(t, queries.Register("recipes", time.Minute, func(context.Context) (any, error) {
		return map[string]any{"count": 3}, nil
	}))
	require.NoError(t, queries.Register("reviews", time.Minute, func(context.Context) (any, error) {
		return nil, errors.New("backend unreachable")
	}))

	f := &fixture{
		sup:      sup,
		tracker:  tracker.New(tracker.DefaultConfig(), http.DefaultClient, event.Discard, tracker.WithClock(clock)),
		registry: registry,
		tokens:   tokens,
		events:   &fakeEvents{},
		queries:  queries,
	}
	f.router = api.NewRouter(api.RouterConfig{
		Version:    "test",
		Logger:     zerolog.Nop(),
		Clock:      clock,
		Tokens:     tokens,
		Tracker:    f.tracker,
		Supervisor: sup,
		Providers:  registry,
		Events:     f.events,
		Queries:    queries,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) adminToken(t *testing.T) string {
	t.Helper()
	tok, _, err := f.tokens.Issue("ops", time.Hour)
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, models.HealthStatusOK, decode[models.Health](t, rec).Status)
}

func TestReadyz_FollowsSupervisorState(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "").Code)

	f.sup.Start(context.Background())
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)

	f.sup.Stop()
	rec := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "stopped", decode[models.Health](t, rec).Details["supervisor"])
}

func TestRunChecks_RequiresAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/monitor/checks/run", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRunChecks_ThenListChecksShowsStreak(t *testing.T) {
	f := newFixture(t)
	token := f.adminToken(t)

	rec := f.do(t, http.MethodPost, "/v1/monitor/checks/run", token)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[models.CheckRun](t, rec)
	assert.Equal(t, 2, run.Checked)
	assert.Equal(t, []string{"db-ping"}, run.Failed)
	assert.Empty(t, run.Escalated)

	rec = f.do(t, http.MethodGet, "/v1/monitor/checks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[models.CheckList](t, rec)
	assert.Equal(t, "idle", list.State)
	require.Len(t, list.Checks, 2)
	assert.Equal(t, "db-ping", list.Checks[0].ID)
	assert.Equal(t, 1, list.Checks[0].Failures)
	assert.NotNil(t, list.Checks[0].LastFailure)
	assert.Equal(t, 0, list.Checks[1].Failures)
	assert.Equal(t, "permanent", list.Checks[1].Lifetime)
}

func TestRunChecks_StoppedSupervisor(t *testing.T) {
	f := newFixture(t)
	f.sup.Start(context.Background())
	f.sup.Stop()

	rec := f.do(t, http.MethodPost, "/v1/monitor/checks/run", f.adminToken(t))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequests_ListAndReset(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/monitor/requests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[models.ActiveRequestList](t, rec)
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Requests)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/v1/monitor/requests/reset", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/monitor/requests/reset", f.adminToken(t)).Code)
}

func TestProviders(t *testing.T) {
	f := newFixture(t)
	f.registry.RecordFailure("backend", errors.New("status 503"))

	rec := f.do(t, http.MethodGet, "/v1/monitor/providers", "")

	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[models.ProviderList](t, rec)
	require.Len(t, list.Providers, 1)
	p := list.Providers[0]
	assert.Equal(t, "backend", p.Name)
	assert.Equal(t, models.HealthStatusOK, p.Status)
	assert.Equal(t, "closed", p.CircuitState)
	assert.Equal(t, "status 503", p.LastError)
	assert.NotNil(t, p.LastFailureAt)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.events.events = []sinks.StoredEvent{{
		ID:        "0b6f3f0e-7c1f-4b8e-9a55-2f0c1d7e8a10",
		Type:      event.TypeCheckFailure,
		Severity:  event.SeverityError,
		Subject:   "db-ping",
		Summary:   "database reachable",
		Payload:   json.RawMessage(`{"count":3}`),
		CreatedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}}

	rec := f.do(t, http.MethodGet, "/v1/monitor/events?limit=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, f.events.limit)
	list := decode[models.EventList](t, rec)
	require.Len(t, list.Events, 1)
	assert.Equal(t, "check_failure", list.Events[0].Type)
	assert.JSONEq(t, `{"count":3}`, string(list.Events[0].Payload))
}

func TestEvents_DefaultAndInvalidLimit(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/monitor/events", "").Code)
	assert.Equal(t, 50, f.events.limit)

	for _, limit := range []string{"0", "-1", "abc", "501"} {
		rec := f.do(t, http.MethodGet, "/v1/monitor/events?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestEvents_StoreError(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("pool closed")

	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/v1/monitor/events", "").Code)
}

func TestEvents_DisabledWithoutStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	router := api.NewRouter(api.RouterConfig{
		Logger:     zerolog.Nop(),
		Clock:      clock,
		Tracker:    tracker.New(tracker.DefaultConfig(), nil, nil),
		Supervisor: supervisor.New(supervisor.DefaultConfig(), nil, schedule.NewVirtual(clock)),
		Providers:  resilience.NewRegistry(clock),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/monitor/events", http.NoBody))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminDisabledWithoutTokens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	router := api.NewRouter(api.RouterConfig{
		Logger:     zerolog.Nop(),
		Clock:      clock,
		Tracker:    tracker.New(tracker.DefaultConfig(), nil, nil),
		Supervisor: supervisor.New(supervisor.DefaultConfig(), nil, schedule.NewVirtual(clock)),
		Providers:  resilience.NewRegistry(clock),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/monitor/checks/run", http.NoBody))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/monitor/nope", "").Code)
}

func TestQueries_ListAndGet(t *testing.T) {
	f := newFixture(t)

	list := decode[models.QueryList](t, f.do(t, http.MethodGet, "/v1/monitor/queries", ""))
	require.Len(t, list.Queries, 2)
	assert.Equal(t, "recipes", list.Queries[0].Key)
	assert.Equal(t, int64(60), list.Queries[0].StaleAfterSeconds)
	assert.True(t, list.Queries[0].Stale, "never fetched")
	assert.Nil(t, list.Queries[0].FetchedAt)

	rec := f.do(t, http.MethodGet, "/v1/monitor/queries/recipes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[models.QueryResult](t, rec)
	assert.Equal(t, "recipes", result.Key)
	assert.False(t, result.Stale)
	assert.Equal(t, map[string]any{"count": float64(3)}, result.Value)

	list = decode[models.QueryList](t, f.do(t, http.MethodGet, "/v1/monitor/queries", ""))
	assert.False(t, list.Queries[0].Stale)
	assert.NotNil(t, list.Queries[0].FetchedAt)
}

func TestQueries_GetErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/monitor/queries/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/monitor/queries/reviews", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, models.ProblemTypeUpstream, decode[models.Problem](t, rec).Type)

	list := decode[models.QueryList](t, f.do(t, http.MethodGet, "/v1/monitor/queries", ""))
	require.Len(t, list.Queries, 2)
	assert.Contains(t, list.Queries[1].LastError, "backend unreachable")
}

func TestQueries_InvalidateRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/monitor/queries/recipes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, f.queries.Stale("recipes"))

	rec = f.do(t, http.MethodPost, "/v1/monitor/queries/recipes/invalidate", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, f.queries.Stale("recipes"))

	rec = f.do(t, http.MethodPost, "/v1/monitor/queries/recipes/invalidate", f.adminToken(t))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, f.queries.Stale("recipes"))

	rec = f.do(t, http.MethodPost, "/v1/monitor/queries/unknown/invalidate", f.adminToken(t))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
