package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/crustclub/crustclub/internal/api/middleware"
	"github.com/crustclub/crustclub/internal/api/models"
	"github.com/crustclub/crustclub/internal/api/response"
	"github.com/crustclub/crustclub/internal/event/sinks"
	"github.com/crustclub/crustclub/internal/provider/resilience"
	"github.com/crustclub/crustclub/internal/querycache"
	"github.com/crustclub/crustclub/internal/supervisor"
	"github.com/crustclub/crustclub/internal/tracker"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// RequestTracker is the slice of the tracker the API reads and resets.
type RequestTracker interface {
	ListActive() []tracker.TrackedRequest
	Reset()
}

// CheckSupervisor is the slice of the supervisor the API reads and drives.
type CheckSupervisor interface {
	StateReporter
	Checks() []supervisor.CheckInfo
	MemorySnapshot() map[string]supervisor.FailureMemory
	Cycles() int
	RunOnce(ctx context.Context) supervisor.Report
}

// ProviderHealth reports circuit state per provider.
type ProviderHealth interface {
	AllHealth() []*resilience.ProviderHealth
}

// EventStore returns persisted events newest first.
type EventStore interface {
	Recent(ctx context.Context, limit int) ([]sinks.StoredEvent, error)
}

// QueryCache is satisfied by *querycache.Cache.
type QueryCache interface {
	Entries() []querycache.Entry
	Get(ctx context.Context, key string) (any, error)
	Stale(key string) bool
	Invalidate(key string) error
}

// MonitorDeps wires the monitor handler. Events and Queries may be nil.
type MonitorDeps struct {
	Tracker    RequestTracker
	Supervisor CheckSupervisor
	Providers  ProviderHealth
	Events     EventStore
	Queries    QueryCache
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// MonitorHandler serves the /v1/monitor endpoints.
type MonitorHandler struct {
	deps MonitorDeps
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(deps MonitorDeps) *MonitorHandler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &MonitorHandler{deps: deps}
}

// ListRequests handles GET /v1/monitor/requests.
func (h *MonitorHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	active := h.deps.Tracker.ListActive()
	now := h.deps.Clock.Now()

	out := models.ActiveRequestList{Count: len(active), Requests: make([]models.ActiveRequest, 0, len(active))}
	for _, req := range active {
		out.Requests = append(out.Requests, models.ActiveRequest{
			ID:        req.ID,
			Method:    req.Method,
			URL:       req.URL,
			StartedAt: models.Timestamp(req.StartedAt),
			AgeMs:     now.Sub(req.StartedAt).Milliseconds(),
		})
	}
	response.JSON(w, r, http.StatusOK, out)
}

// ResetRequests handles POST /v1/monitor/requests/reset.
func (h *MonitorHandler) ResetRequests(w http.ResponseWriter, r *http.Request) {
	dropped := len(h.deps.Tracker.ListActive())
	h.deps.Tracker.Reset()
	h.deps.Logger.Warn().
		Str("subject", middleware.GetSubject(r.Context())).
		Int("dropped", dropped).
		Msg("tracker reset through admin api")
	response.NoContent(w, r)
}

// ListChecks handles GET /v1/monitor/checks.
func (h *MonitorHandler) ListChecks(w http.ResponseWriter, r *http.Request) {
	sup := h.deps.Supervisor
	memory := sup.MemorySnapshot()
	infos := sup.Checks()

	out := models.CheckList{
		State:  string(sup.State()),
		Cycles: sup.Cycles(),
		Checks: make([]models.Check, 0, len(infos)),
	}
	for _, c := range infos {
		check := models.Check{
			ID:       c.ID,
			Message:  c.Message,
			Lifetime: c.Lifetime.String(),
			Metadata: c.Metadata,
		}
		if m, ok := memory[c.ID]; ok {
			check.Failures = m.Count
			check.LastFailure = models.TimestampPtr(&m.LastFailure)
		}
		out.Checks = append(out.Checks, check)
	}
	response.JSON(w, r, http.StatusOK, out)
}

// RunChecks handles POST /v1/monitor/checks/run by executing one pass synchronously.
func (h *MonitorHandler) RunChecks(w http.ResponseWriter, r *http.Request) {
	if h.deps.Supervisor.State() == supervisor.StateStopped {
		response.ServiceUnavailable(w, r, "supervisor is stopped")
		return
	}

	report := h.deps.Supervisor.RunOnce(r.Context())
	h.deps.Logger.Info().
		Str("subject", middleware.GetSubject(r.Context())).
		Int("checked", report.Checked).
		Strs("failed", report.Failed).
		Strs("escalated", report.Escalated).
		Msg("check pass run through admin api")

	response.JSON(w, r, http.StatusOK, models.CheckRun{
		Checked:   report.Checked,
		Failed:    nonNil(report.Failed),
		Escalated: nonNil(report.Escalated),
	})
}

// ListProviders handles GET /v1/monitor/providers.
func (h *MonitorHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	health := h.deps.Providers.AllHealth()
	out := models.ProviderList{Providers: make([]models.Provider, 0, len(health))}
	for _, p := range health {
		status := models.HealthStatusOK
		switch {
		case p.IsUnhealthy():
			status = models.HealthStatusFail
		case p.IsDegraded():
			status = models.HealthStatusDegraded
		}
		out.Providers = append(out.Providers, models.Provider{
			Name:          p.Name,
			Status:        status,
			CircuitState:  p.State,
			Requests:      p.Counts.Requests,
			Failures:      p.Counts.TotalFailures,
			LastSuccessAt: models.TimestampPtr(p.LastSuccessAt),
			LastFailureAt: models.TimestampPtr(p.LastFailureAt),
			LastError:     p.LastError,
		})
	}
	response.JSON(w, r, http.StatusOK, out)
}

// ListEvents handles GET /v1/monitor/events?limit=N.
func (h *MonitorHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		response.ServiceUnavailable(w, r, "event persistence is disabled")
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			response.BadRequest(w, r, "invalid limit", []models.FieldError{{
				Field:   "limit",
				Message: "must be an integer between 1 and " + strconv.Itoa(maxEventLimit),
				Code:    "out_of_range",
			}})
			return
		}
		limit = n
	}

	stored, err := h.deps.Events.Recent(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error().Err(err).Msg("failed to load recent events")
		response.InternalError(w, r, "failed to load events")
		return
	}

	out := models.EventList{Events: make([]models.StoredEvent, 0, len(stored))}
	for _, ev := range stored {
		out.Events = append(out.Events, models.StoredEvent{
			ID:        ev.ID,
			Type:      string(ev.Type),
			Severity:  string(ev.Severity),
			Subject:   ev.Subject,
			Summary:   ev.Summary,
			Payload:   ev.Payload,
			CreatedAt: models.Timestamp(ev.CreatedAt),
		})
	}
	response.JSON(w, r, http.StatusOK, out)
}

// ListQueries handles GET /v1/monitor/queries.
func (h *MonitorHandler) ListQueries(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queries == nil {
		response.JSON(w, r, http.StatusOK, models.QueryList{Queries: []models.Query{}})
		return
	}

	entries := h.deps.Queries.Entries()
	out := models.QueryList{Queries: make([]models.Query, 0, len(entries))}
	for _, e := range entries {
		out.Queries = append(out.Queries, models.Query{
			Key:               e.Key,
			StaleAfterSeconds: int64(e.StaleAfter.Seconds()),
			FetchedAt:         models.TimestampPtr(e.FetchedAt),
			Stale:             e.Stale,
			LastError:         e.LastError,
		})
	}
	response.JSON(w, r, http.StatusOK, out)
}

// GetQuery handles GET /v1/monitor/queries/{key}. A stale result is
// refetched first; when that fails the previous result is served.
func (h *MonitorHandler) GetQuery(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if h.deps.Queries == nil {
		response.NotFound(w, r, "unknown query "+key)
		return
	}

	value, err := h.deps.Queries.Get(r.Context(), key)
	switch {
	case errors.Is(err, querycache.ErrUnknownQuery):
		response.NotFound(w, r, "unknown query "+key)
		return
	case err != nil:
		h.deps.Logger.Warn().Err(err).Str("query", key).Msg("query fetch failed")
		response.BadGateway(w, r, "backend query failed")
		return
	}

	response.JSON(w, r, http.StatusOK, models.QueryResult{
		Key:   key,
		Stale: h.deps.Queries.Stale(key),
		Value: value,
	})
}

// InvalidateQuery handles POST /v1/monitor/queries/{key}/invalidate.
func (h *MonitorHandler) InvalidateQuery(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if h.deps.Queries == nil {
		response.NotFound(w, r, "unknown query "+key)
		return
	}

	if err := h.deps.Queries.Invalidate(key); err != nil {
		response.NotFound(w, r, "unknown query "+key)
		return
	}
	h.deps.Logger.Info().
		Str("subject", middleware.GetSubject(r.Context())).
		Str("query", key).
		Msg("query invalidated through admin api")
	response.NoContent(w, r)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
