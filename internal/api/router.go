// Package api provides the diagnostics HTTP API of the monitor daemon.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/crustclub/crustclub/internal/api/handler"
	"github.com/crustclub/crustclub/internal/api/middleware"
	"github.com/crustclub/crustclub/internal/auth"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger
	Clock     clockwork.Clock

	// Tracer defaults to a no-op tracer.
	Tracer  trace.Tracer
	Metrics *middleware.Metrics

	// Tokens guards the admin endpoints; nil disables them.
	Tokens *auth.TokenService

	Tracker    handler.RequestTracker
	Supervisor handler.CheckSupervisor
	Providers  handler.ProviderHealth
	Events     handler.EventStore
	Queries    handler.QueryCache
}

// NewRouter creates the chi router with every diagnostics route.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(cfg.Tracer))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)

	ops := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Supervisor, cfg.Clock)
	monitor := handler.NewMonitorHandler(handler.MonitorDeps{
		Tracker:    cfg.Tracker,
		Supervisor: cfg.Supervisor,
		Providers:  cfg.Providers,
		Events:     cfg.Events,
		Queries:    cfg.Queries,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})

	admin := middleware.AdminAuth(cfg.Tokens)

	r.Get("/healthz", ops.HealthCheck)
	r.Get("/readyz", ops.ReadinessCheck)

	r.Route("/v1/monitor", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(middleware.StandardRateLimit))

		r.Get("/requests", monitor.ListRequests)
		r.Get("/checks", monitor.ListChecks)
		r.Get("/providers", monitor.ListProviders)
		r.Get("/events", monitor.ListEvents)
		r.Get("/queries", monitor.ListQueries)
		r.Get("/queries/{key}", monitor.GetQuery)

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Use(middleware.RateLimitBySubject(middleware.AdminRateLimit))
			r.Post("/requests/reset", monitor.ResetRequests)
			r.Post("/checks/run", monitor.RunChecks)
			r.Post("/queries/{key}/invalidate", monitor.InvalidateQuery)
		})
	})

	return r
}
