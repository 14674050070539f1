// Package main provides the entrypoint for the crustclub monitor daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/crustclub/crustclub/internal/api"
	"github.com/crustclub/crustclub/internal/api/handler"
	"github.com/crustclub/crustclub/internal/api/middleware"
	"github.com/crustclub/crustclub/internal/auth"
	"github.com/crustclub/crustclub/internal/backend"
	"github.com/crustclub/crustclub/internal/checks"
	"github.com/crustclub/crustclub/internal/config"
	"github.com/crustclub/crustclub/internal/database"
	"github.com/crustclub/crustclub/internal/event"
	"github.com/crustclub/crustclub/internal/event/sinks"
	"github.com/crustclub/crustclub/internal/provider/resilience"
	"github.com/crustclub/crustclub/internal/querycache"
	"github.com/crustclub/crustclub/internal/supervisor"
	"github.com/crustclub/crustclub/internal/telemetry"
	"github.com/crustclub/crustclub/internal/tracker"
	"github.com/crustclub/crustclub/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	serviceName = "crustclub-monitord"

	// recentEventLimit bounds the in-memory event history served when
	// Postgres persistence is unavailable.
	recentEventLimit = 500
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("monitor daemon failed")
	}
}

// closer runs on shutdown in reverse registration order.
type closer func(ctx context.Context)

func run(log zerolog.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil {
		log = log.Level(level)
	}
	log.Info().Str("build_time", BuildTime).Str("env", cfg.App.Env).Msg("starting monitor daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](shutdownCtx)
		}
	}()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.App.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	closers = append(closers, func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	})

	clock := clockwork.NewRealClock()
	minSeverity := event.Severity(cfg.PubSub.MinSeverity)

	metricsSink, err := sinks.NewMetrics(tp.Meters())
	if err != nil {
		return fmt.Errorf("initializing event metrics: %w", err)
	}
	eventSinks := []event.Sink{sinks.NewLog(log), metricsSink}

	// Optional dependencies that fail at startup are reported as one-shot
	// incidents on the first pass.
	var incidents []supervisor.Check

	var eventStore handler.EventStore
	var pinger checks.Pinger
	if cfg.Database.Enabled {
		dbConfig := database.ConfigFromEnv()
		pool, err := database.Connect(ctx, dbConfig)
		if err != nil {
			log.Error().Err(err).Msg("database unavailable, event persistence disabled")
			incidents = append(incidents, checks.Incident("db-connect", "Database connection failed at startup", err))
		} else {
			closers = append(closers, func(context.Context) { pool.Close() })
			if err := database.EnsureSchema(ctx, pool); err != nil {
				return fmt.Errorf("ensuring schema: %w", err)
			}
			store := sinks.NewPostgres(pool, minSeverity)
			eventSinks = append(eventSinks, store)
			eventStore = store
			pinger = pool
			log.Info().Str("host", dbConfig.Host).Str("database", dbConfig.Database).Msg("database connected")
		}
	}
	if eventStore == nil {
		recent := sinks.NewRecorder(recentEventLimit)
		eventSinks = append(eventSinks, recent)
		eventStore = recent
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.AlertTopic != "" {
		publisher, err := sinks.NewTopicPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.AlertTopic)
		if err != nil {
			return fmt.Errorf("creating alert publisher: %w", err)
		}
		closers = append(closers, func(context.Context) { _ = publisher.Close() })
		eventSinks = append(eventSinks, sinks.NewPubSub(publisher, minSeverity))
		log.Info().Str("topic", cfg.PubSub.AlertTopic).Msg("alert publication enabled")
	}
	queue := event.NewQueue(event.Fanout(eventSinks...), event.QueueConfig{
		Size:            cfg.Monitor.EventQueueSize,
		DeliveryTimeout: cfg.Monitor.EventDeliveryTimeout,
	}, log)
	closers = append(closers, func(ctx context.Context) {
		if err := queue.Close(ctx); err != nil {
			log.Warn().Err(err).Int("pending", queue.Pending()).Msg("undelivered events dropped at shutdown")
		}
		if dropped := queue.Dropped(); dropped > 0 {
			log.Warn().Int64("dropped", dropped).Msg("events dropped on a full queue")
		}
	})
	var sink event.Sink = queue

	registry := resilience.NewRegistry(clock)
	transportCfg := resilience.DefaultConfig("backend")
	transportCfg.MaxRetries = cfg.Backend.MaxRetries
	transportCfg.Registry = registry
	transportCfg.Logger = log
	transport := resilience.NewTransport(transportCfg, &http.Client{})

	requests := tracker.New(tracker.Config{
		Timeout:       cfg.Monitor.Timeout,
		SlowThreshold: cfg.Monitor.SlowThreshold,
	}, transport, sink,
		tracker.WithClock(clock),
		tracker.WithLogger(log),
		tracker.WithTracer(tp.Tracer),
	)

	cache := querycache.New(querycache.Config{Logger: log, Clock: clock})

	sup := supervisor.New(supervisor.Config{
		DecayWindow:         cfg.Monitor.DecayWindow,
		EscalationThreshold: cfg.Monitor.EscalationThreshold,
		IntensiveInterval:   cfg.Monitor.IntensiveInterval,
		IntensiveCycles:     cfg.Monitor.IntensiveCycles,
		RegularInterval:     cfg.Monitor.RegularInterval,
	}, sink, nil,
		supervisor.WithClock(clock),
		supervisor.WithLogger(log),
		supervisor.WithEscalator(supervisor.EscalatorFunc(func(_ context.Context, c supervisor.CheckInfo) error {
			log.Error().Str("check", c.ID).Str("message", c.Message).Msg("check escalated without remedy")
			return nil
		})),
	)

	monitored := registerChecks(cfg, requests, registry, cache, pinger, clock, log, &closers)
	monitored = append(monitored, incidents...)
	for _, c := range monitored {
		if err := sup.Register(c); err != nil {
			return fmt.Errorf("registering check: %w", err)
		}
	}

	sup.Start(ctx)
	closers = append(closers, func(context.Context) { sup.Stop() })
	log.Info().Int("checks", len(monitored)).Msg("supervisor started")

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.CommandSubscription != "" {
		listenerCfg := worker.DefaultListenerConfig(cfg.PubSub.ProjectID, cfg.PubSub.CommandSubscription)
		listenerCfg.Logger = log
		listenerCfg.Dispatcher = worker.NewDispatcher(worker.DispatcherConfig{
			Checks:  sup,
			Tracker: requests,
			Queries: cache,
			Logger:  log,
		})
		listener, err := worker.NewCommandListener(ctx, listenerCfg)
		if err != nil {
			return fmt.Errorf("creating command listener: %w", err)
		}
		closers = append(closers, func(context.Context) { _ = listener.Close() })
		go func() {
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("command listener stopped")
			}
		}()
	}

	var tokens *auth.TokenService
	if cfg.Admin.JWTSigningKey != "" {
		tokens, err = auth.NewTokenService(auth.TokenConfig{SigningKey: cfg.Admin.JWTSigningKey})
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
	} else {
		log.Warn().Msg("ADMIN_JWT_SIGNING_KEY not set, admin endpoints disabled")
	}

	httpMetrics, err := middleware.NewMetrics(tp.Meters())
	if err != nil {
		return fmt.Errorf("initializing http metrics: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Version:    Version,
		BuildTime:  BuildTime,
		Logger:     log,
		Clock:      clock,
		Tracer:     tp.Tracer,
		Metrics:    httpMetrics,
		Tokens:     tokens,
		Tracker:    requests,
		Supervisor: sup,
		Providers:  registry,
		Events:     eventStore,
		Queries:    cache,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// registerChecks builds the permanent checks described by cfg.
func registerChecks(
	cfg config.Config,
	requests *tracker.Tracker,
	registry *resilience.Registry,
	cache *querycache.Cache,
	pinger checks.Pinger,
	clock clockwork.Clock,
	log zerolog.Logger,
	closers *[]closer,
) []supervisor.Check {
	var out []supervisor.Check

	for _, e := range cfg.Endpoints {
		msg := e.Message
		if msg == "" {
			msg = "Endpoint " + e.ID + " is not healthy"
		}
		out = append(out, checks.HTTPEndpoint(e.ID, msg, e.URL, requests))
	}

	if pinger != nil {
		out = append(out, checks.PostgresPing(pinger))
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		*closers = append(*closers, func(context.Context) { _ = rdb.Close() })
		out = append(out, checks.RedisPing(rdb))
	}

	if cfg.Backend.URL != "" {
		client, err := backend.New(backend.Config{
			BaseURL:    cfg.Backend.URL,
			APIKey:     cfg.Backend.APIKey,
			HTTPClient: requests,
			Logger:     log,
		})
		if err != nil {
			out = append(out, checks.Incident("backend-config", "Backend client could not be created", err))
		} else {
			for _, q := range cfg.Queries {
				if err := cache.Register(q.Key, q.StaleAfter, client.Query(q.Path)); err != nil {
					log.Warn().Err(err).Str("query", q.Key).Msg("skipping query")
				}
			}
			if len(cfg.Queries) > 0 {
				out = append(out, checks.QueryFreshness(cache))
			}
		}
		for _, name := range registry.Names() {
			out = append(out, checks.CircuitClosed(registry, name))
		}
	}

	out = append(out, checks.ActiveBacklog(requests, checks.BacklogConfig{
		MaxInFlight: cfg.Backlog.MaxInFlight,
		MaxAge:      cfg.Backlog.MaxAge,
		Clock:       clock,
	}))

	return out
}
