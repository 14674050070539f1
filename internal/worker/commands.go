package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crustclub/crustclub/internal/supervisor"
)

// Command types accepted by the dispatcher.
const (
	CommandRunChecks      = "run_checks"
	CommandResetTracker   = "reset_tracker"
	CommandRefreshQueries = "refresh_queries"
)

var (
	// ErrUnknownCommand is returned for command types the dispatcher does not handle.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMalformedCommand is returned when a message is not a valid command.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrUnsupportedCommand is returned when the collaborator a command needs
	// is not configured.
	ErrUnsupportedCommand = errors.New("command not supported by this deployment")

	// ErrSupervisorStopped is returned for run_checks once the supervisor has
	// been stopped. The message is nacked so another instance can take it.
	ErrSupervisorStopped = errors.New("health supervisor stopped")
)

// Command is the JSON message operators publish.
type Command struct {
	Type string `json:"type"`
}

// CheckRunner is satisfied by *supervisor.Supervisor.
type CheckRunner interface {
	RunOnce(ctx context.Context) supervisor.Report
	State() supervisor.State
}

// TrackerResetter is satisfied by *tracker.Tracker.
type TrackerResetter interface {
	Reset()
}

// QueryRefresher is satisfied by *querycache.Cache.
type QueryRefresher interface {
	RefetchStale(ctx context.Context) error
}

// DispatcherConfig holds the collaborators commands act on. Nil collaborators
// make the matching commands fail with ErrUnsupportedCommand.
type DispatcherConfig struct {
	Checks  CheckRunner
	Tracker TrackerResetter
	Queries QueryRefresher
	Logger  zerolog.Logger
}

// Dispatcher applies commands to the monitor.
type Dispatcher struct {
	checks  CheckRunner
	tracker TrackerResetter
	queries QueryRefresher
	logger  zerolog.Logger

	stats *Stats
}

// Stats counts handled commands.
type Stats struct {
	mu sync.RWMutex

	Handled       int64
	Failed        int64
	ByType        map[string]int64
	LastCommandAt time.Time
}

// StatsSnapshot is a copy of Stats safe to read without locking.
type StatsSnapshot struct {
	Handled       int64            `json:"handled"`
	Failed        int64            `json:"failed"`
	ByType        map[string]int64 `json:"byType"`
	LastCommandAt time.Time        `json:"lastCommandAt"`
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		checks:  cfg.Checks,
		tracker: cfg.Tracker,
		queries: cfg.Queries,
		logger:  cfg.Logger,
		stats:   &Stats{ByType: make(map[string]int64)},
	}
}

// Handle decodes data as a Command and applies it.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if cmd.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedCommand)
	}

	err := d.apply(ctx, cmd)
	d.record(cmd.Type, err)
	return err
}

func (d *Dispatcher) apply(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandRunChecks:
		if d.checks == nil {
			return fmt.Errorf("%s: %w", cmd.Type, ErrUnsupportedCommand)
		}
		if d.checks.State() == supervisor.StateStopped {
			return fmt.Errorf("%s: %w", cmd.Type, ErrSupervisorStopped)
		}
		report := d.checks.RunOnce(ctx)
		d.logger.Info().
			Int("checked", report.Checked).
			Strs("failed", report.Failed).
			Strs("escalated", report.Escalated).
			Msg("validation pass requested by operator")
		return nil

	case CommandResetTracker:
		if d.tracker == nil {
			return fmt.Errorf("%s: %w", cmd.Type, ErrUnsupportedCommand)
		}
		d.tracker.Reset()
		d.logger.Info().Msg("request tracker reset by operator")
		return nil

	case CommandRefreshQueries:
		if d.queries == nil {
			return fmt.Errorf("%s: %w", cmd.Type, ErrUnsupportedCommand)
		}
		if err := d.queries.RefetchStale(ctx); err != nil {
			return fmt.Errorf("refreshing queries: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

func (d *Dispatcher) record(commandType string, err error) {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()

	d.stats.Handled++
	if err != nil {
		d.stats.Failed++
	}
	d.stats.ByType[commandType]++
	d.stats.LastCommandAt = time.Now()
}

// Stats returns a snapshot of the command counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	d.stats.mu.RLock()
	defer d.stats.mu.RUnlock()

	byType := make(map[string]int64, len(d.stats.ByType))
	for k, v := range d.stats.ByType {
		byType[k] = v
	}
	return StatsSnapshot{
		Handled:       d.stats.Handled,
		Failed:        d.stats.Failed,
		ByType:        byType,
		LastCommandAt: d.stats.LastCommandAt,
	}
}

// permanent reports whether redelivering the message cannot help.
func permanent(err error) bool {
	return errors.Is(err, ErrMalformedCommand) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrUnsupportedCommand)
}
