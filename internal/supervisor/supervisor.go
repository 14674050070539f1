// Package supervisor runs registered validation checks on a schedule and
// escalates checks that keep failing.
//
// A check failing EscalationThreshold times with no gap longer than
// DecayWindow between consecutive failures escalates: its corrective action
// runs and its streak starts over. Successful evaluations leave a streak
// untouched; only the decay window ends one. Every failure is reported to the
// event sink whether or not it escalated.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/crustclub/crustclub/internal/event"
	"github.com/crustclub/crustclub/internal/schedule"
)

// State is the scheduling phase of the supervisor.
type State string

const (
	// StateIdle is the phase before Start.
	StateIdle State = "idle"
	// StateIntensive runs frequent passes for a fixed number of cycles.
	StateIntensive State = "intensive"
	// StateRegular runs infrequent passes until Stop.
	StateRegular State = "regular"
	// StateStopped is reached through Stop only.
	StateStopped State = "stopped"
)

// Config holds the escalation and scheduling parameters.
type Config struct {
	// DecayWindow is the longest gap between failures that keeps a streak alive.
	// Default: 5 minutes
	DecayWindow time.Duration

	// EscalationThreshold is the streak length that triggers escalation.
	// Default: 3
	EscalationThreshold int

	// IntensiveInterval is the pass interval right after Start.
	// Default: 30 seconds
	IntensiveInterval time.Duration

	// IntensiveCycles is the number of intensive passes before switching to
	// the regular interval.
	// Default: 10
	IntensiveCycles int

	// RegularInterval is the steady-state pass interval.
	// Default: 30 minutes
	RegularInterval time.Duration
}

// DefaultConfig returns the default escalation and scheduling parameters.
func DefaultConfig() Config {
	return Config{
		DecayWindow:         5 * time.Minute,
		EscalationThreshold: 3,
		IntensiveInterval:   30 * time.Second,
		IntensiveCycles:     10,
		RegularInterval:     30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DecayWindow <= 0 {
		c.DecayWindow = d.DecayWindow
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = d.EscalationThreshold
	}
	if c.IntensiveInterval <= 0 {
		c.IntensiveInterval = d.IntensiveInterval
	}
	if c.IntensiveCycles <= 0 {
		c.IntensiveCycles = d.IntensiveCycles
	}
	if c.RegularInterval <= 0 {
		c.RegularInterval = d.RegularInterval
	}
	return c
}

type entry struct {
	seq   uint64
	check Check
}

// Supervisor owns the check registry and the failure memory.
type Supervisor struct {
	cfg       Config
	sink      event.Sink
	sched     schedule.Scheduler
	clock     clockwork.Clock
	logger    zerolog.Logger
	escalator Escalator

	mu             sync.Mutex
	entries        []entry
	nextSeq        uint64
	memory         map[string]*FailureMemory
	state          State
	intensiveRuns  int
	cycles         int
	cancelSchedule func()
	runCtx         context.Context
	cancelRun      context.CancelFunc

	// passMu keeps validation passes from overlapping.
	passMu sync.Mutex
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the time source for failure timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the supervisor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithEscalator sets the corrective action for checks without a Remedy.
func WithEscalator(e Escalator) Option {
	return func(s *Supervisor) { s.escalator = e }
}

// New creates a supervisor. Passes are scheduled on sched once Start is called.
func New(cfg Config, sink event.Sink, sched schedule.Scheduler, opts ...Option) *Supervisor {
	if sink == nil {
		sink = event.Discard
	}

	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		sink:   sink,
		sched:  sched,
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
		memory: make(map[string]*FailureMemory),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = schedule.NewClock(s.clock)
	}
	return s
}

// Register appends c to the registry. Duplicate ids are allowed; both checks
// run and share one failure streak.
func (s *Supervisor) Register(c Check) error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidCheck)
	}
	if c.Predicate == nil {
		return fmt.Errorf("%w: %s has no predicate", ErrInvalidCheck, c.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	s.entries = append(s.entries, entry{seq: s.nextSeq, check: c})
	return nil
}

// Unregister removes every check with the given id and returns how many were
// removed. The id's failure streak is kept until it decays.
func (s *Supervisor) Unregister(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.check.ID == id {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed
}

// Checks returns the registered checks in registration order.
func (s *Supervisor) Checks() []CheckInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CheckInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.check.info())
	}
	return out
}

// Memory returns the failure streak of id, if one is open.
func (s *Supervisor) Memory(id string) (FailureMemory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memory[id]
	if !ok {
		return FailureMemory{}, false
	}
	return *m, true
}

// MemorySnapshot returns every open failure streak.
func (s *Supervisor) MemorySnapshot() map[string]FailureMemory {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]FailureMemory, len(s.memory))
	for id, m := range s.memory {
		out[id] = *m
	}
	return out
}

// State returns the current scheduling phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycles returns the number of scheduled passes run since Start.
func (s *Supervisor) Cycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// RunOnce evaluates every registered check in registration order, one at a
// time. It never panics and never returns an error: predicate failures,
// errors and panics all become check-failure events.
func (s *Supervisor) RunOnce(ctx context.Context) Report {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	entries := make([]entry, len(s.entries))
	copy(entries, s.entries)
	runCtx := s.runCtx
	s.mu.Unlock()

	// Passes requested from outside the schedule end with Stop as well.
	if runCtx != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(runCtx, cancel)()
	}

	var report Report
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}

		ok, cause := s.evaluate(ctx, e.check)
		if e.check.Lifetime == OneShot {
			s.remove(e.seq)
		}
		// A pass interrupted by Stop must not record failures.
		if ctx.Err() != nil {
			break
		}

		if ok {
			report.Checked++
			continue
		}

		recorded, escalated := s.fail(ctx, e.check, cause)
		if !recorded {
			break
		}
		report.Checked++
		report.Failed = append(report.Failed, e.check.ID)
		if escalated {
			report.Escalated = append(report.Escalated, e.check.ID)
		}
	}

	s.logger.Debug().
		Int("checked", report.Checked).
		Int("failed", len(report.Failed)).
		Int("escalated", len(report.Escalated)).
		Msg("validation pass completed")

	return report
}

func (s *Supervisor) evaluate(ctx context.Context, c Check) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()

	ok, err = c.Predicate(ctx)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *Supervisor) remove(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.seq == seq {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// fail records a failure of c and reports it. Nothing is recorded once the
// supervisor is stopped.
func (s *Supervisor) fail(ctx context.Context, c Check, cause error) (recorded, escalated bool) {
	now := s.clock.Now()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return false, false
	}
	m, ok := s.memory[c.ID]
	switch {
	case !ok:
		m = &FailureMemory{Count: 1}
		s.memory[c.ID] = m
	case now.Sub(m.LastFailure) > s.cfg.DecayWindow:
		m.Count = 1
	default:
		m.Count++
	}
	m.LastFailure = now
	count := m.Count
	escalated = count >= s.cfg.EscalationThreshold
	if escalated {
		delete(s.memory, c.ID)
	}
	s.mu.Unlock()

	ev := event.CheckFailure{
		CheckID:   c.ID,
		Message:   c.Message,
		Metadata:  c.Metadata,
		Count:     count,
		Escalated: escalated,
		At:        now,
	}
	if cause != nil {
		ev.Cause = cause.Error()
	}

	if escalated {
		s.logger.Warn().
			Str("check_id", c.ID).
			Int("count", count).
			Msg("check escalated")
		if err := s.remedy(ctx, c); err != nil {
			ev.RemedyErr = err.Error()
			s.logger.Error().Err(err).Str("check_id", c.ID).Msg("corrective action failed")
		}
	}

	event.Dispatch(ctx, s.sink, ev, s.logger)
	return true, escalated
}

func (s *Supervisor) remedy(ctx context.Context, c Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrective action panicked: %v", r)
		}
	}()

	switch {
	case c.Remedy != nil:
		return c.Remedy(ctx)
	case s.escalator != nil:
		return s.escalator.Escalate(ctx, c.info())
	default:
		return nil
	}
}
