package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crustclub/crustclub/internal/event"
	"github.com/crustclub/crustclub/internal/event/sinks"
	"github.com/crustclub/crustclub/internal/schedule"
	"github.com/crustclub/crustclub/internal/supervisor"
)

type harness struct {
	sup      *supervisor.Supervisor
	sched    *schedule.Virtual
	recorder *sinks.Recorder
}

func newHarness(t *testing.T, opts ...supervisor.Option) *harness {
	t.Helper()
	sched := schedule.NewVirtual(nil)
	rec := sinks.NewRecorder(0)
	opts = append([]supervisor.Option{supervisor.WithClock(sched.Clock())}, opts...)
	return &harness{
		sup:      supervisor.New(supervisor.DefaultConfig(), rec, sched, opts...),
		sched:    sched,
		recorder: rec,
	}
}

// tick moves the clock without running scheduled passes.
func (h *harness) tick(d time.Duration) {
	h.sched.Clock().Advance(d)
}

func always(result bool) supervisor.Predicate {
	return func(context.Context) (bool, error) { return result, nil }
}

func counting(n *atomic.Int32, result bool) supervisor.Predicate {
	return func(context.Context) (bool, error) {
		n.Add(1)
		return result, nil
	}
}

func counts(failures []event.CheckFailure) []int {
	out := make([]int, 0, len(failures))
	for _, f := range failures {
		out = append(out, f.Count)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := supervisor.DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.DecayWindow)
	assert.Equal(t, 3, cfg.EscalationThreshold)
	assert.Equal(t, 30*time.Second, cfg.IntensiveInterval)
	assert.Equal(t, 10, cfg.IntensiveCycles)
	assert.Equal(t, 30*time.Minute, cfg.RegularInterval)
}

func TestRegister_RejectsInvalidChecks(t *testing.T) {
	h := newHarness(t)

	err := h.sup.Register(supervisor.Check{Predicate: always(true)})
	assert.ErrorIs(t, err, supervisor.ErrInvalidCheck)

	err = h.sup.Register(supervisor.Check{ID: "no-predicate"})
	assert.ErrorIs(t, err, supervisor.ErrInvalidCheck)

	assert.Empty(t, h.sup.Checks())
}

func TestRunOnce_EscalatesAtThreshold(t *testing.T) {
	var remedies atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID:        "db-ping",
		Message:   "database unreachable",
		Metadata:  map[string]any{"component": "postgres"},
		Predicate: always(false),
		Remedy: func(context.Context) error {
			remedies.Add(1)
			return nil
		},
	}))

	for i := 0; i < 3; i++ {
		h.sup.RunOnce(context.Background())
		h.tick(300 * time.Millisecond)
	}

	failures := h.recorder.Failures("db-ping")
	require.Len(t, failures, 3)
	assert.Equal(t, []int{1, 2, 3}, counts(failures))
	assert.False(t, failures[0].Escalated)
	assert.False(t, failures[1].Escalated)
	assert.True(t, failures[2].Escalated)
	assert.Equal(t, "database unreachable", failures[2].Message)
	assert.Equal(t, "postgres", failures[2].Metadata["component"])
	assert.Equal(t, int32(1), remedies.Load())

	_, open := h.sup.Memory("db-ping")
	assert.False(t, open, "escalation clears the streak")

	h.sup.RunOnce(context.Background())

	mem, open := h.sup.Memory("db-ping")
	require.True(t, open)
	assert.Equal(t, 1, mem.Count)
	assert.Equal(t, int32(1), remedies.Load())
}

func TestRunOnce_FailuresWithinWindowAccumulate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "flaky", Predicate: always(false)}))

	h.sup.RunOnce(context.Background())
	h.tick(4 * time.Minute)
	h.sup.RunOnce(context.Background())

	mem, ok := h.sup.Memory("flaky")
	require.True(t, ok)
	assert.Equal(t, 2, mem.Count)
	assert.Equal(t, h.sched.Clock().Now(), mem.LastFailure)
}

func TestRunOnce_StreakDecays(t *testing.T) {
	var healthy atomic.Bool
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID: "flaky",
		Predicate: func(context.Context) (bool, error) {
			return healthy.Load(), nil
		},
	}))

	h.sup.RunOnce(context.Background())

	healthy.Store(true)
	h.tick(time.Minute)
	h.sup.RunOnce(context.Background())

	healthy.Store(false)
	h.tick(5*time.Minute + time.Second)
	h.sup.RunOnce(context.Background())

	mem, ok := h.sup.Memory("flaky")
	require.True(t, ok)
	assert.Equal(t, 1, mem.Count)
	assert.Equal(t, []int{1, 1}, counts(h.recorder.Failures("flaky")))
}

func TestRunOnce_SuccessKeepsStreak(t *testing.T) {
	var healthy atomic.Bool
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID: "flaky",
		Predicate: func(context.Context) (bool, error) {
			return healthy.Load(), nil
		},
	}))

	h.sup.RunOnce(context.Background())
	healthy.Store(true)
	h.sup.RunOnce(context.Background())
	healthy.Store(false)
	h.sup.RunOnce(context.Background())

	mem, ok := h.sup.Memory("flaky")
	require.True(t, ok)
	assert.Equal(t, 2, mem.Count)
}

func TestRunOnce_HealthyCheckNeverReports(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "cache-health", Predicate: always(true)}))

	for i := 0; i < 20; i++ {
		report := h.sup.RunOnce(context.Background())
		assert.Equal(t, 1, report.Checked)
		assert.Empty(t, report.Failed)
	}

	assert.Zero(t, h.recorder.Len())
	assert.Empty(t, h.sup.MemorySnapshot())
}

func TestRunOnce_ErrorsAndPanicsAreFailures(t *testing.T) {
	var order []string
	h := newHarness(t)

	require.NoError(t, h.sup.Register(supervisor.Check{
		ID: "erroring",
		Predicate: func(context.Context) (bool, error) {
			order = append(order, "erroring")
			return true, errors.New("lookup failed")
		},
	}))
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID: "panicking",
		Predicate: func(context.Context) (bool, error) {
			order = append(order, "panicking")
			panic("boom")
		},
	}))
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID: "healthy",
		Predicate: func(context.Context) (bool, error) {
			order = append(order, "healthy")
			return true, nil
		},
	}))

	var report supervisor.Report
	require.NotPanics(t, func() { report = h.sup.RunOnce(context.Background()) })

	assert.Equal(t, []string{"erroring", "panicking", "healthy"}, order)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, []string{"erroring", "panicking"}, report.Failed)

	erroring := h.recorder.Failures("erroring")
	require.Len(t, erroring, 1)
	assert.Equal(t, "lookup failed", erroring[0].Cause)

	panicking := h.recorder.Failures("panicking")
	require.Len(t, panicking, 1)
	assert.Contains(t, panicking[0].Cause, "boom")
}

func TestRunOnce_EvaluatesSequentially(t *testing.T) {
	var running, maxRunning atomic.Int32
	h := newHarness(t)

	slow := func(context.Context) (bool, error) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return true, nil
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, h.sup.Register(supervisor.Check{ID: id, Predicate: slow}))
	}

	h.sup.RunOnce(context.Background())
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestRunOnce_OneShotCheckIsRemoved(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "permanent", Predicate: always(true)}))
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID:        "incident",
		Lifetime:  supervisor.OneShot,
		Predicate: counting(&calls, false),
	}))
	require.Len(t, h.sup.Checks(), 2)

	h.sup.RunOnce(context.Background())
	h.sup.RunOnce(context.Background())

	assert.Equal(t, int32(1), calls.Load())
	checks := h.sup.Checks()
	require.Len(t, checks, 1)
	assert.Equal(t, "permanent", checks[0].ID)
	assert.Len(t, h.recorder.Failures("incident"), 1)
}

func TestRunOnce_DuplicateIDsShareStreak(t *testing.T) {
	var first, second atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "dup", Predicate: counting(&first, false)}))
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "dup", Predicate: counting(&second, false)}))

	h.sup.RunOnce(context.Background())

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), second.Load())
	mem, ok := h.sup.Memory("dup")
	require.True(t, ok)
	assert.Equal(t, 2, mem.Count)

	assert.Equal(t, 2, h.sup.Unregister("dup"))
	assert.Empty(t, h.sup.Checks())
}

func TestRunOnce_FallsBackToEscalator(t *testing.T) {
	var escalated []string
	h := newHarness(t, supervisor.WithEscalator(supervisor.EscalatorFunc(
		func(_ context.Context, c supervisor.CheckInfo) error {
			escalated = append(escalated, c.ID)
			return errors.New("pager unavailable")
		},
	)))
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "queue-depth", Predicate: always(false)}))

	var report supervisor.Report
	for i := 0; i < 3; i++ {
		report = h.sup.RunOnce(context.Background())
	}

	assert.Equal(t, []string{"queue-depth"}, escalated)
	assert.Equal(t, []string{"queue-depth"}, report.Escalated)

	failures := h.recorder.Failures("queue-depth")
	require.Len(t, failures, 3)
	assert.Equal(t, "pager unavailable", failures[2].RemedyErr)
	assert.Equal(t, event.SeverityError, failures[2].Severity())
}

func TestRunOnce_RemedyPanicIsRecorded(t *testing.T) {
	cfg := supervisor.DefaultConfig()
	cfg.EscalationThreshold = 1
	rec := sinks.NewRecorder(0)
	sup := supervisor.New(cfg, rec, schedule.NewVirtual(nil))
	require.NoError(t, sup.Register(supervisor.Check{
		ID:        "fragile",
		Predicate: always(false),
		Remedy:    func(context.Context) error { panic("no cache") },
	}))

	require.NotPanics(t, func() { sup.RunOnce(context.Background()) })

	failures := rec.Failures("fragile")
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Escalated)
	assert.Contains(t, failures[0].RemedyErr, "no cache")
}

func TestRunOnce_SinkFailureDoesNotStopPass(t *testing.T) {
	var calls atomic.Int32
	sink := event.SinkFunc(func(context.Context, event.Event) error {
		return errors.New("sink down")
	})
	sup := supervisor.New(supervisor.DefaultConfig(), sink, schedule.NewVirtual(nil))
	require.NoError(t, sup.Register(supervisor.Check{ID: "a", Predicate: always(false)}))
	require.NoError(t, sup.Register(supervisor.Check{ID: "b", Predicate: counting(&calls, true)}))

	report := sup.RunOnce(context.Background())

	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunOnce_CanceledContextSkipsRemainingChecks(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "a", Predicate: counting(&calls, false)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := h.sup.RunOnce(ctx)

	assert.Zero(t, report.Checked)
	assert.Zero(t, calls.Load())
	assert.Zero(t, h.recorder.Len())
}

func TestStart_IntensiveThenRegular(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "heartbeat", Predicate: counting(&calls, true)}))

	assert.Equal(t, supervisor.StateIdle, h.sup.State())
	h.sup.Start(context.Background())
	assert.Equal(t, supervisor.StateIntensive, h.sup.State())

	h.sched.Advance(29 * time.Second)
	assert.Zero(t, calls.Load(), "first pass runs one interval after start")

	h.sched.Advance(time.Second)
	assert.Equal(t, int32(1), calls.Load())

	h.sched.Advance(9 * 30 * time.Second)
	assert.Equal(t, int32(10), calls.Load())
	assert.Equal(t, supervisor.StateRegular, h.sup.State())
	assert.Equal(t, 10, h.sup.Cycles())

	h.sched.Advance(29 * time.Minute)
	assert.Equal(t, int32(10), calls.Load())

	h.sched.Advance(time.Minute)
	assert.Equal(t, int32(11), calls.Load())
	assert.Equal(t, 11, h.sup.Cycles())
	assert.Equal(t, 1, h.sched.Pending())
}

func TestStart_IsIdempotent(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "heartbeat", Predicate: counting(&calls, true)}))

	h.sup.Start(context.Background())
	h.sup.Start(context.Background())
	assert.Equal(t, 1, h.sched.Pending())

	h.sched.Advance(30 * time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStop_ClearsMemoryAndSchedule(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "failing", Predicate: counting(&calls, false)}))

	h.sup.Start(context.Background())
	h.sched.Advance(time.Minute)
	require.Equal(t, int32(2), calls.Load())

	mem, ok := h.sup.Memory("failing")
	require.True(t, ok)
	assert.Equal(t, 2, mem.Count)

	h.sup.Stop()

	assert.Equal(t, supervisor.StateStopped, h.sup.State())
	assert.Empty(t, h.sup.MemorySnapshot())
	assert.Zero(t, h.sched.Pending())

	h.sched.Advance(time.Hour)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStop_DuringRegularPhase(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "heartbeat", Predicate: always(true)}))

	h.sup.Start(context.Background())
	h.sched.Advance(5 * time.Minute)
	require.Equal(t, supervisor.StateRegular, h.sup.State())

	h.sup.Stop()
	assert.Zero(t, h.sched.Pending())

	h.sup.Start(context.Background())
	assert.Equal(t, supervisor.StateIntensive, h.sup.State())
	assert.Zero(t, h.sup.Cycles())
}

func TestStop_AbortsOperatorPass(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	require.NoError(t, h.sup.Register(supervisor.Check{
		ID: "cache-health",
		Predicate: func(ctx context.Context) (bool, error) {
			close(started)
			<-ctx.Done()
			return false, ctx.Err()
		},
	}))
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "db-ping", Predicate: always(false)}))

	h.sup.Start(context.Background())

	reports := make(chan supervisor.Report, 1)
	go func() { reports <- h.sup.RunOnce(context.Background()) }()

	<-started
	h.sup.Stop()

	select {
	case report := <-reports:
		assert.Zero(t, report.Checked)
		assert.Empty(t, report.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("pass kept running after Stop")
	}
	assert.Empty(t, h.recorder.Failures(""))
	assert.Empty(t, h.sup.MemorySnapshot())
}

func TestRunOnce_AfterStopRecordsNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sup.Register(supervisor.Check{ID: "db-ping", Predicate: always(false)}))

	h.sup.Start(context.Background())
	h.sup.Stop()

	report := h.sup.RunOnce(context.Background())
	assert.Zero(t, report.Checked)
	assert.Empty(t, report.Failed)
	assert.Empty(t, h.recorder.Failures(""))
	assert.Empty(t, h.sup.MemorySnapshot())
}

func TestRunOnce_QueuedSlowSinkDoesNotStretchPass(t *testing.T) {
	release := make(chan struct{})
	rec := sinks.NewRecorder(0)
	slow := event.SinkFunc(func(ctx context.Context, ev event.Event) error {
		<-release
		return rec.Report(ctx, ev)
	})
	queue := event.NewQueue(slow, event.DefaultQueueConfig(), zerolog.Nop())

	sched := schedule.NewVirtual(nil)
	sup := supervisor.New(supervisor.DefaultConfig(), queue, sched, supervisor.WithClock(sched.Clock()))
	require.NoError(t, sup.Register(supervisor.Check{ID: "db-ping", Predicate: always(false)}))
	require.NoError(t, sup.Register(supervisor.Check{ID: "cache-health", Predicate: always(false)}))

	start := time.Now()
	report := sup.RunOnce(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, []string{"db-ping", "cache-health"}, report.Failed)
	assert.Empty(t, rec.Failures(""))

	close(release)
	require.NoError(t, queue.Close(context.Background()))
	assert.Len(t, rec.Failures(""), 2)
}
