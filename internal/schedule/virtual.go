package schedule

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Virtual is a deterministic Scheduler. Tasks only run inside Advance, on the
// calling goroutine, in due-time order. The backing fake clock is moved to
// each task's due time before it runs, so code reading the clock observes
// consistent timestamps.
type Virtual struct {
	clock *clockwork.FakeClock

	mu     sync.Mutex
	nextID int
	tasks  map[int]*task
}

type task struct {
	id       int
	interval time.Duration
	due      time.Time
	fn       func()
}

// NewVirtual creates a virtual scheduler on clock. A nil clock creates a new
// fake clock.
func NewVirtual(clock *clockwork.FakeClock) *Virtual {
	if clock == nil {
		clock = clockwork.NewFakeClock()
	}
	return &Virtual{
		clock: clock,
		tasks: make(map[int]*task),
	}
}

// Clock returns the fake clock moved by Advance.
func (v *Virtual) Clock() *clockwork.FakeClock {
	return v.clock
}

// Every registers fn to run every interval of virtual time.
func (v *Virtual) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		panic("schedule: non-positive interval")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.nextID++
	id := v.nextID
	v.tasks[id] = &task{
		id:       id,
		interval: interval,
		due:      v.clock.Now().Add(interval),
		fn:       fn,
	}

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.tasks, id)
	}
}

// Advance moves virtual time forward by d, running every task that falls due.
func (v *Virtual) Advance(d time.Duration) {
	end := v.clock.Now().Add(d)

	for {
		v.mu.Lock()
		next := v.earliestDue(end)
		if next == nil {
			v.mu.Unlock()
			break
		}
		due := next.due
		next.due = next.due.Add(next.interval)
		fn := next.fn
		v.mu.Unlock()

		if gap := due.Sub(v.clock.Now()); gap > 0 {
			v.clock.Advance(gap)
		}
		fn()
	}

	if gap := end.Sub(v.clock.Now()); gap > 0 {
		v.clock.Advance(gap)
	}
}

// Pending returns the number of registered tasks.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tasks)
}

// earliestDue returns the task due first at or before end, ties broken by
// registration order. Callers hold v.mu.
func (v *Virtual) earliestDue(end time.Time) *task {
	var best *task
	for _, t := range v.tasks {
		if t.due.After(end) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.id < best.id) {
			best = t
		}
	}
	return best
}

var _ Scheduler = (*Virtual)(nil)
