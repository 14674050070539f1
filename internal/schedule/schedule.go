// Package schedule runs repeating tasks, either on a clock or on virtual time
// that tests advance explicitly.
package schedule

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler runs fn every interval until the returned cancel func is called.
// Cancel is idempotent and may be called from inside fn.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// Clock schedules tasks on tickers from a clockwork.Clock, one goroutine per
// task. Runs of the same task never overlap.
type Clock struct {
	clock clockwork.Clock
	wg    sync.WaitGroup
}

// NewClock creates a Scheduler driven by c. A nil clock means wall time.
func NewClock(c clockwork.Clock) *Clock {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Clock{clock: c}
}

// Every starts a ticker goroutine for fn.
func (s *Clock) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		panic("schedule: non-positive interval")
	}

	ticker := s.clock.NewTicker(interval)
	stop := make(chan struct{})
	var once sync.Once

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

// Wait blocks until every cancelled task goroutine has exited.
func (s *Clock) Wait() {
	s.wg.Wait()
}

var _ Scheduler = (*Clock)(nil)
