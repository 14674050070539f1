package supervisor

import "context"

// Start enters the intensive phase: a pass every IntensiveInterval for
// IntensiveCycles passes, then a pass every RegularInterval until Stop.
// Starting a running supervisor is a no-op. ctx bounds every scheduled pass.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIntensive || s.state == StateRegular {
		return
	}

	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	s.state = StateIntensive
	s.intensiveRuns = 0
	s.cycles = 0
	s.cancelSchedule = s.sched.Every(s.cfg.IntensiveInterval, s.intensiveTick)

	s.logger.Info().
		Dur("interval", s.cfg.IntensiveInterval).
		Int("cycles", s.cfg.IntensiveCycles).
		Msg("health supervisor started")
}

// Stop cancels the active schedule, aborts a pass in progress and clears all
// failure memory.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelSchedule != nil {
		s.cancelSchedule()
		s.cancelSchedule = nil
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.memory = make(map[string]*FailureMemory)
	s.state = StateStopped

	s.logger.Info().Int("cycles", s.cycles).Msg("health supervisor stopped")
}

// passContext returns the context for a scheduled pass, or nil when the
// supervisor is not in phase.
func (s *Supervisor) passContext(phase State) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != phase {
		return nil
	}
	return s.runCtx
}

func (s *Supervisor) intensiveTick() {
	ctx := s.passContext(StateIntensive)
	if ctx == nil {
		return
	}
	s.RunOnce(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIntensive {
		return
	}
	s.cycles++
	s.intensiveRuns++
	if s.intensiveRuns < s.cfg.IntensiveCycles {
		return
	}

	s.cancelSchedule()
	s.state = StateRegular
	s.cancelSchedule = s.sched.Every(s.cfg.RegularInterval, s.regularTick)

	s.logger.Info().
		Dur("interval", s.cfg.RegularInterval).
		Msg("health supervisor switched to regular monitoring")
}

func (s *Supervisor) regularTick() {
	ctx := s.passContext(StateRegular)
	if ctx == nil {
		return
	}
	s.RunOnce(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRegular {
		s.cycles++
	}
}
