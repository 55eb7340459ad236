package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"surgelab/internal/config"
	"surgelab/internal/dispatch"
	"surgelab/internal/metrics"
	"surgelab/internal/vuser"
)

// Run phases. Stopped and failed are alternate terminals reachable from
// any non-terminal phase.
const (
	PhasePreparing   = "preparing"
	PhaseRampingUp   = "ramping_up"
	PhaseSteady      = "steady"
	PhaseRampingDown = "ramping_down"
	PhaseCompleted   = "completed"
	PhaseStopped     = "stopped"
	PhaseFailed      = "failed"
)

func terminal(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseStopped || phase == PhaseFailed
}

// Scheduler controls how many virtual users are active over time. It owns
// every user for its active lifetime.
type Scheduler struct {
	def        *config.TestDefinition
	factory    *vuser.Factory
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector
	logger     *zap.Logger

	phase    atomic.Value
	stopCh   chan struct{}
	stopOnce sync.Once
	sessions sync.WaitGroup

	sessCtx    context.Context
	sessCancel context.CancelFunc
	stopped    atomic.Bool
}

func New(def *config.TestDefinition, factory *vuser.Factory, dispatcher *dispatch.Dispatcher, collector *metrics.Collector, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		def:        def,
		factory:    factory,
		dispatcher: dispatcher,
		collector:  collector,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	s.phase.Store(PhasePreparing)
	return s
}

// Phase returns the current phase.
func (s *Scheduler) Phase() string { return s.phase.Load().(string) }

func (s *Scheduler) setPhase(p string) {
	// Terminal phases are sticky.
	if terminal(s.Phase()) {
		return
	}
	s.phase.Store(p)
	s.logger.Info("phase transition", zap.String("phase", p))
}

// Stop requests an orderly stop: no new users start, in-flight requests
// complete or hit their timeout, final metrics are flushed, and the run
// terminates in the stopped phase. Safe to call from any goroutine, any
// number of times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stopCh)
	})
}

// Run executes the full ramp lifecycle and blocks until the run reaches a
// terminal phase, which it returns. Canceling ctx is equivalent to Stop.
func (s *Scheduler) Run(ctx context.Context) string {
	// Hard context: canceling it kills in-flight requests. Detached from
	// ctx so a stop can still let the wire drain first.
	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()
	s.dispatcher.Start(hardCtx)

	s.sessCtx, s.sessCancel = context.WithCancel(context.Background())
	defer s.sessCancel()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		case <-watchDone:
		}
	}()

	users := s.factory.Build(s.def.Concurrency)

	s.setPhase(PhaseRampingUp)
	if !s.rampUp(users) {
		return s.finish(hardCancel)
	}

	s.setPhase(PhaseSteady)
	if !s.wait(s.def.Steady.Duration()) {
		return s.finish(hardCancel)
	}

	s.setPhase(PhaseRampingDown)
	s.rampDown()

	return s.finish(hardCancel)
}

// rampUp releases users at targetConcurrency/rampUpDuration per second so
// concurrency grows approximately linearly. Returns false if stopped.
func (s *Scheduler) rampUp(users []*vuser.VirtualUser) bool {
	rampUp := s.def.RampUp.Duration()
	if rampUp <= 0 {
		for _, u := range users {
			s.launch(u)
		}
		return !s.stopped.Load()
	}

	perSec := float64(len(users)) / rampUp.Seconds()
	limiter := rate.NewLimiter(rate.Limit(perSec), 1)

	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for _, u := range users {
		if err := limiter.Wait(waitCtx); err != nil {
			return false
		}
		s.launch(u)
	}
	return true
}

// rampDown stops admitting new sessions and lets existing ones drain
// naturally, force-terminating after a grace period of rampDownDuration.
func (s *Scheduler) rampDown() {
	grace := s.def.RampDown.Duration()
	if grace <= 0 {
		s.sessCancel()
		s.sessions.Wait()
		return
	}
	if !s.waitSessions(grace) {
		s.logger.Warn("ramp-down grace elapsed, force-terminating sessions",
			zap.Duration("grace", grace))
		s.sessCancel()
		s.sessions.Wait()
	}
}

func (s *Scheduler) launch(u *vuser.VirtualUser) {
	if s.stopped.Load() {
		return
	}
	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		s.collector.UserStarted()
		defer s.collector.UserFinished()

		s.dispatcher.RunSession(s.sessCtx, u)

		// Replacement keeps concurrency near target while the test is
		// still inside its steady window. Default policy is no
		// replacement: sessions are random-length, natural decay is fine.
		if s.def.Replace && s.Phase() == PhaseSteady && !s.stopped.Load() {
			s.launch(s.factory.Spawn())
		}
	}()
}

func (s *Scheduler) finish(hardCancel context.CancelFunc) string {
	if s.stopped.Load() {
		// Break think-time waits immediately; in-flight requests keep the
		// hard context and run to completion or timeout.
		s.sessCancel()
		if !s.waitSessions(s.maxTimeout() + time.Second) {
			s.logger.Warn("sessions failed to drain in time, aborting in-flight work")
			hardCancel()
			s.sessions.Wait()
		}
	} else {
		s.sessions.Wait()
	}

	s.collector.Freeze()

	switch {
	case s.collector.Err() != nil:
		s.phase.Store(PhaseFailed)
		s.logger.Error("run failed", zap.Error(s.collector.Err()))
	case s.stopped.Load():
		s.phase.Store(PhaseStopped)
	default:
		s.phase.Store(PhaseCompleted)
	}
	return s.Phase()
}

// wait sleeps for d unless stopped first. Returns false if stopped.
func (s *Scheduler) wait(d time.Duration) bool {
	if d <= 0 {
		return !s.stopped.Load()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}

// waitSessions waits for all sessions with a deadline. Returns false on
// timeout.
func (s *Scheduler) waitSessions(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	if d <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (s *Scheduler) maxTimeout() time.Duration {
	var max time.Duration
	for _, ep := range s.def.Endpoints {
		if ep.Timeout.Duration() > max {
			max = ep.Timeout.Duration()
		}
	}
	return max
}
