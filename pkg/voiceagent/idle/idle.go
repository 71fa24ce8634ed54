// Package idle supervises the inactivity timeout for a connected channel.
//
// The timer is reset by any application-level traffic in either
// direction. Agent-originated activity counts the same as user input,
// so long agent speech never trips the timeout. While at least one
// function call is in flight the supervisor is suspended: the deadline
// may pass but the timer must not fire, and on resume the deadline is
// recomputed from now.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

// Supervisor is a resettable, suspendable deadline timer.
type Supervisor struct {
	timeout  time.Duration
	now      func() time.Time
	onExpire func()
	logger   *slog.Logger

	mu        sync.Mutex
	armed     bool
	suspended bool
	deadline  time.Time
	timer     *time.Timer
	stopped   bool
}

// Config configures a Supervisor.
type Config struct {
	Timeout  time.Duration
	OnExpire func()

	// Now is the clock; nil means time.Now. Tests inject fakes.
	Now    func() time.Time
	Logger *slog.Logger
}

// New builds a disarmed supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		onExpire: cfg.OnExpire,
		logger:   cfg.Logger,
	}
}

// Arm starts the timer. Called when a channel reaches connected.
func (s *Supervisor) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.armed {
		return
	}
	s.armed = true
	s.deadline = s.now().Add(s.timeout)
	s.schedule()
}

// Touch pushes the deadline forward. Called on any inbound or outbound
// application traffic on either channel.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.armed {
		return
	}
	s.deadline = s.now().Add(s.timeout)
	if !s.suspended {
		s.schedule()
	}
}

// Disarm stops the timer until the next Arm. Called when the supervised
// channel closes; suspension state is preserved.
func (s *Supervisor) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Suspend holds the timer while function calls are in flight. The
// deadline may lapse during suspension without firing.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.suspended {
		return
	}
	s.suspended = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Resume lifts suspension and recomputes the deadline from now, not from
// the pre-suspension schedule: completing a function call resets idle
// eligibility.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.suspended {
		return
	}
	s.suspended = false
	if s.armed {
		s.deadline = s.now().Add(s.timeout)
		s.schedule()
	}
}

// Suspended reports whether the supervisor is currently suspended.
func (s *Supervisor) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Deadline returns the current deadline and whether the timer is armed.
func (s *Supervisor) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.armed
}

// Stop disarms the supervisor permanently.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// schedule (re)schedules the expiry check. Callers hold s.mu.
func (s *Supervisor) schedule() {
	if s.timer != nil {
		s.timer.Stop()
	}
	wait := s.deadline.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	s.timer = time.AfterFunc(wait, s.expire)
}

func (s *Supervisor) expire() {
	s.mu.Lock()
	if s.stopped || !s.armed || s.suspended {
		s.mu.Unlock()
		return
	}
	if s.now().Before(s.deadline) {
		// Deadline moved since this check was scheduled.
		s.schedule()
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.timer = nil
	onExpire := s.onExpire
	s.mu.Unlock()

	s.logger.Debug("idle timeout expired")
	if onExpire != nil {
		onExpire()
	}
}
