package idle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock advances manually; the supervisor's real timers fire on the
// wall clock but the deadline check consults this clock, so tests force
// expiry by moving it past the deadline and waiting for the callback.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSupervisor_FiresAfterTimeout(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var fired atomic.Int64
	sup := New(Config{
		Timeout:  10 * time.Millisecond,
		Now:      clock.Now,
		OnExpire: func() { fired.Add(1) },
	})
	defer sup.Stop()

	sup.Arm()
	clock.Advance(20 * time.Millisecond)
	waitFor(t, func() bool { return fired.Load() == 1 }, "expiry callback")

	if _, armed := sup.Deadline(); armed {
		t.Fatalf("supervisor still armed after expiry")
	}
}

func TestSupervisor_TouchExtendsDeadline(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var fired atomic.Int64
	sup := New(Config{
		Timeout:  50 * time.Millisecond,
		Now:      clock.Now,
		OnExpire: func() { fired.Add(1) },
	})
	defer sup.Stop()

	sup.Arm()
	first, _ := sup.Deadline()

	clock.Advance(30 * time.Millisecond)
	sup.Touch()
	second, armed := sup.Deadline()
	if !armed {
		t.Fatalf("disarmed after touch")
	}
	if !second.After(first) {
		t.Fatalf("touch did not extend deadline: %v -> %v", first, second)
	}
	if fired.Load() != 0 {
		t.Fatalf("fired before deadline")
	}
}

func TestSupervisor_SuspendHoldsExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var fired atomic.Int64
	sup := New(Config{
		Timeout:  10 * time.Millisecond,
		Now:      clock.Now,
		OnExpire: func() { fired.Add(1) },
	})
	defer sup.Stop()

	sup.Arm()
	sup.Suspend()

	// The deadline lapses while suspended. Nothing may fire.
	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired while suspended")
	}

	// Resume recomputes from now, not from the lapsed schedule.
	sup.Resume()
	deadline, armed := sup.Deadline()
	if !armed {
		t.Fatalf("not armed after resume")
	}
	if !deadline.After(clock.Now()) {
		t.Fatalf("resume kept the lapsed deadline: %v vs now %v", deadline, clock.Now())
	}
	if fired.Load() != 0 {
		t.Fatalf("fired immediately on resume")
	}

	clock.Advance(20 * time.Millisecond)
	waitFor(t, func() bool { return fired.Load() == 1 }, "expiry after resume")
}

func TestSupervisor_DisarmStopsTimer(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var fired atomic.Int64
	sup := New(Config{
		Timeout:  10 * time.Millisecond,
		Now:      clock.Now,
		OnExpire: func() { fired.Add(1) },
	})
	defer sup.Stop()

	sup.Arm()
	sup.Disarm()
	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("fired after disarm")
	}
}

func TestSupervisor_TouchAfterDisarmIsNoop(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sup := New(Config{Timeout: 10 * time.Millisecond, Now: clock.Now})
	defer sup.Stop()

	sup.Touch()
	if _, armed := sup.Deadline(); armed {
		t.Fatalf("touch armed a disarmed supervisor")
	}
}
