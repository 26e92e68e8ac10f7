// Package internal provides internal utilities for the session package.
package internal

import (
	"sync"
	"time"
)

// Clock is an interface for obtaining monotonic time.
// This abstraction allows for deterministic testing of time-dependent code.
type Clock interface {
	// Now returns the current time. Implementations must return
	// monotonically increasing time values.
	Now() time.Time
}

// MonotonicClock is a Clock implementation that uses the system's monotonic clock.
// In Go, time.Now() includes monotonic clock readings, making it safe for
// measuring elapsed time without wall-clock adjustments.
type MonotonicClock struct{}

// Now returns the current system time with monotonic clock reading.
func (MonotonicClock) Now() time.Time {
	return time.Now()
}

// Timer is a handle to a scheduled callback. Stop cancels the callback if it
// has not fired yet and reports whether the cancellation took effect.
type Timer interface {
	Stop() bool
}

// Scheduler schedules one-shot callbacks. The session controller never uses
// bare time.AfterFunc so that tests can drive timers deterministically.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// WallScheduler is a Scheduler backed by the runtime timer wheel.
type WallScheduler struct{}

// AfterFunc schedules fn to run after d using time.AfterFunc.
func (WallScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// MockClock is a Clock implementation for testing that allows manual control
// of time progression. It is not safe for concurrent use.
type MockClock struct {
	current time.Time
}

// NewMockClock creates a new MockClock initialized to the given time.
// If t is zero, it initializes to a reasonable default start time.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		// Start at a reasonable time to avoid edge cases with zero time
		t = time.Unix(1000000000, 0) // 2001-09-09
	}
	return &MockClock{current: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	return m.current
}

// Advance moves the clock forward by the given duration.
// Panics if d is negative to maintain monotonicity.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.current = m.current.Add(d)
}

// Set sets the clock to the given time.
// This should only be used for initialization; prefer Advance for tests.
func (m *MockClock) Set(t time.Time) {
	m.current = t
}

// MockScheduler is a Scheduler for testing. Scheduled callbacks do not fire
// on their own; tests fire them explicitly with Fire or FireAll, which makes
// timer-dependent state machines fully deterministic.
type MockScheduler struct {
	mu      sync.Mutex
	nextID  int
	pending map[int]*mockTimer
}

type mockTimer struct {
	sched   *MockScheduler
	id      int
	delay   time.Duration
	fn      func()
	stopped bool
}

// NewMockScheduler creates an empty MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{pending: make(map[int]*mockTimer)}
}

// AfterFunc records fn as pending and returns its handle without running it.
func (s *MockScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &mockTimer{sched: s, id: s.nextID, delay: d, fn: fn}
	s.pending[t.id] = t
	return t
}

// Stop removes the timer from the pending set.
func (t *mockTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	_, ok := t.sched.pending[t.id]
	delete(t.sched.pending, t.id)
	return ok
}

// PendingCount returns the number of timers scheduled but not yet fired or stopped.
func (s *MockScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// FireNext runs the oldest pending timer callback and reports whether one existed.
// The callback runs outside the scheduler lock so it may schedule new timers.
func (s *MockScheduler) FireNext() bool {
	fn := s.TakeNext()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// TakeNext removes the oldest pending timer and returns its callback without
// running it. This models a timer that has fired but whose callback has not
// been serviced yet, so tests can interleave other calls before running it.
// Returns nil when nothing is pending.
func (s *MockScheduler) TakeNext() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *mockTimer
	for _, t := range s.pending {
		if oldest == nil || t.id < oldest.id {
			oldest = t
		}
	}
	if oldest == nil {
		return nil
	}
	delete(s.pending, oldest.id)
	oldest.stopped = true
	return oldest.fn
}

// FireAll fires pending timers until none remain, including timers scheduled
// by the callbacks themselves, up to the given limit. Returns the number fired.
func (s *MockScheduler) FireAll(limit int) int {
	fired := 0
	for fired < limit && s.FireNext() {
		fired++
	}
	return fired
}
