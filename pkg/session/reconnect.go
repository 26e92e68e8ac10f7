package session

import (
	"fmt"
	"time"

	"github.com/lumenrender/pixelview/pkg/session/internal"
)

// ReconnectConfig configures the retry loop that runs after any
// disconnection signal.
type ReconnectConfig struct {
	// Interval is the fixed delay between retry attempts. The interval is
	// deliberately fixed rather than exponential: the remote renderer is
	// expected to recover quickly or not at all.
	Interval time.Duration

	// MaxAttempts bounds the number of retry attempts. 0 means unlimited.
	MaxAttempts int
}

// DefaultReconnectConfig returns the stock retry policy: one attempt every
// 2.5 seconds, unlimited.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Interval:    2500 * time.Millisecond,
		MaxAttempts: 0,
	}
}

// reconnectHooks are the controller-supplied actions the Reconnector drives.
type reconnectHooks struct {
	// begin reports that the retry loop has started (state Reconnecting).
	begin func()
	// attempt performs one transport reconnect. Attempt failures are
	// transient and must not stop the loop.
	attempt func()
	// giveUp reports the terminal error once attempts are exhausted.
	giveUp func(err error)
	// allow reports whether retrying is still permitted (not destroyed,
	// not already streaming again).
	allow func() bool
}

// Reconnector owns retry scheduling and attempt counting after a
// disconnection. It holds at most one pending timer: a new failure signal
// while a retry is already scheduled never creates a second timer
// (replace-only-when-empty).
//
// Not safe for concurrent use on its own; the controller serializes calls,
// including timer callbacks, through its scheduler.
type Reconnector struct {
	cfg   ReconnectConfig
	sched internal.Scheduler
	hooks reconnectHooks

	timer    internal.Timer // non-nil iff a retry is pending
	attempts int
}

func newReconnector(cfg ReconnectConfig, sched internal.Scheduler, hooks reconnectHooks) *Reconnector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconnectConfig().Interval
	}
	return &Reconnector{cfg: cfg, sched: sched, hooks: hooks}
}

// Trigger starts the retry loop for the given reason. If a retry is already
// pending the call is a no-op. When schedule is false the loop is reported
// as begun but no timer is armed; the session waits for a manual Reconnect
// (server-mandated cooperative reconnect).
func (r *Reconnector) Trigger(reason string, schedule bool) {
	if r.timer != nil || !r.hooks.allow() {
		return
	}
	r.hooks.begin()
	if !schedule {
		return
	}
	r.arm(reason)
}

// arm schedules the next attempt. The timer slot must be empty.
func (r *Reconnector) arm(reason string) {
	var t internal.Timer
	t = r.sched.AfterFunc(r.cfg.Interval, func() {
		if r.timer != t {
			// A firing that lost the race with Cancel: the handle was
			// cleared or replaced before this callback was serviced. It
			// must not touch the current timer slot.
			return
		}
		r.timer = nil
		r.fire(reason)
	})
	r.timer = t
}

// fire runs one retry attempt, then re-arms unless the attempt budget is
// spent or retrying is no longer permitted.
func (r *Reconnector) fire(reason string) {
	if !r.hooks.allow() {
		return
	}
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		if reason == "" {
			reason = "unable to recover the streaming session"
		}
		r.hooks.giveUp(fmt.Errorf("%s: gave up after %d reconnect attempts", reason, r.attempts))
		return
	}
	r.attempts++
	r.hooks.attempt()
	r.arm(reason)
}

// Cancel stops any pending retry without touching the attempt counter.
func (r *Reconnector) Cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Reset cancels any pending retry and zeroes the attempt counter. Called
// when streaming resumes and on manual reconnect.
func (r *Reconnector) Reset() {
	r.Cancel()
	r.attempts = 0
}

// Pending reports whether a retry timer is currently armed.
func (r *Reconnector) Pending() bool {
	return r.timer != nil
}

// Attempts returns the number of attempts made since the last reset.
func (r *Reconnector) Attempts() int {
	return r.attempts
}
