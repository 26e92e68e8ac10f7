package session

import (
	"time"

	"github.com/lumenrender/pixelview/pkg/session/internal"
)

// HealthConfig configures stale-stream detection.
type HealthConfig struct {
	// StaleTimeout is how long the stream may go without a statistics
	// sample before it is declared dead.
	StaleTimeout time.Duration

	// PollInterval is how often the monitor checks for staleness.
	PollInterval time.Duration
}

// DefaultHealthConfig returns the stock heartbeat policy: a check every
// 1.5 seconds, stall declared after 8 seconds of silence.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		StaleTimeout: 8 * time.Second,
		PollInterval: 1500 * time.Millisecond,
	}
}

// HealthMonitor detects silent stream death: no explicit disconnect event,
// but statistics stopped arriving. It polls only while the session is
// streaming and fires onStale at most once per Start.
//
// Not safe for concurrent use on its own; the controller serializes calls,
// including timer callbacks, through its scheduler.
type HealthMonitor struct {
	cfg     HealthConfig
	clock   internal.Clock
	sched   internal.Scheduler
	onStale func()

	timer     internal.Timer // non-nil iff the monitor is running
	lastStats time.Time
}

func newHealthMonitor(cfg HealthConfig, clock internal.Clock, sched internal.Scheduler, onStale func()) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &HealthMonitor{cfg: cfg, clock: clock, sched: sched, onStale: onStale}
}

// Touch records that fresh statistics arrived now.
func (h *HealthMonitor) Touch() {
	h.lastStats = h.clock.Now()
}

// Start begins polling. The stats clock is touched first so a freshly
// resumed stream is never immediately declared stale. No-op if already
// running.
func (h *HealthMonitor) Start() {
	if h.timer != nil {
		return
	}
	h.Touch()
	h.arm()
}

// Stop halts polling. Must be called whenever the session leaves the
// streaming state, and on destroy, to avoid duplicate reconnect triggers.
func (h *HealthMonitor) Stop() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Running reports whether the monitor is polling.
func (h *HealthMonitor) Running() bool {
	return h.timer != nil
}

func (h *HealthMonitor) arm() {
	var t internal.Timer
	t = h.sched.AfterFunc(h.cfg.PollInterval, func() {
		if h.timer != t {
			// A firing that lost the race with Stop: the poll was halted
			// or restarted before this callback was serviced.
			return
		}
		h.timer = nil
		h.poll()
	})
	h.timer = t
}

func (h *HealthMonitor) poll() {
	if h.clock.Now().Sub(h.lastStats) > h.cfg.StaleTimeout {
		h.onStale()
		return
	}
	h.arm()
}
