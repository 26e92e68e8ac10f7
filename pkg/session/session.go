package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumenrender/pixelview/pkg/session/internal"
)

// ErrNotConfigured is returned by New when the render target or signalling
// URL is absent. This is a configuration precondition, not a runtime fault:
// callers are expected to check Configured first and fall back to a
// non-interactive placeholder when the subsystem is disabled.
var ErrNotConfigured = errors.New("session: render target and signalling URL are required")

// Config carries everything the controller needs at construction. All
// tunables have defaults; only SignallingURL, Target and NewTransport are
// required.
type Config struct {
	// SignallingURL is the address of the remote-rendering signalling
	// server.
	SignallingURL string

	// Target is the surface the transport draws into.
	Target RenderTarget

	// NewTransport builds the underlying streaming transport.
	NewTransport TransportFactory

	// Flags is the initial capability configuration. Nil means
	// DefaultFlagSet.
	Flags FlagSet

	// Reconnect is the retry policy. Zero values take defaults.
	Reconnect ReconnectConfig

	// Health is the stale-stream detection policy. Zero values take
	// defaults.
	Health HealthConfig

	// Clock and Scheduler may be overridden for deterministic tests.
	// Nil means the system clock and timer wheel.
	Clock     internal.Clock
	Scheduler internal.Scheduler
}

// Configured reports whether cfg satisfies the construction preconditions.
func Configured(cfg Config) bool {
	return cfg.Target != nil && cfg.SignallingURL != ""
}

// Controller is the single source of truth for one remote-rendering
// session. It owns the transport connection's lifecycle, maps transport
// events onto the State enum, and exposes the control surface the
// surrounding view drives.
//
// All transitions are serialized under one mutex, so state changes are
// linearizable: one event is fully applied, side effects included, before
// the next is observed. Callbacks run on the event path and must not call
// back into the controller synchronously.
type Controller struct {
	mu sync.Mutex

	cb        Callbacks
	transport Transport
	target    RenderTarget

	state     State
	streaming bool
	destroyed bool

	// Listener registry: every listener registered at construction is
	// recorded here and drained in one pass during Destroy.
	listeners []ListenerID

	// deferred collects actions queued by timer callbacks to run once the
	// lock is released. Transport calls go through here: a transport that
	// emits events synchronously re-enters handleEvent, which must not
	// happen while the lock is held.
	deferred []func()

	rc     *Reconnector
	health *HealthMonitor
	norm   *Normalizer
}

// New constructs a controller bound to the given render target and
// signalling endpoint, registers its transport listeners, reports
// StateConnecting and opens the connection. Returns ErrNotConfigured when
// the target or URL is missing; nothing is constructed and no callback
// fires in that case.
func New(cfg Config, cb Callbacks) (*Controller, error) {
	if !Configured(cfg) {
		return nil, ErrNotConfigured
	}
	if cfg.NewTransport == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if cfg.Flags == nil {
		cfg.Flags = DefaultFlagSet()
	}
	if cfg.Clock == nil {
		cfg.Clock = internal.MonotonicClock{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = internal.WallScheduler{}
	}

	transport, err := cfg.NewTransport(cfg.Target, cfg.SignallingURL, cfg.Flags)
	if err != nil {
		return nil, fmt.Errorf("session: create transport: %w", err)
	}

	c := &Controller{
		cb:        cb,
		transport: transport,
		target:    cfg.Target,
		state:     StateIdle,
	}

	// Timer callbacks re-enter through the controller lock and are dropped
	// once destroyed, so no timer can fire after Destroy.
	sched := &serialScheduler{c: c, inner: cfg.Scheduler}

	c.rc = newReconnector(cfg.Reconnect, sched, reconnectHooks{
		begin: func() { c.setState(StateReconnecting) },
		attempt: func() {
			c.deferred = append(c.deferred, c.runReconnectAttempt)
		},
		giveUp: func(err error) {
			c.setState(StateError)
			if c.cb.OnError != nil {
				c.cb.OnError(err)
			}
		},
		allow: func() bool { return !c.destroyed && !c.streaming },
	})
	c.health = newHealthMonitor(cfg.Health, cfg.Clock, sched, c.onStale)
	c.norm = NewNormalizer()

	c.registerListeners()

	c.mu.Lock()
	c.setState(StateConnecting)
	c.mu.Unlock()

	if err := transport.Connect(); err != nil {
		// Connection bootstrap failures are transient transport failures:
		// route them through the retry loop rather than the caller.
		c.mu.Lock()
		c.rc.Trigger(fmt.Sprintf("failed to connect: %v", err), true)
		c.mu.Unlock()
	}
	return c, nil
}

// serialScheduler wraps the configured scheduler so every timer callback
// runs under the controller lock and is suppressed after Destroy. Actions
// the callback queued on c.deferred run after the lock is released.
type serialScheduler struct {
	c     *Controller
	inner internal.Scheduler
}

func (s *serialScheduler) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return s.inner.AfterFunc(d, func() {
		s.c.mu.Lock()
		if s.c.destroyed {
			s.c.mu.Unlock()
			return
		}
		fn()
		deferred := s.c.deferred
		s.c.deferred = nil
		s.c.mu.Unlock()

		for _, run := range deferred {
			run()
		}
	})
}

// runReconnectAttempt performs one transport reconnect outside the
// controller lock. Attempt errors are transient and swallowed; the retry
// timer was already re-armed when the attempt was queued.
func (c *Controller) runReconnectAttempt() {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	_ = c.transport.Reconnect()
}

func (c *Controller) registerListeners() {
	on := func(kind EventKind) {
		id := c.transport.AddListener(kind, c.handleEvent)
		c.listeners = append(c.listeners, id)
	}
	for _, kind := range []EventKind{
		EventStreamLoading,
		EventStreamConnect,
		EventWebRTCConnecting,
		EventWebRTCConnected,
		EventVideoInitialized,
		EventPlayStarted,
		EventStatsReceived,
		EventStreamReconnect,
		EventStreamDisconnect,
		EventDataChannelClose,
		EventWebRTCDisconnected,
		EventWebRTCFailed,
		EventSubscribeFailed,
		EventPlayError,
	} {
		on(kind)
	}
}

// handleEvent is the single entry point for transport events. It applies
// the event-to-state table and hands disconnect-class events to the
// reconnector.
func (c *Controller) handleEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	switch ev.Kind {
	case EventStreamLoading:
		c.setState(StateBooting)
	case EventStreamConnect, EventWebRTCConnecting:
		c.setState(StateConnecting)
	case EventWebRTCConnected:
		c.setState(StateConnected)
	case EventVideoInitialized, EventPlayStarted:
		c.markStreaming()
	case EventStatsReceived:
		c.health.Touch()
		if ev.Stats != nil {
			snapshot := c.norm.Apply(*ev.Stats)
			if c.cb.OnStats != nil {
				c.cb.OnStats(snapshot)
			}
		}
	case EventStreamReconnect:
		// The transport is already reconnecting on its own; report it
		// without arming a competing retry timer.
		c.leaveStreaming()
		c.setState(StateReconnecting)
	case EventStreamDisconnect:
		c.leaveStreaming()
		c.rc.Trigger(reasonOr(ev, "stream disconnected"), true)
	case EventDataChannelClose:
		c.leaveStreaming()
		c.rc.Trigger(reasonOr(ev, "data channel closed"), true)
	case EventWebRTCDisconnected:
		c.leaveStreaming()
		if ev.ManualOnly {
			// Server mandated user-initiated reconnection: report the
			// state and wait for Reconnect.
			c.setState(StateReconnecting)
			return
		}
		c.rc.Trigger(reasonOr(ev, "WebRTC disconnected"), true)
	case EventWebRTCFailed:
		c.leaveStreaming()
		c.rc.Trigger(reasonOr(ev, "WebRTC failed to connect"), true)
	case EventSubscribeFailed:
		c.leaveStreaming()
		c.rc.Trigger(reasonOr(ev, "failed to subscribe to stream"), true)
	case EventPlayError:
		c.leaveStreaming()
		c.rc.Trigger(reasonOr(ev, "failed to start stream playback"), true)
	}
}

func reasonOr(ev Event, fallback string) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return fallback
}

// markStreaming applies the first-frame transition: retry budget resets,
// the heartbeat clock restarts, the health monitor runs again.
func (c *Controller) markStreaming() {
	c.streaming = true
	c.rc.Reset()
	c.health.Start()
	c.setState(StateStreaming)
}

// leaveStreaming stops the health monitor before anything else can trigger
// a duplicate reconnect.
func (c *Controller) leaveStreaming() {
	c.streaming = false
	c.health.Stop()
}

// onStale is the health monitor's stall verdict: treat it exactly like a
// transport disconnect.
func (c *Controller) onStale() {
	if !c.streaming {
		return
	}
	c.leaveStreaming()
	c.rc.Trigger("stream heartbeat lost", true)
}

func (c *Controller) setState(s State) {
	if c.destroyed {
		return
	}
	c.state = s
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the most recent smoothed metrics snapshot.
func (c *Controller) Metrics() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.norm.Snapshot()
}

// SetFlagEnabled forwards a named capability toggle to the transport
// configuration. Unknown flags are ignored silently.
func (c *Controller) SetFlagEnabled(flag Flag, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.transport.SetFlag(flag, enabled)
}

// SetMouseMode switches between locked and hovering mouse input. The two
// modes collapse onto the single hovering-mouse transport flag.
func (c *Controller) SetMouseMode(mode MouseMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.transport.SetFlag(FlagHoveringMouse, mode == MouseModeHover)
}

// MouseMode returns the current mouse input mode.
func (c *Controller) MouseMode() MouseMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport.FlagEnabled(FlagHoveringMouse) {
		return MouseModeHover
	}
	return MouseModeLocked
}

// RequestPointerLock asks the render target to capture the pointer, but
// only in locked mouse mode. Hover mode must never trap the pointer, so
// the call is a no-op there.
func (c *Controller) RequestPointerLock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	if c.transport.FlagEnabled(FlagHoveringMouse) {
		return
	}
	_ = c.target.RequestPointerLock()
}

// RefreshViewport triggers a video layout recomputation after the host
// window resized. Implemented as a synthetic resize notification so the
// controller does not depend on transport-specific resize APIs.
func (c *Controller) RefreshViewport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.transport.NotifyResize()
}

// Reconnect is the manual override: it resets the attempt budget and
// re-enters the retry loop unconditionally, bypassing the stale check.
// Safe to call in any state, including terminal StateError; idempotent
// while a retry is already pending.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.leaveStreaming()
	c.rc.Reset()
	c.rc.Trigger("manual reconnect requested", true)
}

// Destroy tears the session down: cancels pending retry and health timers,
// drains the listener registry, closes the transport, and clears the
// render target. Idempotent; after the first call no timer fires and no
// callback is emitted again.
func (c *Controller) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.streaming = false

	// Timers first: clearing both handles before detaching listeners
	// removes any race between a just-scheduled timer and teardown.
	c.rc.Cancel()
	c.health.Stop()

	for _, id := range c.listeners {
		c.transport.RemoveListener(id)
	}
	c.listeners = nil
	c.mu.Unlock()

	_ = c.transport.Disconnect()
	c.target.Clear()
}
