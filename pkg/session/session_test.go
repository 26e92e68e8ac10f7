package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenrender/pixelview/pkg/session"
	"github.com/lumenrender/pixelview/pkg/session/internal"
	"github.com/lumenrender/pixelview/pkg/session/sessiontest"
)

type fixture struct {
	transport *sessiontest.Transport
	target    *sessiontest.RenderTarget
	clock     *internal.MockClock
	sched     *internal.MockScheduler

	states []session.State
	stats  []session.MetricsSnapshot
	errs   []error

	ctrl *session.Controller
}

func newFixture(t *testing.T, mutate func(*session.Config)) *fixture {
	t.Helper()
	f := &fixture{
		transport: sessiontest.NewTransport(nil),
		target:    sessiontest.NewRenderTarget(),
		clock:     internal.NewMockClock(time.Time{}),
		sched:     internal.NewMockScheduler(),
	}
	cfg := session.Config{
		SignallingURL: "ws://renderer.example/signalling",
		Target:        f.target,
		NewTransport:  f.transport.Factory(),
		Clock:         f.clock,
		Scheduler:     f.sched,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := session.New(cfg, session.Callbacks{
		OnStateChange: func(s session.State) { f.states = append(f.states, s) },
		OnStats:       func(m session.MetricsSnapshot) { f.stats = append(f.stats, m) },
		OnError:       func(err error) { f.errs = append(f.errs, err) },
	})
	require.NoError(t, err)
	f.ctrl = ctrl
	return f
}

func (f *fixture) lastState() session.State {
	if len(f.states) == 0 {
		return session.StateIdle
	}
	return f.states[len(f.states)-1]
}

func (f *fixture) startStreaming(t *testing.T) {
	t.Helper()
	f.transport.Emit(session.Event{Kind: session.EventWebRTCConnected})
	f.transport.Emit(session.Event{Kind: session.EventPlayStarted})
	require.Equal(t, session.StateStreaming, f.ctrl.State())
}

func TestNew_RequiresTargetAndURL(t *testing.T) {
	factoryCalled := false
	factory := func(session.RenderTarget, string, session.FlagSet) (session.Transport, error) {
		factoryCalled = true
		return sessiontest.NewTransport(nil), nil
	}

	tests := []struct {
		name string
		cfg  session.Config
	}{
		{"missing URL", session.Config{Target: sessiontest.NewRenderTarget(), NewTransport: factory}},
		{"missing target", session.Config{SignallingURL: "ws://x", NewTransport: factory}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := 0
			ctrl, err := session.New(tt.cfg, session.Callbacks{
				OnStateChange: func(session.State) { states++ },
			})
			assert.ErrorIs(t, err, session.ErrNotConfigured)
			assert.Nil(t, ctrl)
			assert.False(t, factoryCalled, "no transport may be created for an unconfigured session")
			assert.Zero(t, states, "no callbacks for an unconfigured session")
			assert.False(t, session.Configured(tt.cfg))
		})
	}
}

func TestNew_TransportFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	_, err := session.New(session.Config{
		SignallingURL: "ws://x",
		Target:        sessiontest.NewRenderTarget(),
		NewTransport: func(session.RenderTarget, string, session.FlagSet) (session.Transport, error) {
			return nil, boom
		},
	}, session.Callbacks{})
	assert.ErrorIs(t, err, boom)
}

func TestNew_ReportsConnectingAndConnects(t *testing.T) {
	f := newFixture(t, nil)

	require.NotEmpty(t, f.states)
	assert.Equal(t, session.StateConnecting, f.states[0])
	assert.Equal(t, 1, f.transport.Connects)
}

func TestNew_ConnectFailureEntersRetryLoop(t *testing.T) {
	transport := sessiontest.NewTransport(nil)
	transport.ConnectErr = errors.New("dial refused")
	sched := internal.NewMockScheduler()

	ctrl, err := session.New(session.Config{
		SignallingURL: "ws://renderer.example/signalling",
		Target:        sessiontest.NewRenderTarget(),
		NewTransport:  transport.Factory(),
		Scheduler:     sched,
	}, session.Callbacks{})
	require.NoError(t, err)
	defer ctrl.Destroy()

	assert.Equal(t, session.StateReconnecting, ctrl.State())
	assert.Equal(t, 1, sched.PendingCount(), "bootstrap failure arms exactly one retry")
}

func TestController_EventStateTable(t *testing.T) {
	tests := []struct {
		name  string
		event session.Event
		want  session.State
	}{
		{"stream loading", session.Event{Kind: session.EventStreamLoading}, session.StateBooting},
		{"stream connect", session.Event{Kind: session.EventStreamConnect}, session.StateConnecting},
		{"webrtc connecting", session.Event{Kind: session.EventWebRTCConnecting}, session.StateConnecting},
		{"webrtc connected", session.Event{Kind: session.EventWebRTCConnected}, session.StateConnected},
		{"video initialized", session.Event{Kind: session.EventVideoInitialized}, session.StateStreaming},
		{"play started", session.Event{Kind: session.EventPlayStarted}, session.StateStreaming},
		{"stream reconnect notice", session.Event{Kind: session.EventStreamReconnect}, session.StateReconnecting},
		{"stream disconnect", session.Event{Kind: session.EventStreamDisconnect}, session.StateReconnecting},
		{"data channel close", session.Event{Kind: session.EventDataChannelClose}, session.StateReconnecting},
		{"webrtc disconnected", session.Event{Kind: session.EventWebRTCDisconnected}, session.StateReconnecting},
		{"webrtc failed", session.Event{Kind: session.EventWebRTCFailed}, session.StateReconnecting},
		{"subscribe failed", session.Event{Kind: session.EventSubscribeFailed}, session.StateReconnecting},
		{"play error", session.Event{Kind: session.EventPlayError}, session.StateReconnecting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.transport.Emit(tt.event)
			assert.Equal(t, tt.want, f.ctrl.State())
		})
	}
}

func TestController_NoDuplicateRetryTimers(t *testing.T) {
	f := newFixture(t, nil)

	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	f.transport.Emit(session.Event{Kind: session.EventDataChannelClose})
	f.transport.Emit(session.Event{Kind: session.EventWebRTCFailed})

	assert.Equal(t, 1, f.sched.PendingCount(), "disconnect storm must not stack timers")
}

func TestController_RetriesExhaustToTerminalError(t *testing.T) {
	f := newFixture(t, func(cfg *session.Config) {
		cfg.Reconnect = session.ReconnectConfig{Interval: time.Second, MaxAttempts: 2}
	})

	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	f.sched.FireAll(100)

	assert.Equal(t, session.StateError, f.ctrl.State())
	assert.Equal(t, 2, f.transport.Reconnects, "exactly MaxAttempts reconnect attempts")
	require.Len(t, f.errs, 1, "terminal error reported once")
	assert.ErrorContains(t, f.errs[0], "stream disconnected")
	assert.Equal(t, 0, f.sched.PendingCount())
}

func TestController_StreamingResetsRetryBudget(t *testing.T) {
	f := newFixture(t, func(cfg *session.Config) {
		cfg.Reconnect = session.ReconnectConfig{Interval: time.Second, MaxAttempts: 2}
	})

	// Burn one attempt, then recover.
	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	f.sched.FireNext()
	assert.Equal(t, 1, f.transport.Reconnects)

	f.startStreaming(t)
	assert.Equal(t, 1, f.sched.PendingCount(), "only the health poll remains after recovery")

	// The full budget is available for the next outage.
	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	f.sched.FireAll(100)
	assert.Equal(t, 1+2, f.transport.Reconnects)
	assert.Len(t, f.errs, 1)
}

func TestController_HealthStallTriggersSingleRetry(t *testing.T) {
	f := newFixture(t, func(cfg *session.Config) {
		cfg.Health = session.HealthConfig{StaleTimeout: 8 * time.Second, PollInterval: time.Second}
	})
	f.startStreaming(t)

	// Silence long enough to exceed the stale timeout, then let the
	// health poll observe it.
	f.clock.Advance(9 * time.Second)
	require.True(t, f.sched.FireNext())

	assert.Equal(t, session.StateReconnecting, f.ctrl.State())
	assert.Equal(t, 1, f.sched.PendingCount(), "exactly one retry armed, health poll stopped")
}

func TestController_StatsKeepHealthAlive(t *testing.T) {
	f := newFixture(t, func(cfg *session.Config) {
		cfg.Health = session.HealthConfig{StaleTimeout: 8 * time.Second, PollInterval: time.Second}
	})
	f.startStreaming(t)

	for i := 0; i < 20; i++ {
		f.clock.Advance(time.Second)
		f.transport.Emit(session.Event{Kind: session.EventStatsReceived, Stats: &session.RawStatsSample{}})
		require.True(t, f.sched.FireNext())
	}

	assert.Equal(t, session.StateStreaming, f.ctrl.State())
}

func TestController_ManualOnlyDisconnectWaitsForUser(t *testing.T) {
	f := newFixture(t, nil)

	f.transport.Emit(session.Event{
		Kind:       session.EventWebRTCDisconnected,
		Reason:     "streamer requested cooperative reconnect",
		ManualOnly: true,
	})

	assert.Equal(t, session.StateReconnecting, f.ctrl.State())
	assert.Equal(t, 0, f.sched.PendingCount(), "no automatic retry when the server forbids it")

	f.ctrl.Reconnect()
	assert.Equal(t, 1, f.sched.PendingCount(), "manual trigger arms the retry loop")
}

func TestController_ReconnectFromTerminalError(t *testing.T) {
	f := newFixture(t, func(cfg *session.Config) {
		cfg.Reconnect = session.ReconnectConfig{Interval: time.Second, MaxAttempts: 1}
	})

	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	f.sched.FireAll(100)
	require.Equal(t, session.StateError, f.ctrl.State())

	f.ctrl.Reconnect()
	assert.Equal(t, session.StateReconnecting, f.ctrl.State())
	assert.Equal(t, 1, f.sched.PendingCount())

	// The attempt budget was reset: one more attempt runs before the
	// loop gives up again.
	f.sched.FireNext()
	assert.Equal(t, 2, f.transport.Reconnects)
}

func TestController_StatsEventEmitsSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	lost, received := int64(5), int64(95)
	f.transport.Emit(session.Event{Kind: session.EventStatsReceived, Stats: &session.RawStatsSample{
		PacketsLost:     &lost,
		PacketsReceived: &received,
	}})

	require.Len(t, f.stats, 1)
	assert.Equal(t, "5.0", f.stats[0].PacketLossPercent)
	assert.Equal(t, f.stats[0], f.ctrl.Metrics())
}

func TestController_NilStatsPayloadOnlyTouchesHealth(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.Emit(session.Event{Kind: session.EventStatsReceived})
	assert.Empty(t, f.stats, "no snapshot for an empty stats event")
}

func TestController_PointerLockOnlyInLockedMode(t *testing.T) {
	f := newFixture(t, nil)

	f.ctrl.RequestPointerLock()
	assert.Equal(t, 1, f.target.PointerLocks)

	f.ctrl.SetMouseMode(session.MouseModeHover)
	assert.Equal(t, session.MouseModeHover, f.ctrl.MouseMode())
	f.ctrl.RequestPointerLock()
	assert.Equal(t, 1, f.target.PointerLocks, "hover mode must never trap the pointer")

	f.ctrl.SetMouseMode(session.MouseModeLocked)
	f.ctrl.RequestPointerLock()
	assert.Equal(t, 2, f.target.PointerLocks)
}

func TestController_FlagAndViewportForwarding(t *testing.T) {
	f := newFixture(t, nil)

	f.ctrl.SetFlagEnabled(session.FlagTouchInput, false)
	assert.False(t, f.transport.FlagEnabled(session.FlagTouchInput))

	f.ctrl.SetFlagEnabled("UnknownFlag", true)

	f.ctrl.RefreshViewport()
	assert.Equal(t, 1, f.transport.Resizes)
}

func TestController_DestroyIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.startStreaming(t)

	f.ctrl.Destroy()
	f.ctrl.Destroy()

	assert.Equal(t, 1, f.transport.Disconnects, "one teardown only")
	assert.Equal(t, 1, f.target.Clears)
	assert.Equal(t, 0, f.transport.ListenerCount(), "listener registry drained")
	assert.Equal(t, 0, f.sched.PendingCount(), "all timers cancelled")
}

func TestController_DestroyedControllerIsInert(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.Destroy()

	statesBefore := len(f.states)
	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	f.ctrl.Reconnect()
	f.ctrl.SetMouseMode(session.MouseModeHover)
	f.ctrl.RequestPointerLock()
	f.ctrl.RefreshViewport()

	assert.Len(t, f.states, statesBefore, "no state callbacks after destroy")
	assert.Equal(t, 0, f.sched.PendingCount(), "no timer may be scheduled after destroy")
	assert.Equal(t, 0, f.target.PointerLocks)
	assert.Equal(t, 0, f.transport.Resizes)
}

func TestController_RetryAttemptSurvivesSynchronousTransportEvents(t *testing.T) {
	f := newFixture(t, nil)
	// A real transport reports connect progress from inside Reconnect;
	// the event re-enters the controller on the retry timer's goroutine.
	f.transport.EmitOnReconnect = []session.Event{{Kind: session.EventStreamConnect}}

	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})

	fired := make(chan struct{})
	go func() {
		f.sched.FireNext()
		close(fired)
	}()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("retry timer callback never returned; reconnect attempt wedged the controller")
	}

	assert.Equal(t, session.StateConnecting, f.ctrl.State())
	assert.Equal(t, 1, f.transport.Reconnects)
	assert.Equal(t, 1, f.sched.PendingCount(), "next retry stays armed")
}

func TestController_TimerScheduledBeforeDestroyNeverFiresInto(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.Emit(session.Event{Kind: session.EventStreamDisconnect})
	require.Equal(t, 1, f.sched.PendingCount())

	f.ctrl.Destroy()

	// Destroy cancels the handle; nothing is left to fire.
	assert.Equal(t, 0, f.sched.PendingCount())
	assert.False(t, f.sched.FireNext())
	assert.Equal(t, 0, f.transport.Reconnects)
}
