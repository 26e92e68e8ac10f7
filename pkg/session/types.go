// Package session implements the client-side lifecycle controller for a
// remote-rendering (pixel streaming) session: connection bring-up, health
// monitoring, bounded automatic reconnection, input-mode switching, and
// statistics smoothing over an unreliable real-time transport.
package session

// State is the session lifecycle state. Exactly one value is active at a
// time; StateStreaming is the only state in which remote media and input are
// live. StateError is terminal for automatic recovery; only a manual
// Reconnect can leave it.
type State int

const (
	// StateIdle is the initial state before the transport is opened.
	StateIdle State = iota
	// StateBooting indicates the remote stream is loading.
	StateBooting
	// StateConnecting covers signalling connect and ICE/WebRTC negotiation.
	StateConnecting
	// StateConnected indicates the WebRTC connection is established but no
	// video has played yet.
	StateConnected
	// StateStreaming indicates live media: first frame received or playback
	// started.
	StateStreaming
	// StateReconnecting indicates a retry loop is active (or awaiting a
	// manual trigger when the server disallows automatic reconnects).
	StateReconnecting
	// StateError indicates retries are exhausted; automatic recovery has
	// given up.
	StateError
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBooting:
		return "booting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MouseMode selects how the remote session receives mouse input.
type MouseMode int

const (
	// MouseModeLocked captures the pointer exclusively for the render
	// target (first-person style input). This is the only mode in which
	// RequestPointerLock acquires a lock.
	MouseModeLocked MouseMode = iota
	// MouseModeHover leaves the pointer free; the remote cursor follows
	// the hovering local cursor. Hover mode must never trap the pointer.
	MouseModeHover
)

// String returns a string representation of the MouseMode.
func (m MouseMode) String() string {
	if m == MouseModeHover {
		return "hover"
	}
	return "locked"
}

// Flag names a boolean transport capability toggle. Unknown flags are
// forwarded and silently ignored by transports that do not understand them;
// configuration is best-effort.
type Flag string

const (
	FlagMouseInput          Flag = "MouseInput"
	FlagKeyboardInput       Flag = "KeyboardInput"
	FlagTouchInput          Flag = "TouchInput"
	FlagFakeMouseWithTouch  Flag = "FakeMouseWithTouches"
	FlagHoveringMouse       Flag = "HoveringMouseMode"
	FlagAutoPlayVideo       Flag = "AutoPlayVideo"
	FlagMatchViewport       Flag = "MatchViewportResolution"
	FlagSuppressBrowserKeys Flag = "SuppressBrowserKeys"
	FlagWaitForStreamer     Flag = "WaitForStreamer"
)

// FlagSet is the initial capability configuration handed to a transport.
type FlagSet map[Flag]bool

// DefaultFlagSet returns the stock viewer configuration: all input classes
// enabled, playback automatic, locked mouse mode.
func DefaultFlagSet() FlagSet {
	return FlagSet{
		FlagMouseInput:          true,
		FlagKeyboardInput:       true,
		FlagTouchInput:          true,
		FlagFakeMouseWithTouch:  false,
		FlagHoveringMouse:       false,
		FlagAutoPlayVideo:       true,
		FlagMatchViewport:       true,
		FlagSuppressBrowserKeys: true,
		FlagWaitForStreamer:     true,
	}
}

// EventKind identifies a transport or browser event observed by the
// controller. Each kind maps to exactly one lifecycle transition.
type EventKind int

const (
	// EventStreamLoading fires when the remote stream starts loading.
	EventStreamLoading EventKind = iota
	// EventStreamConnect fires on the signalling connect attempt.
	EventStreamConnect
	// EventWebRTCConnecting fires while ICE/WebRTC negotiation runs.
	EventWebRTCConnecting
	// EventWebRTCConnected fires once the WebRTC connection is established.
	EventWebRTCConnected
	// EventVideoInitialized fires on the first decoded video frame.
	EventVideoInitialized
	// EventPlayStarted fires when playback begins.
	EventPlayStarted
	// EventStatsReceived carries a raw statistics sample.
	EventStatsReceived
	// EventStreamReconnect is the transport's own reconnect notice.
	EventStreamReconnect
	// EventStreamDisconnect fires when the stream disconnects.
	EventStreamDisconnect
	// EventDataChannelClose fires when the input data channel closes.
	EventDataChannelClose
	// EventWebRTCDisconnected fires when the peer connection drops. Its
	// payload may mark the disconnect as manual-reconnect-only.
	EventWebRTCDisconnected
	// EventWebRTCFailed fires when the peer connection fails to establish.
	EventWebRTCFailed
	// EventSubscribeFailed fires when subscribing to the streamer fails.
	EventSubscribeFailed
	// EventPlayError fires when playback cannot start.
	EventPlayError
)

// Event is a transport event delivered to registered listeners.
type Event struct {
	Kind EventKind

	// Stats is set only for EventStatsReceived.
	Stats *RawStatsSample

	// Reason is an optional human-readable cause for disconnect-class events.
	Reason string

	// ManualOnly marks an EventWebRTCDisconnected whose server signalled
	// that reconnection must be user-initiated. The controller reports
	// StateReconnecting but schedules no retry timer.
	ManualOnly bool
}

// ListenerID identifies a registered event listener for later removal.
type ListenerID int

// Callbacks is the observer surface exposed to the embedding view. Any
// callback may be nil; the controller skips nil callbacks. After Destroy no
// callback is invoked again.
type Callbacks struct {
	// OnStateChange is invoked on every lifecycle transition.
	OnStateChange func(State)
	// OnStats is invoked with each smoothed metrics snapshot.
	OnStats func(MetricsSnapshot)
	// OnError is invoked once when retries are exhausted.
	OnError func(error)
}
