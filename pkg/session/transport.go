package session

// Transport is the streaming client the controller drives. Implementations
// bridge a real signalling/WebRTC stack (see pionstream) or a scripted fake
// (see sessiontest). All methods must be safe to call from the controller's
// serialized event path.
type Transport interface {
	// Connect opens the signalling connection and begins negotiation.
	Connect() error

	// Reconnect tears down and re-runs negotiation against the same
	// signalling endpoint. Transports without a cheaper path may implement
	// it as Disconnect followed by Connect.
	Reconnect() error

	// Disconnect closes the connection and stops event delivery.
	Disconnect() error

	// SetFlag applies a named boolean capability toggle. Unknown flags are
	// ignored.
	SetFlag(flag Flag, enabled bool)

	// FlagEnabled reports the current value of a flag. Unknown flags read
	// as false.
	FlagEnabled(flag Flag) bool

	// NotifyResize asks the transport to recompute video layout after the
	// host viewport changed.
	NotifyResize()

	// AddListener registers fn for events of the given kind and returns an
	// identifier for removal.
	AddListener(kind EventKind, fn func(Event)) ListenerID

	// RemoveListener unregisters a previously added listener. Removing an
	// unknown id is a no-op.
	RemoveListener(id ListenerID)
}

// RenderTarget is the surface the transport draws into. It is exclusively
// owned by one controller at a time; the controller clears it on Destroy so
// a subsequent controller can reuse it.
type RenderTarget interface {
	// RequestPointerLock asks the surface to capture the pointer
	// exclusively. Errors are advisory; pointer lock is best-effort.
	RequestPointerLock() error

	// Clear releases the surface's contents.
	Clear()
}

// TransportFactory builds the transport bound to a render target and
// signalling endpoint with an initial flag configuration.
type TransportFactory func(target RenderTarget, signallingURL string, flags FlagSet) (Transport, error)
