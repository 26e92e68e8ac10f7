// Package pionstream implements the session.Transport interface on the
// Pion WebRTC stack: a WebSocket signalling client, receive-only peer
// connection bring-up, RTP-driven statistics sampling, and an optional IVF
// recording sink.
package pionstream

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/lumenrender/pixelview/pkg/session"
)

const (
	// streamerPollInterval is how long to wait before asking the
	// signalling server for streamers again when none is online yet.
	streamerPollInterval = 2 * time.Second

	// statsInterval is the cadence of stats-received events.
	statsInterval = time.Second

	// keyframeInterval is how often a PLI is sent while receiving video,
	// so recordings and late joins get regular keyframes.
	keyframeInterval = 3 * time.Second
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the structured logger. Default is a disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// WithRTCConfiguration overrides the WebRTC configuration used when the
// signalling server does not supply peer connection options.
func WithRTCConfiguration(cfg webrtc.Configuration) Option {
	return func(t *Transport) {
		t.rtcConfig = cfg
	}
}

// WithDialer overrides the WebSocket dialer, e.g. for TLS settings.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// WithRecording writes the received video stream to an IVF file at path.
func WithRecording(path string) Option {
	return func(t *Transport) {
		t.recordPath = path
	}
}

// Transport is a session.Transport backed by a Pion peer connection and a
// pixel-streaming signalling WebSocket.
type Transport struct {
	url      string
	target   session.RenderTarget
	playerID string

	log          zerolog.Logger
	rtcConfig    webrtc.Configuration
	dialer       *websocket.Dialer
	recordPath   string
	pollInterval time.Duration

	dispatcher *dispatcher

	flagMu sync.RWMutex
	flags  session.FlagSet

	mu     sync.Mutex
	conn   *conn // nil when disconnected
	genNum int   // connection generation, guards stale goroutine events
}

// New creates a transport bound to the given render target and signalling
// endpoint. The connection is not opened until Connect.
func New(target session.RenderTarget, signallingURL string, flags session.FlagSet, opts ...Option) (*Transport, error) {
	if signallingURL == "" {
		return nil, errors.New("pionstream: signalling URL is required")
	}
	if flags == nil {
		flags = session.DefaultFlagSet()
	}
	copied := make(session.FlagSet, len(flags))
	for k, v := range flags {
		copied[k] = v
	}
	t := &Transport{
		url:          signallingURL,
		target:       target,
		playerID:     uuid.NewString(),
		log:          zerolog.Nop(),
		dialer:       websocket.DefaultDialer,
		dispatcher:   newDispatcher(),
		flags:        copied,
		pollInterval: streamerPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Factory returns a session.TransportFactory that builds transports with
// the given options.
func Factory(opts ...Option) session.TransportFactory {
	return func(target session.RenderTarget, signallingURL string, flags session.FlagSet) (session.Transport, error) {
		return New(target, signallingURL, flags, opts...)
	}
}

// Connect dials the signalling server and starts negotiation. The actual
// offer/answer exchange happens asynchronously on the signalling read loop.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.genNum++
	gen := t.genNum
	t.mu.Unlock()

	t.emit(session.Event{Kind: session.EventStreamConnect})

	ws, _, err := t.dialer.Dial(t.url, nil)
	if err != nil {
		return err
	}

	c := newConn(t, gen, ws)
	t.mu.Lock()
	if t.genNum != gen {
		// Disconnect raced the dial; drop the fresh connection.
		t.mu.Unlock()
		ws.Close()
		return nil
	}
	t.conn = c
	t.mu.Unlock()

	c.start()
	return nil
}

// Reconnect tears the current connection down quietly and dials again.
func (t *Transport) Reconnect() error {
	t.closeConn()
	return t.Connect()
}

// Disconnect closes the signalling socket and peer connection. No events
// are emitted for a deliberate disconnect.
func (t *Transport) Disconnect() error {
	t.closeConn()
	return nil
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.genNum++
	t.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// SetFlag applies a capability toggle. Unknown flags are stored and
// ignored; configuration is best-effort.
func (t *Transport) SetFlag(flag session.Flag, enabled bool) {
	t.flagMu.Lock()
	t.flags[flag] = enabled
	t.flagMu.Unlock()
}

// FlagEnabled reports the current value of a flag.
func (t *Transport) FlagEnabled(flag session.Flag) bool {
	t.flagMu.RLock()
	defer t.flagMu.RUnlock()
	return t.flags[flag]
}

// NotifyResize asks the remote renderer to recompute the video layout via
// the input data channel. A no-op while no channel is open.
func (t *Transport) NotifyResize() {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c != nil {
		c.sendViewportRefresh()
	}
}

// AddListener registers fn for events of the given kind.
func (t *Transport) AddListener(kind session.EventKind, fn func(session.Event)) session.ListenerID {
	return t.dispatcher.add(kind, fn)
}

// RemoveListener unregisters a listener.
func (t *Transport) RemoveListener(id session.ListenerID) {
	t.dispatcher.remove(id)
}

// emit delivers an event from the given connection only if that connection
// is still current, so goroutines of a torn-down connection cannot leak
// stale disconnect events into a new session.
func (t *Transport) emitFrom(gen int, ev session.Event) {
	t.mu.Lock()
	current := t.genNum == gen && t.conn != nil
	t.mu.Unlock()
	if current {
		t.dispatcher.emit(ev)
	}
}

func (t *Transport) emit(ev session.Event) {
	t.dispatcher.emit(ev)
}

// dispatcher is a minimal listener registry keyed by event kind.
type dispatcher struct {
	mu        sync.RWMutex
	nextID    session.ListenerID
	listeners map[session.ListenerID]dispatchEntry
}

type dispatchEntry struct {
	kind session.EventKind
	fn   func(session.Event)
}

func newDispatcher() *dispatcher {
	return &dispatcher{listeners: make(map[session.ListenerID]dispatchEntry)}
}

func (d *dispatcher) add(kind session.EventKind, fn func(session.Event)) session.ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[d.nextID] = dispatchEntry{kind: kind, fn: fn}
	return d.nextID
}

func (d *dispatcher) remove(id session.ListenerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, id)
}

func (d *dispatcher) emit(ev session.Event) {
	d.mu.RLock()
	fns := make([]func(session.Event), 0, 2)
	for _, e := range d.listeners {
		if e.kind == ev.Kind {
			fns = append(fns, e.fn)
		}
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
