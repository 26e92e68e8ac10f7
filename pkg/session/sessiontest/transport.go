// Package sessiontest provides scripted fakes for exercising the session
// controller without a real signalling server or peer connection.
package sessiontest

import (
	"sync"

	"github.com/lumenrender/pixelview/pkg/session"
)

// Transport is an in-memory session.Transport that records every command
// and lets a test (or the soak runner) emit transport events by hand.
type Transport struct {
	mu        sync.Mutex
	flags     session.FlagSet
	nextID    session.ListenerID
	listeners map[session.ListenerID]listener

	Connects    int
	Reconnects  int
	Disconnects int
	Resizes     int

	// ConnectErr and ReconnectErr, when set, are returned by the
	// corresponding calls to simulate bootstrap failures.
	ConnectErr   error
	ReconnectErr error

	// EmitOnReconnect is delivered synchronously from inside Reconnect,
	// the way a real transport reports its own connect progress.
	EmitOnReconnect []session.Event
}

type listener struct {
	kind session.EventKind
	fn   func(session.Event)
}

// NewTransport creates a fake transport with the given initial flags.
func NewTransport(flags session.FlagSet) *Transport {
	if flags == nil {
		flags = session.DefaultFlagSet()
	}
	copied := make(session.FlagSet, len(flags))
	for k, v := range flags {
		copied[k] = v
	}
	return &Transport{
		flags:     copied,
		listeners: make(map[session.ListenerID]listener),
	}
}

// Factory returns a session.TransportFactory that hands out t regardless of
// target and URL, capturing the initial flag set.
func (t *Transport) Factory() session.TransportFactory {
	return func(_ session.RenderTarget, _ string, flags session.FlagSet) (session.Transport, error) {
		t.mu.Lock()
		for k, v := range flags {
			t.flags[k] = v
		}
		t.mu.Unlock()
		return t, nil
	}
}

func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Connects++
	return t.ConnectErr
}

func (t *Transport) Reconnect() error {
	t.mu.Lock()
	t.Reconnects++
	err := t.ReconnectErr
	events := t.EmitOnReconnect
	t.mu.Unlock()
	for _, ev := range events {
		t.Emit(ev)
	}
	return err
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Disconnects++
	return nil
}

func (t *Transport) SetFlag(flag session.Flag, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags[flag] = enabled
}

func (t *Transport) FlagEnabled(flag session.Flag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags[flag]
}

func (t *Transport) NotifyResize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Resizes++
}

func (t *Transport) AddListener(kind session.EventKind, fn func(session.Event)) session.ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.listeners[t.nextID] = listener{kind: kind, fn: fn}
	return t.nextID
}

func (t *Transport) RemoveListener(id session.ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, id)
}

// ListenerCount returns the number of registered listeners. Zero after the
// controller is destroyed.
func (t *Transport) ListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Emit delivers ev to every listener registered for its kind.
func (t *Transport) Emit(ev session.Event) {
	t.mu.Lock()
	fns := make([]func(session.Event), 0, 1)
	for _, l := range t.listeners {
		if l.kind == ev.Kind {
			fns = append(fns, l.fn)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// RenderTarget is an in-memory session.RenderTarget recording pointer-lock
// requests and clears.
type RenderTarget struct {
	mu           sync.Mutex
	PointerLocks int
	Clears       int

	// PointerLockErr, when set, is returned by RequestPointerLock.
	PointerLockErr error
}

// NewRenderTarget creates an empty fake render target.
func NewRenderTarget() *RenderTarget {
	return &RenderTarget{}
}

func (r *RenderTarget) RequestPointerLock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PointerLocks++
	return r.PointerLockErr
}

func (r *RenderTarget) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Clears++
}
