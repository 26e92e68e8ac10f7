package pionstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenrender/pixelview/pkg/session"
	"github.com/lumenrender/pixelview/pkg/session/sessiontest"
)

// signallingServer is a scripted in-process signalling endpoint.
type signallingServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	conns chan *websocket.Conn
}

func newSignallingServer(t *testing.T) *signallingServer {
	s := &signallingServer{t: t, conns: make(chan *websocket.Conn, 4)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *signallingServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *signallingServer) accept() *websocket.Conn {
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(5 * time.Second):
		s.t.Fatal("timed out waiting for signalling connection")
		return nil
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) signalMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg signalMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

// eventCollector subscribes to every event kind and exposes them on a channel.
type eventCollector struct {
	events chan session.Event
}

func collectEvents(tr *Transport) *eventCollector {
	c := &eventCollector{events: make(chan session.Event, 64)}
	for kind := session.EventStreamLoading; kind <= session.EventPlayError; kind++ {
		k := kind
		tr.AddListener(k, func(ev session.Event) { c.events <- ev })
	}
	return c
}

func (c *eventCollector) expect(t *testing.T, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := New(sessiontest.NewRenderTarget(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Disconnect() })
	return tr
}

func TestTransport_SubscribeHandshake(t *testing.T) {
	srv := newSignallingServer(t)
	tr := newTestTransport(t, srv.url())
	events := collectEvents(tr)

	require.NoError(t, tr.Connect())
	ws := srv.accept()

	require.NoError(t, ws.WriteJSON(signalMessage{
		Type:                  "config",
		PeerConnectionOptions: json.RawMessage(`{"iceServers":[{"urls":["stun:stun.example:3478"]}]}`),
	}))

	events.expect(t, session.EventStreamLoading)
	assert.Equal(t, "listStreamers", readMessage(t, ws).Type)

	require.NoError(t, ws.WriteJSON(signalMessage{Type: "streamerList", IDs: []string{"renderer-0"}}))

	sub := readMessage(t, ws)
	assert.Equal(t, "subscribe", sub.Type)
	assert.Equal(t, "renderer-0", sub.StreamerID)
	assert.NotEmpty(t, sub.PlayerID)
}

func TestTransport_EmptyStreamerListWithoutWaitFails(t *testing.T) {
	srv := newSignallingServer(t)

	flags := session.DefaultFlagSet()
	flags[session.FlagWaitForStreamer] = false
	tr, err := New(sessiontest.NewRenderTarget(), srv.url(), flags)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Disconnect() })
	events := collectEvents(tr)

	require.NoError(t, tr.Connect())
	ws := srv.accept()

	require.NoError(t, ws.WriteJSON(signalMessage{Type: "config"}))
	readMessage(t, ws) // listStreamers
	require.NoError(t, ws.WriteJSON(signalMessage{Type: "streamerList"}))

	ev := events.expect(t, session.EventSubscribeFailed)
	assert.Equal(t, "no streamer available", ev.Reason)
}

func TestTransport_PollsUntilStreamerAppears(t *testing.T) {
	srv := newSignallingServer(t)
	tr := newTestTransport(t, srv.url())
	tr.pollInterval = 50 * time.Millisecond

	require.NoError(t, tr.Connect())
	ws := srv.accept()

	require.NoError(t, ws.WriteJSON(signalMessage{Type: "config"}))
	assert.Equal(t, "listStreamers", readMessage(t, ws).Type)

	// Nobody online yet: the client keeps asking on its poll cadence.
	require.NoError(t, ws.WriteJSON(signalMessage{Type: "streamerList"}))
	assert.Equal(t, "listStreamers", readMessage(t, ws).Type)
	require.NoError(t, ws.WriteJSON(signalMessage{Type: "streamerList"}))
	assert.Equal(t, "listStreamers", readMessage(t, ws).Type)

	// A streamer joins; polling ends with the subscribe.
	require.NoError(t, ws.WriteJSON(signalMessage{Type: "streamerList", IDs: []string{"renderer-0"}}))
	for {
		msg := readMessage(t, ws)
		if msg.Type == "subscribe" {
			assert.Equal(t, "renderer-0", msg.StreamerID)
			break
		}
		require.Equal(t, "listStreamers", msg.Type)
	}

	// Polling winds down once subscribed. One straggling poll may have
	// raced the subscribe; a live loop would keep producing them.
	ws.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	trailing := 0
	for {
		var msg signalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		require.Equal(t, "listStreamers", msg.Type)
		trailing++
		require.LessOrEqual(t, trailing, 1, "poll loop must stop after subscribing")
	}
}

func TestTransport_DisconnectNoticeCarriesManualOnly(t *testing.T) {
	srv := newSignallingServer(t)
	tr := newTestTransport(t, srv.url())
	events := collectEvents(tr)

	require.NoError(t, tr.Connect())
	ws := srv.accept()

	falsev := false
	require.NoError(t, ws.WriteJSON(signalMessage{
		Type:           "disconnectPlayer",
		Message:        "maintenance window",
		AllowReconnect: &falsev,
	}))

	ev := events.expect(t, session.EventWebRTCDisconnected)
	assert.True(t, ev.ManualOnly)
	assert.Equal(t, "maintenance window", ev.Reason)
}

func TestTransport_SocketLossEmitsStreamDisconnect(t *testing.T) {
	srv := newSignallingServer(t)
	tr := newTestTransport(t, srv.url())
	events := collectEvents(tr)

	require.NoError(t, tr.Connect())
	ws := srv.accept()
	ws.Close()

	ev := events.expect(t, session.EventStreamDisconnect)
	assert.Equal(t, "signalling connection lost", ev.Reason)
}

func TestTransport_DeliberateDisconnectIsSilent(t *testing.T) {
	srv := newSignallingServer(t)
	tr := newTestTransport(t, srv.url())
	events := collectEvents(tr)

	require.NoError(t, tr.Connect())
	srv.accept()
	events.expect(t, session.EventStreamConnect)
	require.NoError(t, tr.Disconnect())

	select {
	case ev := <-events.events:
		t.Fatalf("unexpected event %d after deliberate disconnect", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransport_PingPong(t *testing.T) {
	srv := newSignallingServer(t)
	tr := newTestTransport(t, srv.url())

	require.NoError(t, tr.Connect())
	ws := srv.accept()

	require.NoError(t, ws.WriteJSON(signalMessage{Type: "ping"}))
	assert.Equal(t, "pong", readMessage(t, ws).Type)
}

func TestTransport_FlagStore(t *testing.T) {
	tr, err := New(sessiontest.NewRenderTarget(), "ws://unused.invalid", nil)
	require.NoError(t, err)

	assert.True(t, tr.FlagEnabled(session.FlagMouseInput))
	tr.SetFlag(session.FlagMouseInput, false)
	assert.False(t, tr.FlagEnabled(session.FlagMouseInput))

	tr.SetFlag("SomeUnknownFlag", true)
	assert.True(t, tr.FlagEnabled("SomeUnknownFlag"), "unknown flags are stored, not rejected")
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(sessiontest.NewRenderTarget(), "", nil)
	assert.Error(t, err)
}

func TestDispatcher_RemoveStopsDelivery(t *testing.T) {
	d := newDispatcher()
	calls := 0
	id := d.add(session.EventStreamLoading, func(session.Event) { calls++ })

	d.emit(session.Event{Kind: session.EventStreamLoading})
	d.emit(session.Event{Kind: session.EventStreamConnect}) // other kind, not delivered
	d.remove(id)
	d.emit(session.Event{Kind: session.EventStreamLoading})

	assert.Equal(t, 1, calls)
}

func TestParsePeerOptions(t *testing.T) {
	cfg, ok := parsePeerOptions(json.RawMessage(
		`{"iceServers":[{"urls":["turn:turn.example:3478"],"username":"u","credential":"c"}]}`))
	require.True(t, ok)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example:3478"}, cfg.ICEServers[0].URLs)

	_, ok = parsePeerOptions(json.RawMessage(`{"iceServers":[]}`))
	assert.False(t, ok)

	_, ok = parsePeerOptions(json.RawMessage(`not json`))
	assert.False(t, ok)
}
