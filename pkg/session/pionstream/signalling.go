package pionstream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/lumenrender/pixelview/pkg/session"
)

// signalMessage is the JSON envelope exchanged with the signalling server.
// Only the fields relevant to the message's type are populated.
type signalMessage struct {
	Type                  string                   `json:"type"`
	PlayerID              string                   `json:"playerId,omitempty"`
	SDP                   string                   `json:"sdp,omitempty"`
	Candidate             *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	StreamerID            string                   `json:"streamerId,omitempty"`
	IDs                   []string                 `json:"ids,omitempty"`
	Message               string                   `json:"message,omitempty"`
	PeerConnectionOptions json.RawMessage          `json:"peerConnectionOptions,omitempty"`

	// AllowReconnect, when explicitly false on a disconnect notice, tells
	// the client that reconnection must be user-initiated.
	AllowReconnect *bool `json:"allowReconnect,omitempty"`
}

// iceServerOptions mirrors the peerConnectionOptions payload of the
// signalling config message.
type iceServerOptions struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

// conn is one live signalling + peer connection. A Transport holds at most
// one; generation numbers keep a torn-down conn's goroutines from emitting
// into a newer session.
type conn struct {
	t   *Transport
	gen int

	ws   *websocket.Conn
	wsMu sync.Mutex // serializes writes

	pcMu sync.Mutex
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel

	stats    *sampler
	recorder *recorder

	closed    chan struct{}
	closeOnce sync.Once

	// subscribed closes once a subscribe request has been sent, stopping
	// the streamer-list poll loop.
	subscribed chan struct{}
	subOnce    sync.Once
	pollOnce   sync.Once

	videoInit   sync.Once
	playStarted sync.Once
}

func newConn(t *Transport, gen int, ws *websocket.Conn) *conn {
	return &conn{
		t:          t,
		gen:        gen,
		ws:         ws,
		stats:      newSampler(),
		closed:     make(chan struct{}),
		subscribed: make(chan struct{}),
	}
}

func (c *conn) start() {
	go c.readLoop()
}

// close tears the connection down without emitting events. It does not wait
// for goroutines: they observe the closed socket and exit, and the
// generation guard drops anything they still try to emit.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.pcMu.Lock()
		pc := c.pc
		rec := c.recorder
		c.pcMu.Unlock()
		if pc != nil {
			pc.Close()
		}
		if rec != nil {
			rec.close()
		}
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) emit(ev session.Event) {
	c.t.emitFrom(c.gen, ev)
}

func (c *conn) send(msg signalMessage) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *conn) readLoop() {
	for {
		var msg signalMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !c.isClosed() {
				c.emit(session.Event{
					Kind:   session.EventStreamDisconnect,
					Reason: "signalling connection lost",
				})
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *conn) handleMessage(msg signalMessage) {
	log := c.t.log.With().Str("type", msg.Type).Logger()

	switch msg.Type {
	case "config":
		cfg := c.t.rtcConfig
		if len(msg.PeerConnectionOptions) > 0 {
			if parsed, ok := parsePeerOptions(msg.PeerConnectionOptions); ok {
				cfg = parsed
			}
		}
		if err := c.createPeer(cfg); err != nil {
			log.Error().Err(err).Msg("create peer connection")
			c.emit(session.Event{Kind: session.EventWebRTCFailed, Reason: err.Error()})
			return
		}
		c.emit(session.Event{Kind: session.EventStreamLoading})
		c.requestStreamerList()

	case "streamerList":
		if len(msg.IDs) == 0 {
			if c.t.FlagEnabled(session.FlagWaitForStreamer) {
				// No streamer online yet; poll until one joins.
				c.pollOnce.Do(func() { go c.pollStreamers() })
				return
			}
			c.emit(session.Event{
				Kind:   session.EventSubscribeFailed,
				Reason: "no streamer available",
			})
			return
		}
		if err := c.send(signalMessage{
			Type:       "subscribe",
			StreamerID: msg.IDs[0],
			PlayerID:   c.t.playerID,
		}); err != nil {
			log.Error().Err(err).Msg("subscribe")
			c.emit(session.Event{Kind: session.EventSubscribeFailed, Reason: err.Error()})
			return
		}
		c.subOnce.Do(func() { close(c.subscribed) })

	case "subscribeFailed":
		c.emit(session.Event{
			Kind:   session.EventSubscribeFailed,
			Reason: msg.Message,
		})

	case "offer":
		if err := c.handleOffer(msg.SDP); err != nil {
			log.Error().Err(err).Msg("handle offer")
			c.emit(session.Event{Kind: session.EventWebRTCFailed, Reason: err.Error()})
		}

	case "iceCandidate":
		if msg.Candidate == nil {
			return
		}
		c.pcMu.Lock()
		pc := c.pc
		c.pcMu.Unlock()
		if pc == nil {
			return
		}
		if err := pc.AddICECandidate(*msg.Candidate); err != nil {
			log.Warn().Err(err).Msg("add ICE candidate")
		}

	case "disconnectPlayer":
		manualOnly := msg.AllowReconnect != nil && !*msg.AllowReconnect
		c.emit(session.Event{
			Kind:       session.EventWebRTCDisconnected,
			Reason:     msg.Message,
			ManualOnly: manualOnly,
		})

	case "ping":
		_ = c.send(signalMessage{Type: "pong"})

	case "playerCount":
		// Informational only.

	default:
		log.Debug().Msg("ignoring signalling message")
	}
}

func (c *conn) requestStreamerList() {
	if err := c.send(signalMessage{Type: "listStreamers"}); err != nil && !c.isClosed() {
		c.emit(session.Event{Kind: session.EventSubscribeFailed, Reason: err.Error()})
	}
}

// pollStreamers re-requests the streamer list on a fixed cadence until a
// subscribe goes out or the connection dies. One loop per connection.
func (c *conn) pollStreamers() {
	ticker := time.NewTicker(c.t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-c.subscribed:
			return
		case <-ticker.C:
			c.requestStreamerList()
		}
	}
}

func (c *conn) handleOffer(sdp string) error {
	c.pcMu.Lock()
	pc := c.pc
	c.pcMu.Unlock()
	if pc == nil {
		// Some servers skip the config message; negotiate with defaults.
		if err := c.createPeer(c.t.rtcConfig); err != nil {
			return err
		}
		c.pcMu.Lock()
		pc = c.pc
		c.pcMu.Unlock()
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return c.send(signalMessage{Type: "answer", SDP: answer.SDP})
}

// sendViewportRefresh asks the remote renderer to recompute its output
// layout. Delivered over the input data channel when one is open.
func (c *conn) sendViewportRefresh() {
	c.pcMu.Lock()
	dc := c.dc
	c.pcMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if err := dc.SendText(`{"type":"viewportRefresh"}`); err != nil {
		c.t.log.Warn().Err(err).Msg("viewport refresh send failed")
	}
}

func parsePeerOptions(raw json.RawMessage) (webrtc.Configuration, bool) {
	var opts iceServerOptions
	if err := json.Unmarshal(raw, &opts); err != nil || len(opts.ICEServers) == 0 {
		return webrtc.Configuration{}, false
	}
	cfg := webrtc.Configuration{}
	for _, s := range opts.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg, true
}
