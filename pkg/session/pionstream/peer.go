package pionstream

import (
	"errors"
	"io"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/lumenrender/pixelview/pkg/session"
)

// createPeer builds the receive-only peer connection: default codecs,
// default interceptors (RTCP reports, NACK, TWCC), recvonly video and audio
// transceivers, and the lifecycle event mapping.
func (c *conn) createPeer(cfg webrtc.Configuration) error {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return err
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
	)

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return err
	}

	for _, kind := range []webrtc.RTPCodecType{
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPCodecTypeAudio,
	} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return err
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := c.send(signalMessage{Type: "iceCandidate", Candidate: &init}); err != nil {
			c.t.log.Warn().Err(err).Msg("send ICE candidate")
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.t.log.Debug().Str("ice_state", state.String()).Msg("ICE state change")
		switch state {
		case webrtc.ICEConnectionStateChecking:
			c.emit(session.Event{Kind: session.EventWebRTCConnecting})
		case webrtc.ICEConnectionStateConnected:
			c.emit(session.Event{Kind: session.EventWebRTCConnected})
		case webrtc.ICEConnectionStateDisconnected:
			c.emit(session.Event{
				Kind:   session.EventWebRTCDisconnected,
				Reason: "ICE connection lost",
			})
		case webrtc.ICEConnectionStateFailed:
			c.emit(session.Event{
				Kind:   session.EventWebRTCFailed,
				Reason: "ICE connection failed",
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.t.log.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		go c.readRTCP(receiver)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.keyframeLoop(pc, uint32(track.SSRC()))
			go c.readVideo(track)
			return
		}
		go c.drainTrack(track)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.t.log.Info().Str("label", dc.Label()).Msg("data channel")
		c.pcMu.Lock()
		c.dc = dc
		c.pcMu.Unlock()
		dc.OnClose(func() {
			c.emit(session.Event{Kind: session.EventDataChannelClose})
		})
	})

	c.pcMu.Lock()
	c.pc = pc
	if c.t.recordPath != "" {
		rec, err := newRecorder(c.t.recordPath)
		if err != nil {
			c.t.log.Warn().Err(err).Msg("recording disabled")
		} else {
			c.recorder = rec
		}
	}
	c.pcMu.Unlock()

	c.stats.start(c, pc)
	return nil
}

// readVideo pumps the remote video track: statistics, first-frame events,
// keyframe resolution sniffing, and the optional recording sink.
func (c *conn) readVideo(track *webrtc.TrackRemote) {
	isVP8 := track.Codec().MimeType == webrtc.MimeTypeVP8
	var seq seqTracker

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !c.isClosed() && !errors.Is(err, io.EOF) {
				c.t.log.Debug().Err(err).Msg("video track closed")
			}
			return
		}

		c.videoInit.Do(func() {
			c.emit(session.Event{Kind: session.EventVideoInitialized})
		})

		lost := seq.observe(pkt.SequenceNumber)
		c.stats.onPacket(len(pkt.Payload), lost)

		if pkt.Marker {
			// Marker closes a frame; the first complete frame means
			// playback has begun.
			c.stats.onFrame()
			c.playStarted.Do(func() {
				c.emit(session.Event{Kind: session.EventPlayStarted})
			})
		}

		if isVP8 {
			if w, h, ok := vp8KeyframeDimensions(pkt); ok {
				c.stats.setResolution(w, h)
			}
		}

		c.pcMu.Lock()
		rec := c.recorder
		c.pcMu.Unlock()
		if rec != nil {
			rec.writeRTP(pkt)
		}
	}
}

// drainTrack consumes a non-video track so the receive path keeps flowing.
func (c *conn) drainTrack(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.stats.onPacket(len(pkt.Payload), 0)
	}
}

// readRTCP consumes reports from the remote peer. Sender reports are
// logged; the interceptor chain produces our receiver reports.
func (c *conn) readRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		n, _, err := receiver.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			if sr, ok := p.(*rtcp.SenderReport); ok {
				c.t.log.Trace().
					Uint32("ssrc", sr.SSRC).
					Uint32("packets", sr.PacketCount).
					Msg("sender report")
			}
		}
	}
}

// keyframeLoop periodically requests a keyframe so recordings and
// resolution sniffing do not wait on the encoder's own keyframe cadence.
func (c *conn) keyframeLoop(pc *webrtc.PeerConnection, ssrc uint32) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
			if err != nil {
				return
			}
		}
	}
}

// seqTracker counts packets lost to sequence-number gaps. Reordered
// (late) packets are not counted back out; the loss figure is a smoothed
// display metric, not an accounting ledger.
type seqTracker struct {
	initialized bool
	last        uint16
}

func (s *seqTracker) observe(seq uint16) int64 {
	if !s.initialized {
		s.initialized = true
		s.last = seq
		return 0
	}
	diff := int16(seq - s.last)
	if diff <= 0 {
		return 0
	}
	s.last = seq
	return int64(diff) - 1
}

// vp8KeyframeDimensions extracts frame dimensions from the first packet of
// a VP8 keyframe. The uncompressed VP8 header carries 14-bit width and
// height in the 10-byte frame tag.
func vp8KeyframeDimensions(pkt *rtp.Packet) (width, height int, ok bool) {
	var vp8 codecs.VP8Packet
	payload, err := vp8.Unmarshal(pkt.Payload)
	if err != nil {
		return 0, 0, false
	}
	// Keyframe detection: first partition, start of frame, P bit clear.
	if vp8.S != 1 || vp8.PID != 0 || len(payload) < 10 {
		return 0, 0, false
	}
	if payload[0]&0x01 != 0 {
		return 0, 0, false // interframe
	}
	width = int(uint16(payload[6])|uint16(payload[7])<<8) & 0x3FFF
	height = int(uint16(payload[8])|uint16(payload[9])<<8) & 0x3FFF
	if width == 0 || height == 0 {
		return 0, 0, false
	}
	return width, height, true
}
