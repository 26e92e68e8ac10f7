package pionstream

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lumenrender/pixelview/pkg/session"
)

// sampler accumulates raw receive-path counters and periodically turns them
// into session.RawStatsSample events. Every field of the emitted sample is
// optional by contract; the sampler sets only what it actually measured.
type sampler struct {
	mu sync.Mutex

	bytes   int64
	packets int64
	lost    int64
	frames  int64

	width  int
	height int

	rate *rateWindow

	lastFrames int64
	lastAt     time.Time
}

func newSampler() *sampler {
	return &sampler{rate: newRateWindow(time.Second)}
}

// onPacket records one received RTP packet and any loss the sequence gap
// revealed.
func (s *sampler) onPacket(payloadBytes int, lostPackets int64) {
	now := time.Now()
	s.mu.Lock()
	s.bytes += int64(payloadBytes)
	s.packets++
	s.lost += lostPackets
	s.rate.add(int64(payloadBytes), now)
	s.mu.Unlock()
}

// onFrame records one completed video frame.
func (s *sampler) onFrame() {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

// setResolution records the most recently observed keyframe dimensions.
func (s *sampler) setResolution(width, height int) {
	s.mu.Lock()
	s.width = width
	s.height = height
	s.mu.Unlock()
}

// start begins the emit loop for the given connection. Stops when the
// connection closes.
func (s *sampler) start(c *conn, pc *webrtc.PeerConnection) {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.closed:
				return
			case now := <-ticker.C:
				sample := s.collect(now)
				if rtt, ok := currentRoundTrip(pc); ok {
					sample.RoundTripMs = &rtt
				}
				c.emit(session.Event{Kind: session.EventStatsReceived, Stats: &sample})
			}
		}
	}()
}

// collect snapshots the counters into a raw sample.
func (s *sampler) collect(now time.Time) session.RawStatsSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample := session.RawStatsSample{}

	bytes, packets, lost := s.bytes, s.packets, s.lost
	sample.BytesReceived = &bytes
	sample.PacketsReceived = &packets
	sample.PacketsLost = &lost

	ts := float64(now.UnixMilli())
	sample.TimestampMs = &ts

	if bps, ok := s.rate.rate(now); ok {
		sample.BitrateBps = &bps
	}

	if !s.lastAt.IsZero() {
		elapsed := now.Sub(s.lastAt).Seconds()
		if elapsed > 0 {
			fps := float64(s.frames-s.lastFrames) / elapsed
			sample.FramesPerSecond = &fps
		}
	}
	s.lastFrames = s.frames
	s.lastAt = now

	if s.width > 0 && s.height > 0 {
		w, h := s.width, s.height
		sample.FrameWidth = &w
		sample.FrameHeight = &h
	}

	return sample
}

// currentRoundTrip pulls the nominated ICE candidate pair's round-trip time
// from the peer connection's stats report, in milliseconds.
func currentRoundTrip(pc *webrtc.PeerConnection) (float64, bool) {
	for _, stat := range pc.GetStats() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated {
			continue
		}
		if pair.CurrentRoundTripTime <= 0 {
			continue
		}
		return pair.CurrentRoundTripTime * 1000, true
	}
	return 0, false
}
