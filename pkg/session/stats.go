package session

import (
	"fmt"
	"math"
	"strconv"
)

// RawStatsSample is one untrusted, transport-supplied statistics sample.
// Every field is optional; a nil field means the transport did not report it
// this round. Absent fields never overwrite previously known values.
type RawStatsSample struct {
	PacketsLost     *int64
	PacketsReceived *int64
	BitrateBps      *float64
	BytesReceived   *int64
	TimestampMs     *float64
	FramesPerSecond *float64
	FrameWidth      *int
	FrameHeight     *int

	// RoundTripMs is the transport-level round-trip measurement (ICE
	// candidate-pair RTT in the pion transport). Optional like the rest.
	RoundTripMs *float64
}

// MetricsSnapshot is the smoothed, display-ready view of the stream's
// statistics. Snapshots are immutable; each update derives a new one from
// the previous snapshot plus a single raw sample.
type MetricsSnapshot struct {
	BitrateMbps       string
	PacketLossPercent string
	FPS               string
	Resolution        string
	LatencyMs         string
}

// DefaultMetricsSnapshot returns the snapshot shown before any sample has
// arrived.
func DefaultMetricsSnapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BitrateMbps:       "0.0",
		PacketLossPercent: "0.0",
		FPS:               "0",
		Resolution:        "n/a",
		LatencyMs:         "n/a",
	}
}

// Normalizer folds raw samples into a MetricsSnapshot using a carry-forward
// policy per field: a field only changes when the incoming sample carries
// enough data to compute a better value. Each rule lives in its own method
// so the policies stay independently auditable and testable.
//
// Not safe for concurrent use; the controller serializes updates.
type Normalizer struct {
	prev MetricsSnapshot

	// Last sample that carried both BytesReceived and TimestampMs, for
	// delta-based bitrate derivation when no direct bitrate is reported.
	lastBytes       int64
	lastTimestampMs float64
	haveByteSample  bool
}

// NewNormalizer creates a Normalizer seeded with the default snapshot.
func NewNormalizer() *Normalizer {
	return &Normalizer{prev: DefaultMetricsSnapshot()}
}

// Snapshot returns the most recent smoothed snapshot.
func (n *Normalizer) Snapshot() MetricsSnapshot {
	return n.prev
}

// Apply merges one raw sample into the previous snapshot and returns the
// new snapshot.
func (n *Normalizer) Apply(s RawStatsSample) MetricsSnapshot {
	next := n.prev
	next.PacketLossPercent = n.packetLoss(s)
	next.BitrateMbps = n.bitrate(s)
	next.FPS = n.fps(s)
	next.Resolution = n.resolution(s)
	next.LatencyMs = n.latency(s)
	n.prev = next
	return next
}

// packetLoss computes lost/(lost+received)*100 to one decimal when the
// denominator is positive, else keeps the previous value.
func (n *Normalizer) packetLoss(s RawStatsSample) string {
	if s.PacketsLost == nil || s.PacketsReceived == nil {
		return n.prev.PacketLossPercent
	}
	total := *s.PacketsLost + *s.PacketsReceived
	if total <= 0 {
		return n.prev.PacketLossPercent
	}
	pct := float64(*s.PacketsLost) / float64(total) * 100
	return formatOneDecimal(pct)
}

// bitrate prefers a directly reported bits-per-second figure; otherwise it
// derives Mbps from the byte/timestamp delta against the last sample that
// carried both fields. Non-finite results (zero or negative time delta)
// keep the previous value.
func (n *Normalizer) bitrate(s RawStatsSample) string {
	if s.BitrateBps != nil && *s.BitrateBps > 0 {
		n.recordByteSample(s)
		return formatOneDecimal(*s.BitrateBps / 1_000_000)
	}

	if s.BytesReceived == nil || s.TimestampMs == nil {
		return n.prev.BitrateMbps
	}
	defer n.recordByteSample(s)

	if !n.haveByteSample {
		return n.prev.BitrateMbps
	}
	deltaBytes := *s.BytesReceived - n.lastBytes
	deltaSec := (*s.TimestampMs - n.lastTimestampMs) / 1000
	if deltaSec <= 0 || deltaBytes < 0 {
		return n.prev.BitrateMbps
	}
	mbps := float64(deltaBytes) * 8 / deltaSec / 1_000_000
	if math.IsNaN(mbps) || math.IsInf(mbps, 0) {
		return n.prev.BitrateMbps
	}
	return formatOneDecimal(mbps)
}

func (n *Normalizer) recordByteSample(s RawStatsSample) {
	if s.BytesReceived == nil || s.TimestampMs == nil {
		return
	}
	n.lastBytes = *s.BytesReceived
	n.lastTimestampMs = *s.TimestampMs
	n.haveByteSample = true
}

// fps rounds a reported frames-per-second figure to the nearest integer.
func (n *Normalizer) fps(s RawStatsSample) string {
	if s.FramesPerSecond == nil {
		return n.prev.FPS
	}
	return strconv.Itoa(int(math.Round(*s.FramesPerSecond)))
}

// resolution formats width×height when both dimensions are present and
// positive.
func (n *Normalizer) resolution(s RawStatsSample) string {
	if s.FrameWidth == nil || s.FrameHeight == nil {
		return n.prev.Resolution
	}
	if *s.FrameWidth <= 0 || *s.FrameHeight <= 0 {
		return n.prev.Resolution
	}
	return fmt.Sprintf("%d×%d", *s.FrameWidth, *s.FrameHeight)
}

// latency formats the transport round-trip measurement in whole
// milliseconds. It stays "n/a" until the transport reports one; there is no
// fabricated placeholder number.
func (n *Normalizer) latency(s RawStatsSample) string {
	if s.RoundTripMs == nil || *s.RoundTripMs < 0 {
		return n.prev.LatencyMs
	}
	return strconv.Itoa(int(math.Round(*s.RoundTripMs)))
}

func formatOneDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
