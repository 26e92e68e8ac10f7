package pionstream

import "time"

// rateWindow measures receive bitrate over a sliding one-second window of
// per-packet byte counts. It backs the directly-reported bitrate field of
// the stats samples; the session normalizer falls back to byte/timestamp
// deltas only when no window rate is available yet.
//
// Not safe for concurrent use; the sampler serializes access.
type rateWindow struct {
	window     time.Duration
	samples    []byteSample
	totalBytes int64
}

type byteSample struct {
	at    time.Time
	bytes int64
}

func newRateWindow(window time.Duration) *rateWindow {
	if window <= 0 {
		window = time.Second
	}
	return &rateWindow{
		window:  window,
		samples: make([]byteSample, 0, 64),
	}
}

// add records bytes received at the given time and expires old samples.
func (r *rateWindow) add(bytes int64, now time.Time) {
	r.expire(now)
	r.samples = append(r.samples, byteSample{at: now, bytes: bytes})
	r.totalBytes += bytes
}

// rate returns the current bitrate in bits per second. ok is false when
// fewer than two in-window samples exist or the span is under 1ms.
func (r *rateWindow) rate(now time.Time) (bitsPerSec float64, ok bool) {
	r.expire(now)
	if len(r.samples) < 2 {
		return 0, false
	}
	span := r.samples[len(r.samples)-1].at.Sub(r.samples[0].at)
	if span < time.Millisecond {
		return 0, false
	}
	return float64(r.totalBytes*8) / span.Seconds(), true
}

func (r *rateWindow) expire(now time.Time) {
	cutoff := now.Add(-r.window)
	drop := 0
	for _, s := range r.samples {
		if !s.at.Before(cutoff) {
			break
		}
		r.totalBytes -= s.bytes
		drop++
	}
	if drop > 0 {
		r.samples = r.samples[drop:]
	}
}
