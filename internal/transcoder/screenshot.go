package transcoder

import "time"

// ScreenshotSampler decides which decoded video frames to hand to a
// Screenshotter, admitting one roughly every interval of source playback
// time rather than one every interval of wall-clock time, so sampling
// cadence stays correct even when the job processes frames faster or
// slower than real time (a VOD-style backfill job, for instance).
type ScreenshotSampler struct {
	timescale uint32
	interval  time.Duration

	started  bool
	lastPTS  int64
	index    int
}

// NewScreenshotSampler builds a sampler for one job's video track.
func NewScreenshotSampler(timescale uint32, interval time.Duration) *ScreenshotSampler {
	return &ScreenshotSampler{timescale: timescale, interval: interval}
}

// Admit reports whether the frame at pts should be captured as a
// thumbnail, and if so returns the index to assign it and the frame's
// offset into the stream. Like FrameLimiter, the first frame is always
// admitted.
func (s *ScreenshotSampler) Admit(pts int64) (idx int, at time.Duration, ok bool) {
	elapsedSinceLast := pts - s.lastPTS
	due := !s.started || ticksToDuration(elapsedSinceLast, s.timescale) >= s.interval
	if !due {
		return 0, 0, false
	}
	s.started = true
	s.lastPTS = pts
	at = ticksToDuration(pts, s.timescale)
	idx = s.index
	s.index++
	return idx, at, true
}

func ticksToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(ticks) * time.Second / time.Duration(timescale)
}
