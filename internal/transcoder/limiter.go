package transcoder

// FrameLimiter gates a video encoder to a target frame rate by deciding,
// for each decoded frame's presentation timestamp, whether enough decoder
// timebase ticks have elapsed since the last admitted frame. It tracks a
// running threshold rather than the last admitted PTS, so admission is a
// pure function of accumulated ticks and never drifts even when the
// decoder's actual output rate jitters around the source frame rate.
type FrameLimiter struct {
	// ticksPerFrame is how many decoder-timebase ticks must elapse between
	// admitted frames to hold to the target fps.
	ticksPerFrame int64

	started   bool
	threshold int64
}

// NewFrameLimiter builds a limiter for one encoder. timescale is the
// decoder's ticks-per-second; fps is the encoder's target output rate.
func NewFrameLimiter(timescale uint32, fps uint32) *FrameLimiter {
	if fps == 0 {
		fps = 1
	}
	ticksPerFrame := int64(timescale) / int64(fps)
	if ticksPerFrame < 1 {
		ticksPerFrame = 1
	}
	return &FrameLimiter{ticksPerFrame: ticksPerFrame}
}

// Allow reports whether the frame at pts should be forwarded to this
// limiter's encoder, advancing the internal threshold when it does. The
// first frame offered is always admitted and anchors the threshold for
// every later decision.
func (l *FrameLimiter) Allow(pts int64) bool {
	if !l.started {
		l.started = true
		l.threshold = pts + l.ticksPerFrame
		return true
	}
	if pts < l.threshold {
		return false
	}
	// Advance by whole multiples of ticksPerFrame so a single late or
	// skipped frame doesn't shift every later decision by a fraction of a
	// tick; the threshold always lands on the same ladder that would
	// result from an unbroken frame sequence.
	behind := pts - l.threshold
	l.threshold += (behind/l.ticksPerFrame + 1) * l.ticksPerFrame
	return true
}
