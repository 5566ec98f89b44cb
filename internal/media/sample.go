// Package media defines the sample- and track-level types shared by the
// FLV pump, the fragmented-MP4 track parser, the breakpoint engine, the
// publisher, and the recorder. Keeping these types in one place avoids each
// pipeline stage inventing its own notion of a sample.
package media

// Kind distinguishes video from audio tracks.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Codec identifies the codec carried by a track's init segment.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecAVC
	CodecAAC
)

func (c Codec) String() string {
	switch c {
	case CodecAVC:
		return "avc"
	case CodecAAC:
		return "aac"
	default:
		return "unknown"
	}
}

// InitSegment carries the codec configuration bytes that must precede any
// media sample on a track: an AVCDecoderConfigurationRecord for video or an
// AudioSpecificConfig for audio.
type InitSegment struct {
	Codec Codec
	Bytes []byte
}

// Sample is one timed access unit on a track.
type Sample struct {
	// Index is the monotonically increasing sample index within the track.
	Index int64
	// DTS is the decode timestamp in track timescale ticks.
	DTS int64
	// PTS is the presentation timestamp (DTS + composition time offset).
	PTS int64
	// Duration is the sample duration in track timescale ticks.
	Duration uint32
	// IsKeyframe is true only for video samples that may start a segment.
	IsKeyframe bool
	// Payload is the encoded access unit (NAL units for AVC, raw AAC frame).
	Payload []byte
}

// CompositionOffset returns PTS-DTS, the value FLV/MP4 call the composition
// time offset.
func (s Sample) CompositionOffset() int64 {
	return s.PTS - s.DTS
}

// DurationFiller derives per-sample durations from successive DTS deltas
// for sources that do not carry them (RTMP/FLV timestamps each sample but
// says nothing about how long it lasts). Samples are re-emitted delayed
// by one: a sample's duration is only known once its successor arrives.
type DurationFiller struct {
	prev    *Sample
	lastDur uint32
}

// Push admits the next sample and returns its predecessor with the
// duration filled in; ok is false while no predecessor is complete yet.
// A sample that already carries a duration passes through unchanged when
// nothing is held; if a predecessor is held, that predecessor is returned
// as it is and the timed sample is held in its place — callers should not
// mix the two shapes on one track.
func (f *DurationFiller) Push(s Sample) (out Sample, ok bool) {
	if s.Duration > 0 {
		f.lastDur = s.Duration
		if f.prev != nil {
			held := *f.prev
			f.prev = &s
			return held, true
		}
		return s, true
	}
	if f.prev == nil {
		f.prev = &s
		return Sample{}, false
	}
	held := *f.prev
	delta := s.DTS - held.DTS
	if delta > 0 {
		held.Duration = uint32(delta)
		f.lastDur = held.Duration
	} else {
		held.Duration = f.lastDur
	}
	f.prev = &s
	return held, true
}

// Flush returns the final held sample, carrying the last observed
// duration since no successor will ever time-bound it.
func (f *DurationFiller) Flush() (out Sample, ok bool) {
	if f.prev == nil {
		return Sample{}, false
	}
	held := *f.prev
	if held.Duration == 0 {
		held.Duration = f.lastDur
	}
	f.prev = nil
	return held, true
}

// Track describes one video or audio rendition within a session: its
// codec-immutable init segment plus a timescale used to interpret every
// sample's DTS/PTS/Duration.
type Track struct {
	Kind      Kind
	Name      string
	Timescale uint32
	Init      InitSegment
}
