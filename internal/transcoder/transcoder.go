// Package transcoder decodes one ingest session's audio/video once and fans
// it out to N encoders plus an optional verbatim passthrough per track,
// wrapping each output in fragmented MP4. A job owns exactly one instance
// of this graph and drives it forward through a small state machine as
// packets arrive and eventually as the input closes.
package transcoder

import (
	"fmt"
	"time"

	"ridgecast-live/internal/media"
)

// ErrorKind classifies why a job stopped, mirroring how the ingest session
// classifies its own termination.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindDecoderInitFailed
	ErrKindEncoderInitFailed
	ErrKindOutputWriteFailed
	ErrKindLeaseLost
	ErrKindIngestClosedPartial
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindDecoderInitFailed:
		return "decoder_init_failed"
	case ErrKindEncoderInitFailed:
		return "encoder_init_failed"
	case ErrKindOutputWriteFailed:
		return "output_write_failed"
	case ErrKindLeaseLost:
		return "lease_lost"
	case ErrKindIngestClosedPartial:
		return "ingest_closed_partial"
	default:
		return "unknown"
	}
}

// Error wraps a job-ending failure with its classification. Every such
// failure is fatal to the job: there is no partial-retry within a single
// job's lifetime, only a fresh job claimed via the handoff package.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("transcoder: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// State is a job's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateReady
	StateStreaming
	StateDraining
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	default:
		return "init"
	}
}

// Frame is one decoded picture or audio frame flowing out of a Decoder and
// into a Scaler/Encoder. PTS is in the decoder's own timebase.
type Frame struct {
	PTS       int64
	Keyframe  bool
	Width     int
	Height    int
	Data      []byte
}

// Decoder turns encoded samples on one track into decoded Frames. A real
// implementation wraps a codec library; tests substitute a fake that
// decodes deterministically from a sample's bytes.
type Decoder interface {
	// Init prepares the decoder from the track's init segment. Its error,
	// if any, is fatal to the job (ErrKindDecoderInitFailed).
	Init(media.InitSegment) error
	SendPacket(media.Sample) error
	// ReceiveFrame returns ok=false, nil when the decoder has no frame
	// ready yet without that being an error (the caller should stop
	// draining for this packet and wait for the next one).
	ReceiveFrame() (frame Frame, ok bool, err error)
	// SendEOF flushes any frames buffered inside the decoder; the caller
	// keeps calling ReceiveFrame until ok=false after this returns.
	SendEOF() error
}

// Scaler resizes/reformats a decoded Frame for one encoder's target
// resolution. A nil Scaler is valid and means "pass the frame through
// unscaled" (used when an output's resolution matches the source).
type Scaler interface {
	Scale(Frame) (Frame, error)
}

// Encoder turns (optionally scaled) Frames into encoded media.Samples for
// one rendition.
type Encoder interface {
	// Init prepares the encoder for its target rendition. Its error, if
	// any, is fatal to the job (ErrKindEncoderInitFailed).
	Init() error
	SendFrame(Frame) error
	// ReceiveSample mirrors Decoder.ReceiveFrame's non-blocking drain
	// contract.
	ReceiveSample() (sample media.Sample, ok bool, err error)
	SendEOF() error
}

// OutputWriter receives one rendition's encoded samples as they become
// available; TrackSink is the implementation that muxes them into
// fragmented MP4. Fatal on any error: the job
// cannot make forward progress if it cannot place its output.
type OutputWriter interface {
	WriteInit(media.InitSegment) error
	WriteSample(media.Sample) error
	Close() error
}

// CopyWriter receives the source track's samples verbatim (no decode, no
// re-encode), used for the "source" passthrough rendition.
type CopyWriter interface {
	WriteSample(media.Sample) error
	Close() error
}

// Screenshotter turns a decoded video Frame into JPEG bytes for a
// thumbnail.
type Screenshotter interface {
	Capture(Frame) ([]byte, error)
}

// Thumbnail is one sampled-and-encoded screenshot, taken at the interval
// of the job's ScreenshotSampler while a job is streaming.
type Thumbnail struct {
	Index int
	At    time.Duration
	JPEG  []byte
}
