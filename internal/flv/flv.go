// Package flv turns RTMP audio/video messages (FLV-tag-encoded payloads) into
// codec-tagged media samples: AVC/AAC sequence headers become init segments,
// and subsequent packets become timed samples with DTS/PTS and keyframe
// flags, ready for the transcoder.
package flv

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"ridgecast-live/internal/media"
	"ridgecast-live/internal/rtmp/chunk"
)

// Sentinel errors the pump fails a session with; all are fatal to the
// publishing session that produced them.
var (
	ErrMissingSequenceHeader    = errors.New("flv: media sample arrived before its sequence header")
	ErrFirstSampleNotKeyframe   = errors.New("flv: first video sample after sequence header is not a keyframe")
	ErrNonMonotonicDTS          = errors.New("flv: dts went backwards")
	ErrUnsupportedCodec         = errors.New("flv: unsupported codec")
	ErrMaxBitrateExceeded       = errors.New("flv: max_bitrate exceeded")
	ErrMaxBytesBetweenKeyframes = errors.New("flv: max_bytes_between_keyframes exceeded")
	ErrMaxTimeBetweenKeyframes  = errors.New("flv: max_time_between_keyframes exceeded")
)

// RTMP message type IDs carrying FLV tag payloads.
const (
	TypeAudio = 8
	TypeVideo = 9
)

// FLV codec IDs this pump understands.
const (
	videoCodecAVC = 7
	audioCodecAAC = 10
)

// Limits bounds the pump enforces on behalf of the ingest session, per the
// stream's configured capacity envelope.
type Limits struct {
	MaxBitrate               int64         // bytes/sec, sustained
	MaxBytesBetweenKeyframes int64         // bytes
	MaxTimeBetweenKeyframes  time.Duration
}

// Event is one unit of pump output: exactly one of Init or Sample is set.
type Event struct {
	Kind   media.Kind
	Init   *media.InitSegment
	Sample *media.Sample
}

type trackState struct {
	haveInit        bool
	nextIndex       int64
	lastDTS         int64
	haveLastDTS     bool
	bytesSinceKey   int64
	lastKeyframeDTS int64
	haveKeyframe    bool
}

// Pump consumes RTMP audio/video messages for one publishing session and
// produces init-segment and sample events, enforcing monotonic DTS,
// keyframe-first-after-init, and the configured capacity limits.
type Pump struct {
	limits  Limits
	limiter *rate.Limiter

	video trackState
	audio trackState
}

// NewPump builds a Pump enforcing limits. A zero MaxBitrate disables bitrate
// enforcement; zero MaxBytesBetweenKeyframes/MaxTimeBetweenKeyframes disable
// their respective checks.
func NewPump(limits Limits) *Pump {
	p := &Pump{limits: limits}
	if limits.MaxBitrate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(limits.MaxBitrate), int(limits.MaxBitrate))
	}
	return p
}

// Push feeds one RTMP message through the pump. Non-audio/video message
// types are ignored and produce no events.
func (p *Pump) Push(msg chunk.Message) ([]Event, error) {
	switch msg.TypeID {
	case TypeVideo:
		return p.pushVideo(msg)
	case TypeAudio:
		return p.pushAudio(msg)
	default:
		return nil, nil
	}
}

func (p *Pump) pushVideo(msg chunk.Message) ([]Event, error) {
	data := msg.Payload
	if len(data) < 2 {
		return nil, fmt.Errorf("flv: video tag too short (%d bytes)", len(data))
	}
	frameTypeID := (data[0] >> 4) & 0x0f
	codecID := data[0] & 0x0f
	if codecID != videoCodecAVC {
		return nil, fmt.Errorf("%w: video codec id %d", ErrUnsupportedCodec, codecID)
	}
	packetType := data[1]

	if packetType == 0x00 {
		if len(data) < 5 {
			return nil, fmt.Errorf("flv: AVC sequence header tag too short (%d bytes)", len(data))
		}
		p.video = trackState{haveInit: true}
		init := &media.InitSegment{Codec: media.CodecAVC, Bytes: append([]byte(nil), data[5:]...)}
		return []Event{{Kind: media.KindVideo, Init: init}}, nil
	}
	if packetType != 0x01 {
		return nil, nil // AVC end-of-sequence (type 2) and similar: nothing to emit
	}
	if !p.video.haveInit {
		return nil, ErrMissingSequenceHeader
	}
	if len(data) < 5 {
		return nil, fmt.Errorf("flv: video NALU tag too short (%d bytes)", len(data))
	}

	compositionOffset := readInt24(data[2:5])
	dts := int64(msg.Timestamp)
	isKeyframe := frameTypeID == 1

	if err := p.checkDTS(&p.video, dts); err != nil {
		return nil, err
	}
	if p.video.nextIndex == 0 && !isKeyframe {
		return nil, ErrFirstSampleNotKeyframe
	}
	payload := data[5:]
	if err := p.checkKeyframeLimits(&p.video, dts, isKeyframe, len(payload)); err != nil {
		return nil, err
	}
	if err := p.checkBitrate(len(data)); err != nil {
		return nil, err
	}

	sample := &media.Sample{
		Index:      p.video.nextIndex,
		DTS:        dts,
		PTS:        dts + compositionOffset,
		IsKeyframe: isKeyframe,
		Payload:    append([]byte(nil), payload...),
	}
	p.video.nextIndex++
	return []Event{{Kind: media.KindVideo, Sample: sample}}, nil
}

func (p *Pump) pushAudio(msg chunk.Message) ([]Event, error) {
	data := msg.Payload
	if len(data) < 1 {
		return nil, fmt.Errorf("flv: audio tag too short (%d bytes)", len(data))
	}
	soundFormat := (data[0] >> 4) & 0x0f
	if soundFormat != audioCodecAAC {
		return nil, fmt.Errorf("%w: audio sound format %d", ErrUnsupportedCodec, soundFormat)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("flv: AAC tag missing packet type")
	}
	packetType := data[1]

	if packetType == 0x00 {
		p.audio = trackState{haveInit: true}
		init := &media.InitSegment{Codec: media.CodecAAC, Bytes: append([]byte(nil), data[2:]...)}
		return []Event{{Kind: media.KindAudio, Init: init}}, nil
	}
	if packetType != 0x01 {
		return nil, nil
	}
	if !p.audio.haveInit {
		return nil, ErrMissingSequenceHeader
	}

	dts := int64(msg.Timestamp)
	if err := p.checkDTS(&p.audio, dts); err != nil {
		return nil, err
	}
	if err := p.checkBitrate(len(data)); err != nil {
		return nil, err
	}

	payload := data[2:]
	sample := &media.Sample{
		Index:      p.audio.nextIndex,
		DTS:        dts,
		PTS:        dts,
		IsKeyframe: true, // every audio frame is independently decodable
		Payload:    append([]byte(nil), payload...),
	}
	p.audio.nextIndex++
	return []Event{{Kind: media.KindAudio, Sample: sample}}, nil
}

func (p *Pump) checkDTS(st *trackState, dts int64) error {
	if st.haveLastDTS && dts < st.lastDTS {
		return fmt.Errorf("%w: %d < %d", ErrNonMonotonicDTS, dts, st.lastDTS)
	}
	st.lastDTS = dts
	st.haveLastDTS = true
	return nil
}

func (p *Pump) checkKeyframeLimits(st *trackState, dts int64, isKeyframe bool, payloadLen int) error {
	if isKeyframe {
		st.bytesSinceKey = 0
		st.lastKeyframeDTS = dts
		st.haveKeyframe = true
		return nil
	}
	st.bytesSinceKey += int64(payloadLen)
	if p.limits.MaxBytesBetweenKeyframes > 0 && st.bytesSinceKey > p.limits.MaxBytesBetweenKeyframes {
		return fmt.Errorf("%w: %d bytes", ErrMaxBytesBetweenKeyframes, st.bytesSinceKey)
	}
	if st.haveKeyframe && p.limits.MaxTimeBetweenKeyframes > 0 {
		elapsed := time.Duration(dts-st.lastKeyframeDTS) * time.Millisecond
		if elapsed > p.limits.MaxTimeBetweenKeyframes {
			return fmt.Errorf("%w: %s", ErrMaxTimeBetweenKeyframes, elapsed)
		}
	}
	return nil
}

func (p *Pump) checkBitrate(n int) error {
	if p.limiter == nil {
		return nil
	}
	if !p.limiter.AllowN(time.Now(), n) {
		return ErrMaxBitrateExceeded
	}
	return nil
}

// readInt24 decodes a big-endian 24-bit two's-complement integer, used for
// the AVC composition time offset.
func readInt24(b []byte) int64 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return int64(v)
}
