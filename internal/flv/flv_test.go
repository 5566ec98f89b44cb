package flv

import (
	"bytes"
	"errors"
	"testing"

	"ridgecast-live/internal/media"
	"ridgecast-live/internal/rtmp/chunk"
)

func videoSeqHeader() []byte {
	return append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, []byte{0x01, 0x42, 0x00, 0x1f}...)
}

func videoNALU(keyframe bool, compOffset int, nalu []byte) []byte {
	frameType := byte(0x02)
	if keyframe {
		frameType = 0x01
	}
	header := byte(frameType<<4) | 0x07
	d := []byte{header, 0x01, byte(compOffset >> 16), byte(compOffset >> 8), byte(compOffset)}
	return append(d, nalu...)
}

func audioSeqHeader() []byte {
	return []byte{0xAF, 0x00, 0x12, 0x10}
}

func audioRaw(payload []byte) []byte {
	return append([]byte{0xAF, 0x01}, payload...)
}

func msg(typeID byte, ts uint32, payload []byte) chunk.Message {
	return chunk.Message{TypeID: typeID, Timestamp: ts, Payload: payload}
}

func TestVideoSequenceHeaderThenKeyframe(t *testing.T) {
	p := NewPump(Limits{})

	events, err := p.Push(msg(TypeVideo, 0, videoSeqHeader()))
	if err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	if len(events) != 1 || events[0].Init == nil || events[0].Init.Codec != media.CodecAVC {
		t.Fatalf("expected AVC init event, got %+v", events)
	}

	events, err = p.Push(msg(TypeVideo, 40, videoNALU(true, 0, []byte{0xAA, 0xBB})))
	if err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	if len(events) != 1 || events[0].Sample == nil || !events[0].Sample.IsKeyframe {
		t.Fatalf("expected keyframe sample event, got %+v", events)
	}
	if events[0].Sample.Index != 0 {
		t.Fatalf("expected first sample index 0, got %d", events[0].Sample.Index)
	}
}

func TestVideoSampleBeforeSequenceHeaderFails(t *testing.T) {
	p := NewPump(Limits{})
	_, err := p.Push(msg(TypeVideo, 0, videoNALU(true, 0, []byte{0x01})))
	if !errors.Is(err, ErrMissingSequenceHeader) {
		t.Fatalf("expected ErrMissingSequenceHeader, got %v", err)
	}
}

func TestFirstSampleMustBeKeyframe(t *testing.T) {
	p := NewPump(Limits{})
	if _, err := p.Push(msg(TypeVideo, 0, videoSeqHeader())); err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	_, err := p.Push(msg(TypeVideo, 40, videoNALU(false, 0, []byte{0x01})))
	if !errors.Is(err, ErrFirstSampleNotKeyframe) {
		t.Fatalf("expected ErrFirstSampleNotKeyframe, got %v", err)
	}
}

func TestNonMonotonicDTSRejected(t *testing.T) {
	p := NewPump(Limits{})
	if _, err := p.Push(msg(TypeVideo, 0, videoSeqHeader())); err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	if _, err := p.Push(msg(TypeVideo, 100, videoNALU(true, 0, []byte{0x01}))); err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	_, err := p.Push(msg(TypeVideo, 50, videoNALU(false, 0, []byte{0x02})))
	if !errors.Is(err, ErrNonMonotonicDTS) {
		t.Fatalf("expected ErrNonMonotonicDTS, got %v", err)
	}
}

func TestCompositionOffsetAppliedToPTS(t *testing.T) {
	p := NewPump(Limits{})
	if _, err := p.Push(msg(TypeVideo, 0, videoSeqHeader())); err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	events, err := p.Push(msg(TypeVideo, 1000, videoNALU(true, 80, []byte{0x01})))
	if err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	s := events[0].Sample
	if s.DTS != 1000 || s.PTS != 1080 {
		t.Fatalf("expected dts=1000 pts=1080, got dts=%d pts=%d", s.DTS, s.PTS)
	}
}

func TestMaxBytesBetweenKeyframesEnforced(t *testing.T) {
	p := NewPump(Limits{MaxBytesBetweenKeyframes: 10})
	if _, err := p.Push(msg(TypeVideo, 0, videoSeqHeader())); err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	if _, err := p.Push(msg(TypeVideo, 40, videoNALU(true, 0, bytes.Repeat([]byte{0x01}, 3)))); err != nil {
		t.Fatalf("keyframe: %v", err)
	}
	_, err := p.Push(msg(TypeVideo, 80, videoNALU(false, 0, bytes.Repeat([]byte{0x02}, 20))))
	if !errors.Is(err, ErrMaxBytesBetweenKeyframes) {
		t.Fatalf("expected ErrMaxBytesBetweenKeyframes, got %v", err)
	}
}

func TestAudioSequenceHeaderThenRawSample(t *testing.T) {
	p := NewPump(Limits{})
	events, err := p.Push(msg(TypeAudio, 0, audioSeqHeader()))
	if err != nil {
		t.Fatalf("sequence header: %v", err)
	}
	if events[0].Init == nil || events[0].Init.Codec != media.CodecAAC {
		t.Fatalf("expected AAC init event, got %+v", events)
	}

	events, err = p.Push(msg(TypeAudio, 23, audioRaw([]byte{0x01, 0x02, 0x03})))
	if err != nil {
		t.Fatalf("raw sample: %v", err)
	}
	s := events[0].Sample
	if s.DTS != 23 || s.PTS != 23 || !s.IsKeyframe {
		t.Fatalf("unexpected audio sample: %+v", s)
	}
}

func TestUnsupportedVideoCodecRejected(t *testing.T) {
	p := NewPump(Limits{})
	_, err := p.Push(msg(TypeVideo, 0, []byte{0x12, 0x00})) // frame type 1, codec id 2 (Sorenson H.263)
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestNonMediaMessageIgnored(t *testing.T) {
	p := NewPump(Limits{})
	events, err := p.Push(msg(18, 0, []byte("onMetaData")))
	if err != nil || events != nil {
		t.Fatalf("expected no-op for non audio/video message, got events=%v err=%v", events, err)
	}
}
