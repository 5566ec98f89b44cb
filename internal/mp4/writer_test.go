package mp4

import (
	"testing"

	"ridgecast-live/internal/media"
)

// Round-trip: a fragment serialized by FragmentBytes and parsed back
// yields the same sample list, durations, and timestamps.
func TestFragmentBytesRoundTrip(t *testing.T) {
	avcC := []byte{0x01, 0x64, 0x00, 0x1f}
	p := NewParser()
	if _, err := p.Push(avcMoov(avcC, 90000)); err != nil {
		t.Fatalf("push moov: %v", err)
	}

	in := []media.Sample{
		{DTS: 180000, PTS: 183000, Duration: 3000, IsKeyframe: true, Payload: []byte("key")},
		{DTS: 183000, PTS: 183000, Duration: 3000, Payload: []byte("delta-1")},
		{DTS: 186000, PTS: 192000, Duration: 3000, Payload: []byte("delta-2")},
	}
	frag := FragmentBytes(1, uint64(in[0].DTS), in)

	events, err := p.Push(frag)
	if err != nil {
		t.Fatalf("push fragment: %v", err)
	}
	if len(events) != len(in) {
		t.Fatalf("expected %d sample events, got %d", len(in), len(events))
	}
	for i, ev := range events {
		if ev.Sample == nil {
			t.Fatalf("event %d is not a sample", i)
		}
		got, want := *ev.Sample, in[i]
		if got.DTS != want.DTS || got.PTS != want.PTS {
			t.Fatalf("sample %d timestamps: got dts=%d pts=%d, want dts=%d pts=%d", i, got.DTS, got.PTS, want.DTS, want.PTS)
		}
		if got.Duration != want.Duration {
			t.Fatalf("sample %d duration: got %d, want %d", i, got.Duration, want.Duration)
		}
		if got.IsKeyframe != want.IsKeyframe {
			t.Fatalf("sample %d keyframe flag: got %v, want %v", i, got.IsKeyframe, want.IsKeyframe)
		}
		if string(got.Payload) != string(want.Payload) {
			t.Fatalf("sample %d payload: got %q, want %q", i, got.Payload, want.Payload)
		}
	}
}

func TestFragmentBytesSequentialFragmentsCarryAbsoluteTime(t *testing.T) {
	avcC := []byte{0x01, 0x64, 0x00, 0x1f}
	p := NewParser()
	if _, err := p.Push(avcMoov(avcC, 1000)); err != nil {
		t.Fatalf("push moov: %v", err)
	}

	first := []media.Sample{{DTS: 0, PTS: 0, Duration: 500, IsKeyframe: true, Payload: []byte("a")}}
	second := []media.Sample{{DTS: 500, PTS: 500, Duration: 500, Payload: []byte("b")}}

	if _, err := p.Push(FragmentBytes(1, 0, first)); err != nil {
		t.Fatalf("push first fragment: %v", err)
	}
	events, err := p.Push(FragmentBytes(2, 500, second))
	if err != nil {
		t.Fatalf("push second fragment: %v", err)
	}
	if len(events) != 1 || events[0].Sample == nil {
		t.Fatalf("expected one sample event, got %+v", events)
	}
	if events[0].Sample.DTS != 500 {
		t.Fatalf("expected absolute dts 500, got %d", events[0].Sample.DTS)
	}
}
