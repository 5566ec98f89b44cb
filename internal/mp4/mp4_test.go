package mp4

import (
	"encoding/binary"
	"errors"
	"testing"

	"ridgecast-live/internal/media"
)

func makeBox(boxType string, body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], boxType)
	copy(out[8:], body)
	return out
}

func concatBoxes(boxes ...[]byte) []byte {
	var out []byte
	for _, b := range boxes {
		out = append(out, b...)
	}
	return out
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func fullBoxHeader(version byte, flags uint32) []byte {
	return []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

func avcSampleEntryBody(avcC []byte) []byte {
	fixed := make([]byte, visualSampleEntryFixedLen)
	return concatBoxes(fixed, makeBox("avcC", avcC))
}

func aacSampleEntryBody(esds []byte) []byte {
	fixed := make([]byte, audioSampleEntryFixedLen)
	return concatBoxes(fixed, makeBox("esds", esds))
}

func esdsBody(dsi []byte) []byte {
	decoderSpecificInfo := concatBoxes([]byte{descTagDSI, byte(len(dsi))}, dsi)
	decoderConfigFixed := make([]byte, decoderConfigFixedLen)
	decoderConfigPayload := concatBoxes(decoderConfigFixed, decoderSpecificInfo)
	decoderConfig := concatBoxes([]byte{descTagDecoderConfig, byte(len(decoderConfigPayload))}, decoderConfigPayload)

	esFixed := []byte{0x00, 0x01, 0x00} // ES_ID=1, flags=0 (no optional fields)
	esPayload := concatBoxes(esFixed, decoderConfig)
	esDescr := concatBoxes([]byte{descTagESDescr, byte(len(esPayload))}, esPayload)

	return concatBoxes(fullBoxHeader(0, 0), esDescr)
}

func moovBoxFor(sampleEntry []byte, timescale uint32) []byte {
	stsd := makeBox("stsd", concatBoxes(fullBoxHeader(0, 0), u32(1), sampleEntry))
	stbl := makeBox("stbl", stsd)
	minf := makeBox("minf", stbl)
	mdhd := makeBox("mdhd", concatBoxes(fullBoxHeader(0, 0), u32(0), u32(0), u32(timescale), u32(0), []byte{0x55, 0xc4, 0, 0}))
	mdia := makeBox("mdia", concatBoxes(mdhd, minf))
	trak := makeBox("trak", mdia)
	return makeBox("moov", trak)
}

func avcMoov(avcC []byte, timescale uint32) []byte {
	return moovBoxFor(makeBox("avc1", avcSampleEntryBody(avcC)), timescale)
}

func aacMoov(dsi []byte, timescale uint32) []byte {
	return moovBoxFor(makeBox("mp4a", aacSampleEntryBody(esdsBody(dsi))), timescale)
}

type fragSample struct {
	duration *uint32
	size     *uint32
	flags    *uint32
	compOff  *int32
}

func trunBoxFor(samples []fragSample) []byte {
	var flags uint32
	for _, s := range samples {
		if s.duration != nil {
			flags |= trunSampleDurationPresent
		}
		if s.size != nil {
			flags |= trunSampleSizePresent
		}
		if s.flags != nil {
			flags |= trunSampleFlagsPresent
		}
		if s.compOff != nil {
			flags |= trunSampleCompositionTimeOffsetPresent
		}
	}
	// trun's per-sample field set is controlled by one flags word shared by
	// every sample: once a field is present for any sample, every sample's
	// entry in the bitstream carries it (zero-filled where this fixture
	// didn't specify a value).
	body := concatBoxes(fullBoxHeader(0, flags), u32(uint32(len(samples))))
	for _, s := range samples {
		if flags&trunSampleDurationPresent != 0 {
			var v uint32
			if s.duration != nil {
				v = *s.duration
			}
			body = concatBoxes(body, u32(v))
		}
		if flags&trunSampleSizePresent != 0 {
			var v uint32
			if s.size != nil {
				v = *s.size
			}
			body = concatBoxes(body, u32(v))
		}
		if flags&trunSampleFlagsPresent != 0 {
			var v uint32
			if s.flags != nil {
				v = *s.flags
			}
			body = concatBoxes(body, u32(v))
		}
		if flags&trunSampleCompositionTimeOffsetPresent != 0 {
			var v int32
			if s.compOff != nil {
				v = *s.compOff
			}
			body = concatBoxes(body, u32(uint32(v)))
		}
	}
	return makeBox("trun", body)
}

func tfhdBoxFor(trackID uint32, defaultDuration, defaultSize, defaultFlags *uint32) []byte {
	var flags uint32
	body := u32(trackID)
	if defaultDuration != nil {
		flags |= tfhdDefaultSampleDurationPresent
	}
	if defaultSize != nil {
		flags |= tfhdDefaultSampleSizePresent
	}
	if defaultFlags != nil {
		flags |= tfhdDefaultSampleFlagsPresent
	}
	if defaultDuration != nil {
		body = concatBoxes(body, u32(*defaultDuration))
	}
	if defaultSize != nil {
		body = concatBoxes(body, u32(*defaultSize))
	}
	if defaultFlags != nil {
		body = concatBoxes(body, u32(*defaultFlags))
	}
	return makeBox("tfhd", concatBoxes(fullBoxHeader(0, flags), body))
}

func tfdtBox(baseDecodeTime uint32) []byte {
	return makeBox("tfdt", concatBoxes(fullBoxHeader(0, 0), u32(baseDecodeTime)))
}

func moofBoxFor(tfhd, tfdt, trun []byte) []byte {
	traf := makeBox("traf", concatBoxes(tfhd, tfdt, trun))
	return makeBox("moof", traf)
}

func uptr(v uint32) *uint32 { return &v }
func iptr(v int32) *int32   { return &v }

func syncSampleFlags() uint32 {
	return uint32(2) << 24 // sample_depends_on = 2: does not depend on others
}
func nonSyncSampleFlags() uint32 {
	return uint32(1) << 24 // sample_depends_on = 1: depends on another sample
}

func TestMoovWithSingleTrakYieldsAVCInit(t *testing.T) {
	avcC := []byte{0x01, 0x42, 0x00, 0x1f, 0xff}
	p := NewParser()
	events, err := p.Push(avcMoov(avcC, 90000))
	if err != nil {
		t.Fatalf("push moov: %v", err)
	}
	if len(events) != 1 || events[0].Moov == nil {
		t.Fatalf("expected 1 moov event, got %+v", events)
	}
	m := events[0].Moov
	if m.Init.Codec != media.CodecAVC || string(m.Init.Bytes) != string(avcC) {
		t.Fatalf("unexpected init segment: %+v", m.Init)
	}
	if m.Timescale != 90000 {
		t.Fatalf("expected timescale 90000, got %d", m.Timescale)
	}
}

func TestMoovWithAACInit(t *testing.T) {
	dsi := []byte{0x12, 0x10}
	p := NewParser()
	events, err := p.Push(aacMoov(dsi, 48000))
	if err != nil {
		t.Fatalf("push moov: %v", err)
	}
	m := events[0].Moov
	if m.Init.Codec != media.CodecAAC || string(m.Init.Bytes) != string(dsi) {
		t.Fatalf("unexpected init segment: %+v", m.Init)
	}
}

func TestMoovWithZeroTrakFails(t *testing.T) {
	moov := makeBox("moov", []byte{})
	p := NewParser()
	_, err := p.Push(moov)
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
}

func TestMoovWithTwoTrakFails(t *testing.T) {
	avcC := []byte{0x01, 0x42, 0x00, 0x1f}
	oneTrakMoov := avcMoov(avcC, 90000)
	// Re-derive the inner trak box bytes and duplicate them inside one moov.
	trakStart := 8 // skip moov's own header
	trak := oneTrakMoov[trakStart:]
	moov := makeBox("moov", concatBoxes(trak, trak))

	p := NewParser()
	_, err := p.Push(moov)
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
}

func TestFragmentAppliesDefaultsAndBaseDecodeTime(t *testing.T) {
	defaultDuration := uptr(1000)
	defaultFlags := nonSyncSampleFlags()
	tfhd := tfhdBoxFor(1, defaultDuration, nil, uptr(defaultFlags))
	tfdt := tfdtBox(500000)

	sampleSize := uptr(4)
	firstFlags := syncSampleFlags()
	trun := trunBoxFor([]fragSample{
		{size: sampleSize, flags: uptr(firstFlags), compOff: iptr(80)},
		{size: sampleSize},
	})
	moof := moofBoxFor(tfhd, tfdt, trun)
	mdat := makeBox("mdat", []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x11, 0x22, 0x33, 0x44})

	p := NewParser()
	events, err := p.Push(concatBoxes(moof, mdat))
	if err != nil {
		t.Fatalf("push fragment: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 sample events, got %d", len(events))
	}

	s0 := events[0].Sample
	if s0.DTS != 500000 || s0.PTS != 500080 {
		t.Fatalf("sample 0: expected dts=500000 pts=500080, got dts=%d pts=%d", s0.DTS, s0.PTS)
	}
	if !s0.IsKeyframe {
		t.Fatalf("sample 0: expected keyframe (sync sample)")
	}
	if string(s0.Payload) != string([]byte{0xAA, 0xBB, 0xCC, 0xDD}) {
		t.Fatalf("sample 0: unexpected payload %x", s0.Payload)
	}

	s1 := events[1].Sample
	if s1.DTS != 501000 {
		t.Fatalf("sample 1: expected dts=501000 (base + defaulted duration), got %d", s1.DTS)
	}
	if s1.IsKeyframe {
		t.Fatalf("sample 1: expected non-keyframe (defaulted flags mark dependency)")
	}
	if string(s1.Payload) != string([]byte{0x11, 0x22, 0x33, 0x44}) {
		t.Fatalf("sample 1: unexpected payload %x", s1.Payload)
	}
}

func TestMoofNotFollowedByMdatFails(t *testing.T) {
	tfhd := tfhdBoxFor(1, uptr(1000), uptr(4), uptr(syncSampleFlags()))
	trun := trunBoxFor([]fragSample{{}})
	moof := moofBoxFor(tfhd, nil, trun)
	notMdat := makeBox("free", []byte{0x00})

	p := NewParser()
	_, err := p.Push(concatBoxes(moof, notMdat))
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
}

func TestPartialBoxAcrossTwoPushesIsRetained(t *testing.T) {
	avcC := []byte{0x01, 0x42, 0x00, 0x1f}
	moov := avcMoov(avcC, 90000)

	p := NewParser()
	events, err := p.Push(moov[:len(moov)-3])
	if err != nil {
		t.Fatalf("push partial moov: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events from a partial box, got %+v", events)
	}

	events, err = p.Push(moov[len(moov)-3:])
	if err != nil {
		t.Fatalf("push remainder: %v", err)
	}
	if len(events) != 1 || events[0].Moov == nil {
		t.Fatalf("expected the completed moov event, got %+v", events)
	}
}

func TestFragmentSplitBetweenMoofAndMdatIsRetained(t *testing.T) {
	tfhd := tfhdBoxFor(1, uptr(1000), uptr(2), uptr(syncSampleFlags()))
	trun := trunBoxFor([]fragSample{{}})
	moof := moofBoxFor(tfhd, tfdtBox(0), trun)
	mdat := makeBox("mdat", []byte{0x01, 0x02})

	p := NewParser()
	events, err := p.Push(moof)
	if err != nil {
		t.Fatalf("push moof alone: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events until mdat arrives, got %+v", events)
	}

	events, err = p.Push(mdat)
	if err != nil {
		t.Fatalf("push mdat: %v", err)
	}
	if len(events) != 1 || events[0].Sample == nil {
		t.Fatalf("expected 1 sample event, got %+v", events)
	}
}

func TestBoxWithZeroSizeIsRejected(t *testing.T) {
	bad := make([]byte, 16)
	copy(bad[4:8], "moov")
	p := NewParser()
	_, err := p.Push(bad)
	if !errors.Is(err, ErrInvalidStructure) {
		t.Fatalf("expected ErrInvalidStructure, got %v", err)
	}
}

func TestUnsupportedSampleEntryCodecRejected(t *testing.T) {
	moov := moovBoxFor(makeBox("mjpg", make([]byte, visualSampleEntryFixedLen)), 90000)
	p := NewParser()
	_, err := p.Push(moov)
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected ErrUnsupportedCodec, got %v", err)
	}
}
