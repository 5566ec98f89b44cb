package mp4

import (
	"encoding/binary"

	"ridgecast-live/internal/media"
)

// trun/tfhd flag words the fragment writer emits: every per-sample field
// spelled out explicitly, plus data-offset, so a fragment round-trips
// through the parser without relying on tfhd defaults.
const (
	writerTrunFlags = trunDataOffsetPresent |
		trunSampleDurationPresent |
		trunSampleSizePresent |
		trunSampleFlagsPresent |
		trunSampleCompositionTimeOffsetPresent

	// default-base-is-moof: offsets are relative to the moof's first
	// byte, the layout every fragment this pipeline produces uses.
	tfhdDefaultBaseIsMoof = 0x020000
)

func appendBox(dst []byte, boxType string, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(8+len(body)))
	dst = append(dst, boxType...)
	return append(dst, body...)
}

func appendFullBoxHeader(dst []byte, version byte, flags uint32) []byte {
	return append(dst, version, byte(flags>>16), byte(flags>>8), byte(flags))
}

// sampleFlagsWord encodes the keyframe bit the way the parser reads it
// back: sample_depends_on=2 for a sync sample, otherwise depends_on=1
// with the non-sync bit set.
func sampleFlagsWord(isKeyframe bool) uint32 {
	if isKeyframe {
		return 2 << 24
	}
	return 1<<24 | 1<<16
}

// FragmentBytes serializes one moof+mdat pair for samples: mfhd carrying
// sequence, a single traf whose tfdt holds baseDecodeTime (the first
// sample's absolute DTS), and a version-1 trun spelling out duration,
// size, flags, and composition offset per sample. The mdat is the
// samples' payloads back to back.
func FragmentBytes(sequence uint32, baseDecodeTime uint64, samples []media.Sample) []byte {
	var mfhdBody []byte
	mfhdBody = appendFullBoxHeader(mfhdBody, 0, 0)
	mfhdBody = binary.BigEndian.AppendUint32(mfhdBody, sequence)

	var tfhdBody []byte
	tfhdBody = appendFullBoxHeader(tfhdBody, 0, tfhdDefaultBaseIsMoof)
	tfhdBody = binary.BigEndian.AppendUint32(tfhdBody, 1) // track_ID

	var tfdtBody []byte
	tfdtBody = appendFullBoxHeader(tfdtBody, 1, 0)
	tfdtBody = binary.BigEndian.AppendUint64(tfdtBody, baseDecodeTime)

	var trunBody []byte
	trunBody = appendFullBoxHeader(trunBody, 1, writerTrunFlags)
	trunBody = binary.BigEndian.AppendUint32(trunBody, uint32(len(samples)))
	dataOffsetAt := len(trunBody)
	trunBody = binary.BigEndian.AppendUint32(trunBody, 0) // patched below
	mdatSize := 0
	for _, s := range samples {
		trunBody = binary.BigEndian.AppendUint32(trunBody, s.Duration)
		trunBody = binary.BigEndian.AppendUint32(trunBody, uint32(len(s.Payload)))
		trunBody = binary.BigEndian.AppendUint32(trunBody, sampleFlagsWord(s.IsKeyframe))
		trunBody = binary.BigEndian.AppendUint32(trunBody, uint32(int32(s.CompositionOffset())))
		mdatSize += len(s.Payload)
	}

	var trafBody []byte
	trafBody = appendBox(trafBody, "tfhd", tfhdBody)
	trafBody = appendBox(trafBody, "tfdt", tfdtBody)
	trunStart := len(trafBody)
	trafBody = appendBox(trafBody, "trun", trunBody)

	var moofBody []byte
	moofBody = appendBox(moofBody, "mfhd", mfhdBody)
	trafStart := len(moofBody)
	moofBody = appendBox(moofBody, "traf", trafBody)

	moofSize := 8 + len(moofBody)
	// data_offset points at the mdat payload, just past its 8-byte header.
	dataOffset := moofSize + 8
	patchAt := 8 + trafStart + 8 + trunStart + 8 + dataOffsetAt
	out := make([]byte, 0, moofSize+8+mdatSize)
	out = appendBox(out, "moof", moofBody)
	binary.BigEndian.PutUint32(out[patchAt:], uint32(dataOffset))

	out = binary.BigEndian.AppendUint32(out, uint32(8+mdatSize))
	out = append(out, "mdat"...)
	for _, s := range samples {
		out = append(out, s.Payload...)
	}
	return out
}
