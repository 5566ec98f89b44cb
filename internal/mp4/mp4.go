// Package mp4 parses the fragmented-MP4 byte stream each transcoder output
// track produces (movflags=+frag_keyframe+empty_moov+default_base_moof: an
// ftyp+moov prologue followed by self-contained moof+mdat fragments) into the
// init-segment and sample events the publisher and recorder consume.
//
// The parser is a lazy buffered box reader: it never discards an incomplete
// trailing box, and it only commits to a moof once the mdat that must
// immediately follow it is also fully buffered.
package mp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"ridgecast-live/internal/media"
)

// Sentinel errors the parser fails a track with; all are fatal to the
// transcoder job owning this track's fragment stream.
var (
	ErrInvalidStructure = errors.New("mp4: invalid box structure")
	ErrUnsupportedCodec = errors.New("mp4: unsupported sample entry codec")
)

const boxHeaderLen = 8

// box is one complete ISO-BMFF box: its four-character type and its body
// (everything after the size+type header, with any extended 64-bit size
// field already consumed).
type box struct {
	boxType string
	body    []byte
}

// readBox splits one complete box off the front of data. ok is false when
// data does not yet contain a full box header+body, in which case the
// caller must retain data from the same offset and wait for more input.
func readBox(data []byte) (b box, consumed int, ok bool, err error) {
	if len(data) < boxHeaderLen {
		return box{}, 0, false, nil
	}
	size := uint64(binary.BigEndian.Uint32(data[0:4]))
	boxType := string(data[4:8])
	headerLen := boxHeaderLen
	if size == 1 {
		if len(data) < boxHeaderLen+8 {
			return box{}, 0, false, nil
		}
		size = binary.BigEndian.Uint64(data[8:16])
		headerLen = boxHeaderLen + 8
	} else if size == 0 {
		return box{}, 0, false, fmt.Errorf("%w: box %q uses size-extends-to-end-of-stream, unsupported in a fragment stream", ErrInvalidStructure, boxType)
	}
	if size < uint64(headerLen) {
		return box{}, 0, false, fmt.Errorf("%w: box %q declares size %d smaller than its own header", ErrInvalidStructure, boxType, size)
	}
	if size > uint64(len(data)) {
		return box{}, 0, false, nil
	}
	return box{boxType: boxType, body: data[headerLen:size]}, int(size), true, nil
}

// splitBoxes splits a fully-buffered span into its immediate child boxes.
// Used only on spans we already know are complete (moov/trak/mdia/... are
// parsed in one shot once the whole moov box has arrived).
func splitBoxes(data []byte) ([]box, error) {
	var boxes []box
	for len(data) > 0 {
		b, n, ok, err := readBox(data)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: truncated child box", ErrInvalidStructure)
		}
		boxes = append(boxes, b)
		data = data[n:]
	}
	return boxes, nil
}

func childByType(boxes []box, boxType string) ([]byte, bool) {
	for _, b := range boxes {
		if b.boxType == boxType {
			return b.body, true
		}
	}
	return nil, false
}

// Moov is the init-segment-bearing box this pipeline expects exactly once,
// at the start of every track's fragment stream.
type Moov struct {
	Init      media.InitSegment
	Timescale uint32
}

// Event is one unit of parser output: exactly one of Moov or Sample is set.
type Event struct {
	Moov   *Moov
	Sample *media.Sample
}

// Parser incrementally parses one track's fragmented-MP4 byte stream.
type Parser struct {
	buf       []byte
	nextIndex int64
}

// NewParser builds a Parser ready to receive bytes via Push.
func NewParser() *Parser {
	return &Parser{}
}

// Push feeds the next chunk of bytes read from the track's encoder output.
// It returns every box fully parsed so far. A partial trailing box (or a
// complete moof still waiting on its mdat) is retained internally and
// completed by a later Push call; no input byte is ever discarded.
func (p *Parser) Push(data []byte) ([]Event, error) {
	p.buf = append(p.buf, data...)

	var events []Event
	pos := 0
parseLoop:
	for pos < len(p.buf) {
		b, n, ok, err := readBox(p.buf[pos:])
		if err != nil {
			return events, err
		}
		if !ok {
			break
		}

		switch b.boxType {
		case "moov":
			moov, err := parseMoov(b.body)
			if err != nil {
				return events, err
			}
			events = append(events, Event{Moov: &moov})
			pos += n

		case "moof":
			mdatBox, mdatLen, mdatOK, err := readBox(p.buf[pos+n:])
			if err != nil {
				return events, err
			}
			if !mdatOK {
				// Wait for the rest of the mdat; re-parse this moof from
				// scratch on the next Push rather than consuming it alone.
				break parseLoop
			}
			if mdatBox.boxType != "mdat" {
				return events, fmt.Errorf("%w: moof immediately followed by %q, want mdat", ErrInvalidStructure, mdatBox.boxType)
			}
			samples, err := parseFragment(b.body, mdatBox.body)
			if err != nil {
				return events, err
			}
			for i := range samples {
				s := samples[i]
				s.Index = p.nextIndex
				p.nextIndex++
				events = append(events, Event{Sample: &s})
			}
			pos += n + mdatLen

		default:
			// ftyp/styp/free/sidx and anything else this pipeline doesn't
			// need: skip the whole box, already-buffered body and all.
			pos += n
		}
	}

	p.buf = p.buf[pos:]
	return events, nil
}

func parseMoov(body []byte) (Moov, error) {
	children, err := splitBoxes(body)
	if err != nil {
		return Moov{}, fmt.Errorf("mp4: parse moov: %w", err)
	}

	var traks [][]byte
	for _, c := range children {
		if c.boxType == "trak" {
			traks = append(traks, c.body)
		}
	}
	if len(traks) != 1 {
		return Moov{}, fmt.Errorf("%w: moov has %d trak boxes, want exactly 1", ErrInvalidStructure, len(traks))
	}
	return parseTrak(traks[0])
}

func parseTrak(body []byte) (Moov, error) {
	children, err := splitBoxes(body)
	if err != nil {
		return Moov{}, fmt.Errorf("mp4: parse trak: %w", err)
	}
	mdiaBody, ok := childByType(children, "mdia")
	if !ok {
		return Moov{}, fmt.Errorf("%w: trak missing mdia box", ErrInvalidStructure)
	}
	return parseMdia(mdiaBody)
}

func parseMdia(body []byte) (Moov, error) {
	children, err := splitBoxes(body)
	if err != nil {
		return Moov{}, fmt.Errorf("mp4: parse mdia: %w", err)
	}
	mdhdBody, ok := childByType(children, "mdhd")
	if !ok {
		return Moov{}, fmt.Errorf("%w: mdia missing mdhd box", ErrInvalidStructure)
	}
	minfBody, ok := childByType(children, "minf")
	if !ok {
		return Moov{}, fmt.Errorf("%w: mdia missing minf box", ErrInvalidStructure)
	}

	timescale, err := parseMdhdTimescale(mdhdBody)
	if err != nil {
		return Moov{}, err
	}
	init, err := parseMinfInit(minfBody)
	if err != nil {
		return Moov{}, err
	}
	return Moov{Init: init, Timescale: timescale}, nil
}

func parseMdhdTimescale(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("%w: mdhd too short", ErrInvalidStructure)
	}
	version := body[0]
	r := body[4:]
	if version == 1 {
		if len(r) < 8+8+4 {
			return 0, fmt.Errorf("%w: mdhd(v1) too short", ErrInvalidStructure)
		}
		return binary.BigEndian.Uint32(r[16:20]), nil
	}
	if len(r) < 4+4+4 {
		return 0, fmt.Errorf("%w: mdhd(v0) too short", ErrInvalidStructure)
	}
	return binary.BigEndian.Uint32(r[8:12]), nil
}

func parseMinfInit(body []byte) (media.InitSegment, error) {
	children, err := splitBoxes(body)
	if err != nil {
		return media.InitSegment{}, fmt.Errorf("mp4: parse minf: %w", err)
	}
	stblBody, ok := childByType(children, "stbl")
	if !ok {
		return media.InitSegment{}, fmt.Errorf("%w: minf missing stbl box", ErrInvalidStructure)
	}
	stblChildren, err := splitBoxes(stblBody)
	if err != nil {
		return media.InitSegment{}, fmt.Errorf("mp4: parse stbl: %w", err)
	}
	stsdBody, ok := childByType(stblChildren, "stsd")
	if !ok {
		return media.InitSegment{}, fmt.Errorf("%w: stbl missing stsd box", ErrInvalidStructure)
	}
	return parseStsd(stsdBody)
}

func parseStsd(body []byte) (media.InitSegment, error) {
	if len(body) < 8 {
		return media.InitSegment{}, fmt.Errorf("%w: stsd too short", ErrInvalidStructure)
	}
	entryCount := binary.BigEndian.Uint32(body[4:8])
	if entryCount != 1 {
		return media.InitSegment{}, fmt.Errorf("%w: stsd has %d sample entries, want exactly 1", ErrInvalidStructure, entryCount)
	}
	entries, err := splitBoxes(body[8:])
	if err != nil {
		return media.InitSegment{}, fmt.Errorf("mp4: parse stsd entry: %w", err)
	}
	if len(entries) != 1 {
		return media.InitSegment{}, fmt.Errorf("%w: stsd entry_count=1 but found %d entries", ErrInvalidStructure, len(entries))
	}
	entry := entries[0]
	switch entry.boxType {
	case "avc1", "avc3":
		return parseVisualSampleEntry(entry.body)
	case "mp4a":
		return parseAudioSampleEntry(entry.body)
	default:
		return media.InitSegment{}, fmt.Errorf("%w: sample entry %q", ErrUnsupportedCodec, entry.boxType)
	}
}

// VisualSampleEntry fixed fields per ISO/IEC 14496-12 8.5.2, before any
// child boxes (avcC etc).
const visualSampleEntryFixedLen = 78

func parseVisualSampleEntry(body []byte) (media.InitSegment, error) {
	if len(body) < visualSampleEntryFixedLen {
		return media.InitSegment{}, fmt.Errorf("%w: avc1 sample entry too short", ErrInvalidStructure)
	}
	children, err := splitBoxes(body[visualSampleEntryFixedLen:])
	if err != nil {
		return media.InitSegment{}, fmt.Errorf("mp4: parse avc1 children: %w", err)
	}
	avcC, ok := childByType(children, "avcC")
	if !ok {
		return media.InitSegment{}, fmt.Errorf("%w: avc1 sample entry missing avcC box", ErrInvalidStructure)
	}
	return media.InitSegment{Codec: media.CodecAVC, Bytes: append([]byte(nil), avcC...)}, nil
}

// AudioSampleEntry fixed fields per ISO/IEC 14496-12 8.5.2, before any
// child boxes (esds etc).
const audioSampleEntryFixedLen = 28

func parseAudioSampleEntry(body []byte) (media.InitSegment, error) {
	if len(body) < audioSampleEntryFixedLen {
		return media.InitSegment{}, fmt.Errorf("%w: mp4a sample entry too short", ErrInvalidStructure)
	}
	children, err := splitBoxes(body[audioSampleEntryFixedLen:])
	if err != nil {
		return media.InitSegment{}, fmt.Errorf("mp4: parse mp4a children: %w", err)
	}
	esds, ok := childByType(children, "esds")
	if !ok {
		return media.InitSegment{}, fmt.Errorf("%w: mp4a sample entry missing esds box", ErrInvalidStructure)
	}
	dsi, err := parseEsdsDecoderSpecificInfo(esds)
	if err != nil {
		return media.InitSegment{}, err
	}
	return media.InitSegment{Codec: media.CodecAAC, Bytes: dsi}, nil
}

// MPEG-4 descriptor tags relevant to locating the AudioSpecificConfig
// carried inside an esds box (ISO/IEC 14496-1 7.2.6).
const (
	descTagESDescr       = 0x03
	descTagDecoderConfig = 0x04
	descTagDSI           = 0x05
)

type descriptor struct {
	tag     byte
	payload []byte
}

// readDescriptorSize decodes the MPEG-4 variable-length size field: each
// byte contributes its low 7 bits, with the high bit marking continuation.
func readDescriptorSize(r *bytes.Reader) (int, error) {
	size := 0
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		size = (size << 7) | int(b&0x7f)
		if b&0x80 == 0 {
			return size, nil
		}
	}
	return 0, fmt.Errorf("%w: descriptor size field longer than 4 bytes", ErrInvalidStructure)
}

func readDescriptor(r *bytes.Reader) (descriptor, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return descriptor{}, err
	}
	size, err := readDescriptorSize(r)
	if err != nil {
		return descriptor{}, err
	}
	if size < 0 || size > r.Len() {
		return descriptor{}, fmt.Errorf("%w: descriptor size %d exceeds remaining data", ErrInvalidStructure, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return descriptor{}, err
	}
	return descriptor{tag: tag, payload: payload}, nil
}

// parseEsdsDecoderSpecificInfo walks esds's ES_Descriptor -> (among others)
// DecoderConfigDescriptor -> DecoderSpecificInfo chain and returns the raw
// DecoderSpecificInfo bytes (the AudioSpecificConfig, for AAC).
func parseEsdsDecoderSpecificInfo(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: esds too short", ErrInvalidStructure)
	}
	r := bytes.NewReader(body[4:]) // skip FullBox version+flags
	esDescr, err := readDescriptor(r)
	if err != nil {
		return nil, fmt.Errorf("mp4: esds ES_Descriptor: %w", err)
	}
	if esDescr.tag != descTagESDescr {
		return nil, fmt.Errorf("%w: esds root descriptor tag 0x%02x, want ES_Descriptor", ErrInvalidStructure, esDescr.tag)
	}

	er := bytes.NewReader(esDescr.payload)
	if err := skipESDescriptorFixedFields(er); err != nil {
		return nil, fmt.Errorf("mp4: ES_Descriptor fixed fields: %w", err)
	}
	for er.Len() > 0 {
		d, err := readDescriptor(er)
		if err != nil {
			return nil, fmt.Errorf("mp4: ES_Descriptor nested descriptor: %w", err)
		}
		if d.tag != descTagDecoderConfig {
			continue
		}
		return decoderSpecificInfoFrom(d.payload)
	}
	return nil, fmt.Errorf("%w: esds missing DecoderConfigDescriptor", ErrInvalidStructure)
}

// decoderConfigFixedLen: object_type_indication(1) + stream_type/flags
// byte(1) + buffer_size_db(3) + max_bitrate(4) + avg_bitrate(4).
const decoderConfigFixedLen = 13

func decoderSpecificInfoFrom(decoderConfigPayload []byte) ([]byte, error) {
	if len(decoderConfigPayload) < decoderConfigFixedLen {
		return nil, fmt.Errorf("%w: DecoderConfigDescriptor too short", ErrInvalidStructure)
	}
	dr := bytes.NewReader(decoderConfigPayload[decoderConfigFixedLen:])
	for dr.Len() > 0 {
		inner, err := readDescriptor(dr)
		if err != nil {
			return nil, fmt.Errorf("mp4: DecoderConfigDescriptor nested descriptor: %w", err)
		}
		if inner.tag == descTagDSI {
			return inner.payload, nil
		}
	}
	return nil, fmt.Errorf("%w: esds missing DecoderSpecificInfo", ErrInvalidStructure)
}

func skipESDescriptorFixedFields(r *bytes.Reader) error {
	if r.Len() < 3 {
		return fmt.Errorf("%w: ES_Descriptor too short", ErrInvalidStructure)
	}
	if _, err := r.Seek(2, io.SeekCurrent); err != nil { // ES_ID
		return err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return err
	}
	if flags&0x80 != 0 { // streamDependenceFlag
		if _, err := r.Seek(2, io.SeekCurrent); err != nil {
			return err
		}
	}
	if flags&0x40 != 0 { // URL_Flag
		urlLen, err := r.ReadByte()
		if err != nil {
			return err
		}
		if _, err := r.Seek(int64(urlLen), io.SeekCurrent); err != nil {
			return err
		}
	}
	if flags&0x20 != 0 { // OCRstreamFlag
		if _, err := r.Seek(2, io.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

// tfhd flag bits, ISO/IEC 14496-12 8.8.7.
const (
	tfhdBaseDataOffsetPresent         = 0x000001
	tfhdSampleDescriptionIndexPresent = 0x000002
	tfhdDefaultSampleDurationPresent  = 0x000008
	tfhdDefaultSampleSizePresent      = 0x000010
	tfhdDefaultSampleFlagsPresent     = 0x000020
)

type tfhdBox struct {
	trackID               uint32
	defaultSampleDuration *uint32
	defaultSampleSize     *uint32
	defaultSampleFlags    *uint32
}

func parseTfhd(body []byte) (tfhdBox, error) {
	if len(body) < 8 {
		return tfhdBox{}, fmt.Errorf("%w: tfhd too short", ErrInvalidStructure)
	}
	flags := uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	r := body[4:]

	if len(r) < 4 {
		return tfhdBox{}, fmt.Errorf("%w: tfhd missing track_ID", ErrInvalidStructure)
	}
	out := tfhdBox{trackID: binary.BigEndian.Uint32(r[0:4])}
	r = r[4:]

	if flags&tfhdBaseDataOffsetPresent != 0 {
		if len(r) < 8 {
			return tfhdBox{}, fmt.Errorf("%w: tfhd missing base_data_offset", ErrInvalidStructure)
		}
		r = r[8:]
	}
	if flags&tfhdSampleDescriptionIndexPresent != 0 {
		if len(r) < 4 {
			return tfhdBox{}, fmt.Errorf("%w: tfhd missing sample_description_index", ErrInvalidStructure)
		}
		r = r[4:]
	}
	if flags&tfhdDefaultSampleDurationPresent != 0 {
		if len(r) < 4 {
			return tfhdBox{}, fmt.Errorf("%w: tfhd missing default_sample_duration", ErrInvalidStructure)
		}
		v := binary.BigEndian.Uint32(r[0:4])
		out.defaultSampleDuration = &v
		r = r[4:]
	}
	if flags&tfhdDefaultSampleSizePresent != 0 {
		if len(r) < 4 {
			return tfhdBox{}, fmt.Errorf("%w: tfhd missing default_sample_size", ErrInvalidStructure)
		}
		v := binary.BigEndian.Uint32(r[0:4])
		out.defaultSampleSize = &v
		r = r[4:]
	}
	if flags&tfhdDefaultSampleFlagsPresent != 0 {
		if len(r) < 4 {
			return tfhdBox{}, fmt.Errorf("%w: tfhd missing default_sample_flags", ErrInvalidStructure)
		}
		v := binary.BigEndian.Uint32(r[0:4])
		out.defaultSampleFlags = &v
	}
	return out, nil
}

// parseTfdt decodes the track fragment's absolute base decode time, added
// to this pipeline so downstream stages carry absolute timestamps across
// fragments rather than only per-fragment-relative ones.
func parseTfdt(body []byte) (uint64, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("%w: tfdt too short", ErrInvalidStructure)
	}
	version := body[0]
	r := body[4:]
	if version == 1 {
		if len(r) < 8 {
			return 0, fmt.Errorf("%w: tfdt(v1) too short", ErrInvalidStructure)
		}
		return binary.BigEndian.Uint64(r[0:8]), nil
	}
	if len(r) < 4 {
		return 0, fmt.Errorf("%w: tfdt(v0) too short", ErrInvalidStructure)
	}
	return uint64(binary.BigEndian.Uint32(r[0:4])), nil
}

// trun flag bits, ISO/IEC 14496-12 8.8.8.
const (
	trunDataOffsetPresent                 = 0x000001
	trunFirstSampleFlagsPresent            = 0x000004
	trunSampleDurationPresent              = 0x000100
	trunSampleSizePresent                  = 0x000200
	trunSampleFlagsPresent                 = 0x000400
	trunSampleCompositionTimeOffsetPresent = 0x000800
)

type trunSample struct {
	duration          *uint32
	size              *uint32
	flags             *uint32
	compositionOffset *int32
}

func parseTrun(body []byte) (samples []trunSample, firstSampleFlags *uint32, err error) {
	if len(body) < 8 {
		return nil, nil, fmt.Errorf("%w: trun too short", ErrInvalidStructure)
	}
	flags := uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	r := body[4:]

	if len(r) < 4 {
		return nil, nil, fmt.Errorf("%w: trun missing sample_count", ErrInvalidStructure)
	}
	sampleCount := binary.BigEndian.Uint32(r[0:4])
	r = r[4:]

	if flags&trunDataOffsetPresent != 0 {
		if len(r) < 4 {
			return nil, nil, fmt.Errorf("%w: trun missing data_offset", ErrInvalidStructure)
		}
		r = r[4:]
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		if len(r) < 4 {
			return nil, nil, fmt.Errorf("%w: trun missing first_sample_flags", ErrInvalidStructure)
		}
		v := binary.BigEndian.Uint32(r[0:4])
		firstSampleFlags = &v
		r = r[4:]
	}

	out := make([]trunSample, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		var s trunSample
		if flags&trunSampleDurationPresent != 0 {
			if len(r) < 4 {
				return nil, nil, fmt.Errorf("%w: trun sample %d missing duration", ErrInvalidStructure, i)
			}
			v := binary.BigEndian.Uint32(r[0:4])
			s.duration = &v
			r = r[4:]
		}
		if flags&trunSampleSizePresent != 0 {
			if len(r) < 4 {
				return nil, nil, fmt.Errorf("%w: trun sample %d missing size", ErrInvalidStructure, i)
			}
			v := binary.BigEndian.Uint32(r[0:4])
			s.size = &v
			r = r[4:]
		}
		if flags&trunSampleFlagsPresent != 0 {
			if len(r) < 4 {
				return nil, nil, fmt.Errorf("%w: trun sample %d missing flags", ErrInvalidStructure, i)
			}
			v := binary.BigEndian.Uint32(r[0:4])
			s.flags = &v
			r = r[4:]
		}
		if flags&trunSampleCompositionTimeOffsetPresent != 0 {
			if len(r) < 4 {
				return nil, nil, fmt.Errorf("%w: trun sample %d missing composition time offset", ErrInvalidStructure, i)
			}
			v := int32(binary.BigEndian.Uint32(r[0:4]))
			s.compositionOffset = &v
			r = r[4:]
		}
		out = append(out, s)
	}
	return out, firstSampleFlags, nil
}

// sampleDependsOn extracts the 2-bit sample_depends_on field from a sample
// flags word (ISO/IEC 14496-12 8.8.3.1); 2 means the sample does not depend
// on others, i.e. it is a sync sample / keyframe.
func sampleDependsOn(flags uint32) uint8 {
	return uint8((flags >> 24) & 0x03)
}

// parseFragment turns one moof's traf plus its paired mdat's raw bytes into
// samples with absolute DTS/PTS, applying tfhd defaults and the tfdt base
// decode time per sample and detecting keyframes from sample_depends_on.
func parseFragment(moofBody, mdatBody []byte) ([]media.Sample, error) {
	moofChildren, err := splitBoxes(moofBody)
	if err != nil {
		return nil, fmt.Errorf("mp4: parse moof: %w", err)
	}
	var trafBodies [][]byte
	for _, c := range moofChildren {
		if c.boxType == "traf" {
			trafBodies = append(trafBodies, c.body)
		}
	}
	if len(trafBodies) != 1 {
		return nil, fmt.Errorf("%w: moof has %d traf boxes, want exactly 1", ErrInvalidStructure, len(trafBodies))
	}

	trafChildren, err := splitBoxes(trafBodies[0])
	if err != nil {
		return nil, fmt.Errorf("mp4: parse traf: %w", err)
	}
	tfhdBody, ok := childByType(trafChildren, "tfhd")
	if !ok {
		return nil, fmt.Errorf("%w: traf missing tfhd box", ErrInvalidStructure)
	}
	trunBody, ok := childByType(trafChildren, "trun")
	if !ok {
		return nil, fmt.Errorf("%w: traf missing trun box", ErrInvalidStructure)
	}

	tfhd, err := parseTfhd(tfhdBody)
	if err != nil {
		return nil, err
	}

	var baseDecodeTime uint64
	if tfdtBody, ok := childByType(trafChildren, "tfdt"); ok {
		baseDecodeTime, err = parseTfdt(tfdtBody)
		if err != nil {
			return nil, err
		}
	}

	samples, firstSampleFlags, err := parseTrun(trunBody)
	if err != nil {
		return nil, err
	}

	out := make([]media.Sample, 0, len(samples))
	dts := baseDecodeTime
	mdatPos := 0
	for i, s := range samples {
		duration := s.duration
		if duration == nil {
			duration = tfhd.defaultSampleDuration
		}
		size := s.size
		if size == nil {
			size = tfhd.defaultSampleSize
		}
		flags := s.flags
		if flags == nil {
			if i == 0 {
				flags = firstSampleFlags
			}
			if flags == nil {
				flags = tfhd.defaultSampleFlags
			}
		}

		n := len(mdatBody) - mdatPos
		if size != nil {
			n = int(*size)
		}
		if n < 0 || mdatPos+n > len(mdatBody) {
			return nil, fmt.Errorf("%w: mdat too small for sample %d (need %d more bytes)", ErrInvalidStructure, i, n)
		}
		payload := mdatBody[mdatPos : mdatPos+n]
		mdatPos += n

		var durationVal uint32
		if duration != nil {
			durationVal = *duration
		}
		var flagsVal uint32
		if flags != nil {
			flagsVal = *flags
		}
		var compOffset int64
		if s.compositionOffset != nil {
			compOffset = int64(*s.compositionOffset)
		}

		out = append(out, media.Sample{
			DTS:        int64(dts),
			PTS:        int64(dts) + compOffset,
			Duration:   durationVal,
			IsKeyframe: sampleDependsOn(flagsVal) == 2,
			Payload:    append([]byte(nil), payload...),
		})
		dts += uint64(durationVal)
	}
	return out, nil
}
