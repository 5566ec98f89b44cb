package handoff

import (
	"encoding/binary"
	"fmt"
	"io"

	"ridgecast-live/internal/media"
)

// Frame is one unit on the media stream: an init segment or a sample for
// one track, exactly one of Init/Sample set.
type Frame struct {
	Kind   media.Kind
	Init   *media.InitSegment
	Sample *media.Sample
}

const (
	frameInit   byte = 1
	frameSample byte = 2
	frameEnd    byte = 3
)

// streamMagic opens every media stream so a misrouted request fails
// immediately instead of desynchronizing the frame parser.
var streamMagic = [4]byte{'R', 'C', 'H', '1'}

// maxFramePayload bounds a single frame's payload; anything larger is a
// corrupt stream, not a legitimate access unit.
const maxFramePayload = 64 << 20

// FrameWriter serializes frames onto one media stream.
type FrameWriter struct {
	w           io.Writer
	wroteHeader bool
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) header() error {
	if fw.wroteHeader {
		return nil
	}
	if _, err := fw.w.Write(streamMagic[:]); err != nil {
		return fmt.Errorf("handoff: write stream header: %w", err)
	}
	fw.wroteHeader = true
	return nil
}

// WriteFrame appends one frame. The underlying writer is flushed if it
// supports it, so a chunked HTTP response carries frames promptly.
func (fw *FrameWriter) WriteFrame(frame Frame) error {
	if err := fw.header(); err != nil {
		return err
	}
	var buf []byte
	switch {
	case frame.Init != nil:
		buf = make([]byte, 0, 7+len(frame.Init.Bytes))
		buf = append(buf, frameInit, byte(frame.Kind), byte(frame.Init.Codec))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(frame.Init.Bytes)))
		buf = append(buf, frame.Init.Bytes...)
	case frame.Sample != nil:
		s := frame.Sample
		buf = make([]byte, 0, 35+len(s.Payload))
		buf = append(buf, frameSample, byte(frame.Kind))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.Index))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.DTS))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.PTS))
		buf = binary.BigEndian.AppendUint32(buf, s.Duration)
		var flags byte
		if s.IsKeyframe {
			flags |= 1
		}
		buf = append(buf, flags)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Payload)))
		buf = append(buf, s.Payload...)
	default:
		return fmt.Errorf("handoff: frame has neither init nor sample")
	}
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("handoff: write frame: %w", err)
	}
	fw.flush()
	return nil
}

// Close writes the end-of-stream marker; the reader sees a clean io.EOF
// instead of an unexpected one.
func (fw *FrameWriter) Close() error {
	if err := fw.header(); err != nil {
		return err
	}
	if _, err := fw.w.Write([]byte{frameEnd}); err != nil {
		return fmt.Errorf("handoff: write end marker: %w", err)
	}
	fw.flush()
	return nil
}

func (fw *FrameWriter) flush() {
	switch f := fw.w.(type) {
	case interface{ Flush() error }:
		_ = f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
}

// FrameReader parses one media stream.
type FrameReader struct {
	r          io.Reader
	readHeader bool
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame returns the next frame, io.EOF after a clean end marker, or
// io.ErrUnexpectedEOF if the stream stops mid-frame.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	if !fr.readHeader {
		var magic [4]byte
		if _, err := io.ReadFull(fr.r, magic[:]); err != nil {
			return Frame{}, fmt.Errorf("handoff: read stream header: %w", err)
		}
		if magic != streamMagic {
			return Frame{}, fmt.Errorf("handoff: bad stream magic %q", magic[:])
		}
		fr.readHeader = true
	}

	var kindByte [2]byte
	if _, err := io.ReadFull(fr.r, kindByte[:1]); err != nil {
		if err == io.EOF {
			return Frame{}, io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	switch kindByte[0] {
	case frameEnd:
		return Frame{}, io.EOF
	case frameInit:
		if _, err := io.ReadFull(fr.r, kindByte[1:2]); err != nil {
			return Frame{}, unexpected(err)
		}
		var hdr [5]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		size := binary.BigEndian.Uint32(hdr[1:5])
		if size > maxFramePayload {
			return Frame{}, fmt.Errorf("handoff: init segment of %d bytes exceeds limit", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return Frame{}, unexpected(err)
		}
		return Frame{
			Kind: media.Kind(kindByte[1]),
			Init: &media.InitSegment{Codec: media.Codec(hdr[0]), Bytes: payload},
		}, nil
	case frameSample:
		if _, err := io.ReadFull(fr.r, kindByte[1:2]); err != nil {
			return Frame{}, unexpected(err)
		}
		var hdr [33]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		size := binary.BigEndian.Uint32(hdr[29:33])
		if size > maxFramePayload {
			return Frame{}, fmt.Errorf("handoff: sample of %d bytes exceeds limit", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return Frame{}, unexpected(err)
		}
		return Frame{
			Kind: media.Kind(kindByte[1]),
			Sample: &media.Sample{
				Index:      int64(binary.BigEndian.Uint64(hdr[0:8])),
				DTS:        int64(binary.BigEndian.Uint64(hdr[8:16])),
				PTS:        int64(binary.BigEndian.Uint64(hdr[16:24])),
				Duration:   binary.BigEndian.Uint32(hdr[24:28]),
				IsKeyframe: hdr[28]&1 != 0,
				Payload:    payload,
			},
		}, nil
	default:
		return Frame{}, fmt.Errorf("handoff: unknown frame type %d", kindByte[0])
	}
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
