package transcoder

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"ridgecast-live/internal/breakpoint"
	"ridgecast-live/internal/media"
	"ridgecast-live/internal/mp4"
	"ridgecast-live/internal/observability/metrics"
	"ridgecast-live/internal/publish"
	"ridgecast-live/internal/recorder"
)

// TrackSink is the output side of one rendition: it implements both
// OutputWriter and CopyWriter, feeding every sample through the
// breakpoint engine and muxing each committed span into a self-contained
// fragment handed to the publisher, with sealed segments optionally
// persisted to the recorder.
type TrackSink struct {
	rendition string
	timescale uint32

	ctx     context.Context
	engine  *breakpoint.Engine
	pub     *publish.Publisher
	rec     *recorder.Recorder
	metrics *metrics.Recorder
	logger  *slog.Logger
	genID   func() string

	seq      uint32
	buf      []media.Sample
	cutAbs   int
	appended int
	acted    int

	// lastActed is bps[acted-1] as it stood when it was acted on.
	lastActed breakpoint.Breakpoint

	segParts    [][]byte
	segTicks    uint64
	segStartDTS int64
	segIdx      int

	closed bool
}

// TrackSinkConfig wires one sink. Recorder and Metrics are optional.
type TrackSinkConfig struct {
	Rendition string
	Timescale uint32
	// Breakpoints' Timescale field is overwritten with Timescale above.
	Breakpoints breakpoint.Params
	Publisher   *publish.Publisher
	Recorder    *recorder.Recorder
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	// IDGenerator overrides the ULID segment-id generator in tests.
	IDGenerator func() string
}

// NewTrackSink builds a sink; ctx scopes its recorder writes.
func NewTrackSink(ctx context.Context, cfg TrackSinkConfig) *TrackSink {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = func() string {
			return ulid.MustNew(ulid.Now(), ulid.Monotonic(rand.Reader, 0)).String()
		}
	}
	params := cfg.Breakpoints
	params.Timescale = cfg.Timescale
	return &TrackSink{
		rendition: cfg.Rendition,
		timescale: cfg.Timescale,
		ctx:       ctx,
		engine:    breakpoint.NewEngine(params),
		pub:       cfg.Publisher,
		rec:       cfg.Recorder,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("rendition", cfg.Rendition),
		genID:     cfg.IDGenerator,
	}
}

// WriteInit persists the rendition's init segment once, before any media.
func (s *TrackSink) WriteInit(init media.InitSegment) error {
	if s.rec == nil {
		return nil
	}
	if err := s.rec.WriteInit(s.ctx, init.Bytes); err != nil {
		return fmt.Errorf("sink %s: write init: %w", s.rendition, err)
	}
	return nil
}

// WriteSample admits one encoded sample and commits whatever breaks it
// unlocks.
func (s *TrackSink) WriteSample(sample media.Sample) error {
	if s.closed {
		return fmt.Errorf("sink %s: write after close", s.rendition)
	}
	s.buf = append(s.buf, sample)
	s.appended++
	s.engine.Push(sample)
	return s.commitNewBreaks()
}

// commitNewBreaks acts on every breakpoint the engine has committed that
// this sink has not yet flushed. When the engine folds the last part
// breakpoint acted on into the segment breakpoint that follows it, that
// slot is acted on again so the segment still seals. A retroactive
// replacement at an index already flushed is skipped: those bytes are
// published and gone.
func (s *TrackSink) commitNewBreaks() error {
	bps := s.engine.Breakpoints()
	if s.acted > 0 && s.acted <= len(bps) && bps[s.acted-1] != s.lastActed {
		s.acted--
	}
	for ; s.acted < len(bps); s.acted++ {
		bp := bps[s.acted]
		s.lastActed = bp
		count := bp.Index - s.cutAbs
		if count <= 0 {
			s.logger.Debug("skipping retroactive breakpoint behind published data", "index", bp.Index)
			continue
		}
		if count > len(s.buf) {
			return fmt.Errorf("sink %s: breakpoint %d beyond buffered samples", s.rendition, bp.Index)
		}
		if err := s.flush(s.buf[:count], bp); err != nil {
			return err
		}
		s.buf = s.buf[count:]
		s.cutAbs = bp.Index
	}
	return nil
}

// flush muxes samples into one fragment and publishes it as a part,
// sealing the segment (and recording it) on a segment break.
func (s *TrackSink) flush(samples []media.Sample, bp breakpoint.Breakpoint) error {
	if len(s.segParts) == 0 {
		s.segStartDTS = samples[0].DTS
	}
	s.seq++
	frag := mp4.FragmentBytes(s.seq, uint64(samples[0].DTS), samples)

	if _, err := s.pub.HandlePart(publish.Fragment{Samples: samples, Bytes: frag, Break: bp}); err != nil {
		return fmt.Errorf("sink %s: publish part: %w", s.rendition, err)
	}
	if s.metrics != nil {
		s.metrics.PartPublished(s.rendition)
	}

	s.segParts = append(s.segParts, frag)
	for _, sm := range samples {
		s.segTicks += uint64(sm.Duration)
	}

	if bp.Type != breakpoint.BreakTypeSegment {
		return nil
	}
	if s.metrics != nil {
		s.metrics.SegmentPublished(s.rendition)
	}
	if s.rec != nil {
		seg := recorder.Segment{
			ID:        s.genID(),
			Idx:       s.segIdx,
			StartTime: float64(s.segStartDTS) / float64(s.timescale),
			Duration:  float64(s.segTicks) / float64(s.timescale),
			Parts:     s.segParts,
		}
		if err := s.rec.WriteSegment(s.ctx, seg); err != nil {
			return fmt.Errorf("sink %s: record segment %d: %w", s.rendition, seg.Idx, err)
		}
		if s.metrics != nil {
			s.metrics.RecordingSegmentWritten(s.rendition)
		}
	}
	s.segIdx++
	s.segParts = nil
	s.segTicks = 0
	return nil
}

// Close commits a final segment covering every still-buffered sample,
// writes the terminal playlist update, and finalizes the recording.
func (s *TrackSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if len(s.buf) > 0 {
		final := breakpoint.Breakpoint{Index: s.cutAbs + len(s.buf), Type: breakpoint.BreakTypeSegment}
		if err := s.flush(s.buf, final); err != nil {
			return err
		}
		s.buf = nil
		s.cutAbs = final.Index
	}
	if err := s.pub.Finalize(); err != nil {
		return err
	}
	if s.rec != nil {
		if err := s.rec.Finalize(s.ctx); err != nil {
			return fmt.Errorf("sink %s: finalize recording: %w", s.rendition, err)
		}
	}
	return nil
}

// MP4Output adapts a byte-stream fragmented-MP4 producer (a codec
// adapter writing muxer output) onto a TrackSink, using the track parser
// to recover init and samples from the raw boxes.
type MP4Output struct {
	parser *mp4.Parser
	sink   *TrackSink
}

// NewMP4Output wraps sink with a fresh parser.
func NewMP4Output(sink *TrackSink) *MP4Output {
	return &MP4Output{parser: mp4.NewParser(), sink: sink}
}

// Write feeds raw bytes; complete boxes become init/sample writes on the
// underlying sink.
func (o *MP4Output) Write(p []byte) (int, error) {
	events, err := o.parser.Push(p)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		switch {
		case ev.Moov != nil:
			if ev.Moov.Timescale != o.sink.timescale {
				return 0, fmt.Errorf("sink %s: moov timescale %d does not match configured %d",
					o.sink.rendition, ev.Moov.Timescale, o.sink.timescale)
			}
			if err := o.sink.WriteInit(ev.Moov.Init); err != nil {
				return 0, err
			}
		case ev.Sample != nil:
			if err := o.sink.WriteSample(*ev.Sample); err != nil {
				return 0, err
			}
		}
	}
	return len(p), nil
}

// Close closes the underlying sink.
func (o *MP4Output) Close() error {
	return o.sink.Close()
}
