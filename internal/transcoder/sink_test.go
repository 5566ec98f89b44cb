package transcoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"ridgecast-live/internal/breakpoint"
	"ridgecast-live/internal/media"
	"ridgecast-live/internal/mp4"
	"ridgecast-live/internal/publish"
	"ridgecast-live/internal/recorder"
	"ridgecast-live/internal/tasker"
)

type memMediaStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newMemMediaStore() *memMediaStore {
	return &memMediaStore{objects: make(map[string][]byte)}
}

func (m *memMediaStore) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memMediaStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	m.mu.Unlock()
	return nil
}

type memMetaStore struct {
	mu     sync.Mutex
	values map[string][]byte
	puts   int
}

func newMemMetaStore() *memMetaStore {
	return &memMetaStore{values: make(map[string][]byte)}
}

func (m *memMetaStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	m.values[key] = append([]byte(nil), data...)
	m.puts++
	m.mu.Unlock()
	return nil
}

type memRecorderStore struct {
	mu         sync.Mutex
	segments   []recorder.SegmentRow
	thumbnails []recorder.ThumbnailRow
	finalized  int
}

func (m *memRecorderStore) InsertSegment(ctx context.Context, row recorder.SegmentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.segments {
		if existing.RecordingID == row.RecordingID && existing.Rendition == row.Rendition && existing.Idx == row.Idx {
			return nil
		}
	}
	m.segments = append(m.segments, row)
	return nil
}

func (m *memRecorderStore) InsertThumbnail(ctx context.Context, row recorder.ThumbnailRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thumbnails = append(m.thumbnails, row)
	return nil
}

func (m *memRecorderStore) FinalizeRecording(ctx context.Context, recordingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized++
	return nil
}

func drainTasker(t *testing.T, tr *tasker.Tasker) {
	t.Helper()
	for {
		key, task, ok := tr.NextReady()
		if !ok {
			return
		}
		if err := task.Run(context.Background()); err != nil {
			t.Fatalf("task on %q failed: %v", key, err)
		}
		tr.Ack(key)
	}
}

// cbrSamples produces n samples of fixed tick duration, with a keyframe
// every keyInterval samples starting at index 0.
func cbrSamples(n int, durationTicks uint32, keyInterval int) []media.Sample {
	out := make([]media.Sample, 0, n)
	dts := int64(0)
	for i := 0; i < n; i++ {
		out = append(out, media.Sample{
			Index:      int64(i),
			DTS:        dts,
			PTS:        dts,
			Duration:   durationTicks,
			IsKeyframe: keyInterval > 0 && i%keyInterval == 0,
			Payload:    []byte{byte(i)},
		})
		dts += int64(durationTicks)
	}
	return out
}

func newSinkFixture(t *testing.T, record bool) (*TrackSink, *publish.Publisher, *tasker.Tasker, *memMetaStore, *memRecorderStore) {
	t.Helper()
	tr := tasker.New()
	objects := newMemMediaStore()
	meta := newMemMetaStore()
	pub := publish.New("sess-1", "video_hd", 1000, tr, objects, meta,
		publish.WithPartTarget(250*time.Millisecond))

	var rec *recorder.Recorder
	recStore := &memRecorderStore{}
	if record {
		rec = recorder.New("rec-1", "video_hd", newMemMediaStore(), recStore)
	}

	idx := 0
	sink := NewTrackSink(context.Background(), TrackSinkConfig{
		Rendition: "video_hd",
		Timescale: 1000,
		Breakpoints: breakpoint.Params{
			TargetSegmentSeconds: 2.0,
			TargetPartSeconds:    0.25,
			MaxPartSeconds:       0.5,
		},
		Publisher: pub,
		Recorder:  rec,
		IDGenerator: func() string {
			idx++
			return fmt.Sprintf("seg-%04d", idx)
		},
	})
	return sink, pub, tr, meta, recStore
}

// One second of 30fps CBR with a 30-frame key interval and a 2s segment
// target: no segment is sealed while streaming (duration below target),
// parts commit roughly every quarter second, and disconnect commits one
// final segment covering everything.
func TestSinkShortStreamSealsFinalSegmentOnClose(t *testing.T) {
	sink, pub, tr, meta, recStore := newSinkFixture(t, true)

	if err := sink.WriteInit(media.InitSegment{Codec: media.CodecAVC, Bytes: []byte{1}}); err != nil {
		t.Fatalf("write init: %v", err)
	}
	for _, s := range cbrSamples(30, 33, 30) {
		if err := sink.WriteSample(s); err != nil {
			t.Fatalf("write sample %d: %v", s.Index, err)
		}
	}

	state := pub.State()
	if state.Sequence != 0 {
		t.Fatalf("expected no sealed segments mid-stream, got sequence %d", state.Sequence)
	}
	if got := len(state.OpenSegment.Parts); got < 2 || got > 4 {
		t.Fatalf("expected roughly 3 open parts after 1s, got %d", got)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	drainTasker(t, tr)

	state = pub.State()
	if state.Sequence != 1 {
		t.Fatalf("expected exactly one sealed segment after close, got %d", state.Sequence)
	}
	if !state.EndList {
		t.Fatalf("expected terminal playlist to carry end_list")
	}
	var total time.Duration
	for _, part := range state.Segments[0].Parts {
		total += part.Duration
	}
	if total != 990*time.Millisecond {
		t.Fatalf("expected parts to tile the full 990ms, got %s", total)
	}

	if len(recStore.segments) != 1 {
		t.Fatalf("expected one recorded segment, got %d", len(recStore.segments))
	}
	if recStore.finalized == 0 {
		t.Fatalf("expected recording to be finalized on close")
	}
	if meta.puts == 0 {
		t.Fatalf("expected playlist metadata writes")
	}
}

// A 2s keyframe interval with a 2s target lands every segment exactly on
// a keyframe with duration 2.000s.
func TestSinkSegmentsAlignToKeyframes(t *testing.T) {
	sink, pub, tr, _, recStore := newSinkFixture(t, true)

	// 25fps, 40ms ticks: keyframe every 50 frames = every 2.000s.
	for _, s := range cbrSamples(150, 40, 50) {
		if err := sink.WriteSample(s); err != nil {
			t.Fatalf("write sample %d: %v", s.Index, err)
		}
	}
	drainTasker(t, tr)

	state := pub.State()
	if state.Sequence != 2 {
		t.Fatalf("expected two sealed segments from 6s of media, got %d", state.Sequence)
	}
	for i, seg := range state.Segments {
		if seg.Duration() != 2*time.Second {
			t.Fatalf("segment %d duration %s, want 2s", i, seg.Duration())
		}
	}
	for i, row := range recStore.segments {
		if row.EndTime-row.StartTime != 2.0 {
			t.Fatalf("recorded segment %d spans %f, want 2.0", i, row.EndTime-row.StartTime)
		}
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	drainTasker(t, tr)
}

func TestSinkWriteAfterCloseFails(t *testing.T) {
	sink, _, tr, _, _ := newSinkFixture(t, false)
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sink.WriteSample(media.Sample{}); err == nil {
		t.Fatalf("expected write after close to fail")
	}
	drainTasker(t, tr)
}

// Minimal box builders for the MP4Output tests.
func testBox(boxType string, body []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	out = append(out, boxType...)
	return append(out, body...)
}

func testAvcMoov(timescale uint32) []byte {
	avcC := testBox("avcC", []byte{0x01, 0x64, 0x00, 0x1f})
	avc1 := testBox("avc1", append(make([]byte, 78), avcC...))
	stsd := testBox("stsd", append([]byte{0, 0, 0, 0, 0, 0, 0, 1}, avc1...))
	stbl := testBox("stbl", stsd)
	minf := testBox("minf", stbl)
	mdhdBody := make([]byte, 24)
	binary.BigEndian.PutUint32(mdhdBody[12:], timescale)
	mdhd := testBox("mdhd", mdhdBody)
	hdlrBody := make([]byte, 24)
	copy(hdlrBody[8:], "vide")
	hdlr := testBox("hdlr", hdlrBody)
	mdia := testBox("mdia", bytes.Join([][]byte{mdhd, hdlr, minf}, nil))
	trak := testBox("trak", mdia)
	return testBox("moov", trak)
}

func TestMP4OutputRejectsTimescaleMismatch(t *testing.T) {
	sink, _, tr, _, _ := newSinkFixture(t, false)
	out := NewMP4Output(sink)

	if _, err := out.Write(testAvcMoov(90000)); err == nil {
		t.Fatalf("expected timescale mismatch error")
	}
	drainTasker(t, tr)
}

func TestMP4OutputFeedsParsedSamplesIntoSink(t *testing.T) {
	sink, pub, tr, _, _ := newSinkFixture(t, false)
	out := NewMP4Output(sink)

	if _, err := out.Write(testAvcMoov(1000)); err != nil {
		t.Fatalf("write moov: %v", err)
	}
	for i, s := range cbrSamples(30, 33, 30) {
		frag := mp4.FragmentBytes(uint32(i+1), uint64(s.DTS), []media.Sample{s})
		if _, err := out.Write(frag); err != nil {
			t.Fatalf("write fragment: %v", err)
		}
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	drainTasker(t, tr)

	state := pub.State()
	if state.Sequence != 1 {
		t.Fatalf("expected one sealed segment after close, got %d", state.Sequence)
	}
}
