// Package recorder persists a recorded rendition's segments and thumbnails:
// the init segment is uploaded once, each sealed segment's parts are
// concatenated and uploaded as a single object, and a database row is
// written per segment and per thumbnail. Row inserts are idempotent on
// their natural key — a duplicate write is treated as already-persisted,
// not an error.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// RecordingState is a recording's lifecycle: Closed → Active → Finalized.
type RecordingState int

const (
	RecordingClosed RecordingState = iota
	RecordingActive
	RecordingFinalized
)

func (s RecordingState) String() string {
	switch s {
	case RecordingActive:
		return "active"
	case RecordingFinalized:
		return "finalized"
	default:
		return "closed"
	}
}

// ErrRecordingFinalized is returned by any write attempted after Finalize.
var ErrRecordingFinalized = errors.New("recorder: recording already finalized")

// ObjectPutter is the narrow slice of an object store the recorder needs;
// it never deletes what it has written.
type ObjectPutter interface {
	Put(ctx context.Context, key string, r io.Reader) error
}

// SegmentRow is one row of recording_rendition_segments.
type SegmentRow struct {
	RecordingID string
	Rendition   string
	Idx         int
	ID          string
	StartTime   float64
	EndTime     float64
	SizeBytes   int64
}

// ThumbnailRow is one row of recording_thumbnails.
type ThumbnailRow struct {
	RecordingID string
	Idx         int
	ID          string
	StartTime   float64
	SizeBytes   int64
}

// Store persists segment and thumbnail rows idempotently on their natural
// key: a second insert for a key already on file must return nil, not an
// error.
type Store interface {
	InsertSegment(ctx context.Context, row SegmentRow) error
	InsertThumbnail(ctx context.Context, row ThumbnailRow) error

	// FinalizeRecording transitions a recording to Finalized. It must be
	// safe to call twice: a second, concurrent finalize on an
	// already-Finalized recording is a no-op, not an error.
	FinalizeRecording(ctx context.Context, recordingID string) error
}

// Segment is one sealed segment's parts, ready to be concatenated and
// uploaded as a single object.
type Segment struct {
	ID        string
	Idx       int
	StartTime float64
	Duration  float64
	Parts     [][]byte
}

// Thumbnail is one screenshot sample, ready to be uploaded and recorded.
type Thumbnail struct {
	ID        string
	Idx       int
	StartTime float64
	JPEG      []byte
}

// normalizeSeconds rounds a seconds-denominated time half-to-even to
// millisecond precision, so repeated conversions between float
// representations never accumulate drift.
func normalizeSeconds(f float64) float64 {
	return math.RoundToEven(f*1000) / 1000
}

// Recorder owns one (recordingID, rendition)'s persisted state.
type Recorder struct {
	recordingID string
	rendition   string

	objects ObjectPutter
	store   Store

	mu          sync.Mutex
	initWritten bool
	state       RecordingState
}

// New builds a Recorder for one recording's rendition.
func New(recordingID, rendition string, objects ObjectPutter, store Store) *Recorder {
	return &Recorder{
		recordingID: recordingID,
		rendition:   rendition,
		objects:     objects,
		store:       store,
	}
}

func (r *Recorder) initKey() string {
	return fmt.Sprintf("%s/%s/init.mp4", r.recordingID, r.rendition)
}

func (r *Recorder) segmentKey(seg Segment) string {
	return fmt.Sprintf("%s/%s/seg/%010d_%s.mp4", r.recordingID, r.rendition, seg.Idx, seg.ID)
}

func (r *Recorder) thumbnailKey(t Thumbnail) string {
	return fmt.Sprintf("%s/thumb/%010d_%s.jpg", r.recordingID, t.Idx, t.ID)
}

// enterActive rejects any write once Finalize has been called, and marks
// the recording Active on its first write (Closed → Active).
func (r *Recorder) enterActive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecordingFinalized {
		return ErrRecordingFinalized
	}
	r.state = RecordingActive
	return nil
}

// State reports the recording's current lifecycle state.
func (r *Recorder) State() RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Finalize transitions the recording to Finalized, after which every write
// method fails with ErrRecordingFinalized. It is idempotent: calling it
// again on an already-Finalized recording is a no-op, tolerating two
// concurrent finalize attempts racing for the same recording.
func (r *Recorder) Finalize(ctx context.Context) error {
	r.mu.Lock()
	if r.state == RecordingFinalized {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.store.FinalizeRecording(ctx, r.recordingID); err != nil {
		return fmt.Errorf("recorder: finalize: %w", err)
	}

	r.mu.Lock()
	r.state = RecordingFinalized
	r.mu.Unlock()
	return nil
}

// WriteInit uploads the rendition's init segment, once. Every call after
// the first is a no-op: the init segment never changes for the lifetime of
// a recording.
func (r *Recorder) WriteInit(ctx context.Context, data []byte) error {
	if err := r.enterActive(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.initWritten {
		r.mu.Unlock()
		return nil
	}
	r.initWritten = true
	r.mu.Unlock()

	if err := r.objects.Put(ctx, r.initKey(), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("recorder: upload init segment: %w", err)
	}
	return nil
}

// WriteSegment concatenates seg's parts into a single object, uploads it,
// and inserts its row. A duplicate Idx is treated as already-persisted.
func (r *Recorder) WriteSegment(ctx context.Context, seg Segment) error {
	if err := r.enterActive(); err != nil {
		return err
	}

	var size int64
	for _, p := range seg.Parts {
		size += int64(len(p))
	}
	body := make([]byte, 0, size)
	for _, p := range seg.Parts {
		body = append(body, p...)
	}

	if err := r.objects.Put(ctx, r.segmentKey(seg), bytes.NewReader(body)); err != nil {
		return fmt.Errorf("recorder: upload segment %d: %w", seg.Idx, err)
	}

	start := normalizeSeconds(seg.StartTime)
	row := SegmentRow{
		RecordingID: r.recordingID,
		Rendition:   r.rendition,
		Idx:         seg.Idx,
		ID:          seg.ID,
		StartTime:   start,
		EndTime:     normalizeSeconds(seg.StartTime + seg.Duration),
		SizeBytes:   size,
	}
	if err := r.store.InsertSegment(ctx, row); err != nil {
		return fmt.Errorf("recorder: insert segment %d: %w", seg.Idx, err)
	}
	return nil
}

// WriteThumbnail uploads t's JPEG and inserts its row. A duplicate Idx is
// treated as already-persisted.
func (r *Recorder) WriteThumbnail(ctx context.Context, t Thumbnail) error {
	if err := r.enterActive(); err != nil {
		return err
	}

	if err := r.objects.Put(ctx, r.thumbnailKey(t), bytes.NewReader(t.JPEG)); err != nil {
		return fmt.Errorf("recorder: upload thumbnail %d: %w", t.Idx, err)
	}

	row := ThumbnailRow{
		RecordingID: r.recordingID,
		Idx:         t.Idx,
		ID:          t.ID,
		StartTime:   normalizeSeconds(t.StartTime),
		SizeBytes:   int64(len(t.JPEG)),
	}
	if err := r.store.InsertThumbnail(ctx, row); err != nil {
		return fmt.Errorf("recorder: insert thumbnail %d: %w", t.Idx, err)
	}
	return nil
}
