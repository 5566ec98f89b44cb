package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"ridgecast-live/internal/breakpoint"
	"ridgecast-live/internal/media"
	"ridgecast-live/internal/tasker"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	puts    map[string][]byte
	deleted map[string]bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{puts: map[string][]byte{}, deleted: map[string]bool{}}
}

func (s *fakeObjectStore) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key] = data
	return nil
}

func (s *fakeObjectStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[key] = true
	return nil
}

func (s *fakeObjectStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.puts[key]
	return ok
}

func (s *fakeObjectStore) isDeleted(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted[key]
}

type fakeMetaStore struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{puts: map[string][]byte{}}
}

func (s *fakeMetaStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeMetaStore) latest(key string) PlaylistState {
	s.mu.Lock()
	raw := s.puts[key]
	s.mu.Unlock()
	var state PlaylistState
	_ = json.Unmarshal(raw, &state)
	return state
}

// drainTasker runs every currently-dispatchable task to completion,
// acking success and failing the test on any error — the publish package
// itself never expects a task to fail against these fakes.
func drainTasker(t *testing.T, tr *tasker.Tasker) {
	t.Helper()
	for {
		key, task, ok := tr.NextReady()
		if !ok {
			return
		}
		if err := task.Run(context.Background()); err != nil {
			t.Fatalf("unexpected task error for key %q: %v", key, err)
		}
		tr.Ack(key)
	}
}

func sequentialIDGenerator() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func keyframeSample(duration uint32) media.Sample {
	return media.Sample{IsKeyframe: true, Duration: duration}
}

func TestHandlePartUploadsBytesAndWritesPlaylist(t *testing.T) {
	objects := newFakeObjectStore()
	meta := newFakeMetaStore()
	tr := tasker.New()
	pub := New("sess-1", "720p", 1000, tr, objects, meta, WithIDGenerator(sequentialIDGenerator()))

	frag := Fragment{
		Samples: []media.Sample{keyframeSample(1000)},
		Bytes:   []byte("fragment-bytes"),
		Break:   breakpoint.Breakpoint{Index: 1, Type: breakpoint.BreakTypePart},
	}
	if _, err := pub.HandlePart(frag); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainTasker(t, tr)

	wantKey := "live/sess-1/720p/part-id-1.m4s"
	if !objects.has(wantKey) {
		t.Fatalf("expected part uploaded under %q", wantKey)
	}

	state := meta.latest("live/sess-1/720p.playlist")
	if len(state.OpenSegment.Parts) != 1 {
		t.Fatalf("expected 1 part in the open segment, got %d", len(state.OpenSegment.Parts))
	}
	if state.OpenSegment.Parts[0].Key != wantKey {
		t.Fatalf("expected playlist part key %q, got %q", wantKey, state.OpenSegment.Parts[0].Key)
	}
	if !state.OpenSegment.Parts[0].Independent {
		t.Fatalf("expected the keyframe-led part to be marked independent")
	}
}

func TestSegmentCommitSealsOpenSegmentAndAdvancesSequence(t *testing.T) {
	objects := newFakeObjectStore()
	meta := newFakeMetaStore()
	tr := tasker.New()
	pub := New("sess-1", "720p", 1000, tr, objects, meta, WithIDGenerator(sequentialIDGenerator()))

	if _, err := pub.HandlePart(Fragment{
		Samples: []media.Sample{keyframeSample(1000)},
		Bytes:   []byte("a"),
		Break:   breakpoint.Breakpoint{Index: 1, Type: breakpoint.BreakTypeSegment},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	drainTasker(t, tr)

	state := pub.State()
	if state.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", state.Sequence)
	}
	if len(state.Segments) != 1 || len(state.Segments[0].Parts) != 1 {
		t.Fatalf("expected 1 sealed segment with 1 part, got %+v", state.Segments)
	}
	if len(state.OpenSegment.Parts) != 0 {
		t.Fatalf("expected a fresh empty open segment after sealing, got %+v", state.OpenSegment)
	}
	if state.Segments[0].ID == "" {
		t.Fatalf("expected the sealed segment to carry a segment id")
	}
}

func TestSealedSegmentsCarryUniqueIDs(t *testing.T) {
	objects := newFakeObjectStore()
	meta := newFakeMetaStore()
	tr := tasker.New()
	pub := New("sess-1", "720p", 1000, tr, objects, meta, WithIDGenerator(sequentialIDGenerator()))

	for i := 0; i < 3; i++ {
		if _, err := pub.HandlePart(Fragment{
			Samples: []media.Sample{keyframeSample(1000)},
			Bytes:   []byte("a"),
			Break:   breakpoint.Breakpoint{Index: i + 1, Type: breakpoint.BreakTypeSegment},
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	drainTasker(t, tr)

	state := pub.State()
	seen := map[string]bool{}
	for i, seg := range state.Segments {
		if seg.ID == "" {
			t.Fatalf("segment %d has no id", i)
		}
		if seen[seg.ID] {
			t.Fatalf("segment id %q repeated", seg.ID)
		}
		seen[seg.ID] = true
	}
}

func TestWindowAgesOutOldestSegmentPartsForDeletion(t *testing.T) {
	objects := newFakeObjectStore()
	meta := newFakeMetaStore()
	tr := tasker.New()
	pub := New("sess-1", "720p", 1000, tr, objects, meta, WithWindow(1), WithIDGenerator(sequentialIDGenerator()))

	commitSegment := func() []string {
		deleted, err := pub.HandlePart(Fragment{
			Samples: []media.Sample{keyframeSample(1000)},
			Bytes:   []byte("x"),
			Break:   breakpoint.Breakpoint{Type: breakpoint.BreakTypeSegment},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		drainTasker(t, tr)
		return deleted
	}

	firstPartKey := "live/sess-1/720p/part-id-1.m4s"
	if deleted := commitSegment(); len(deleted) != 0 {
		t.Fatalf("expected no aged-out parts after the first segment, got %v", deleted)
	}
	if !objects.has(firstPartKey) {
		t.Fatalf("expected the first segment's part to be uploaded")
	}

	deleted := commitSegment()
	if len(deleted) != 1 || deleted[0] != firstPartKey {
		t.Fatalf("expected the first segment's part to age out, got %v", deleted)
	}
	if !objects.isDeleted(firstPartKey) {
		t.Fatalf("expected the aged-out part to be soft-deleted from the object store")
	}

	state := pub.State()
	if len(state.Segments) != 1 {
		t.Fatalf("expected the rolling window to keep exactly 1 sealed segment, got %d", len(state.Segments))
	}
}

func TestCanSkipUntilStaysInsideTheWindow(t *testing.T) {
	objects := newFakeObjectStore()
	meta := newFakeMetaStore()
	tr := tasker.New()
	pub := New("sess-1", "720p", 1000, tr, objects, meta, WithWindow(2), WithIDGenerator(sequentialIDGenerator()))

	for i := 0; i < 3; i++ {
		if _, err := pub.HandlePart(Fragment{
			Samples: []media.Sample{keyframeSample(1000)},
			Bytes:   []byte("x"),
			Break:   breakpoint.Breakpoint{Type: breakpoint.BreakTypeSegment},
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		drainTasker(t, tr)
	}

	state := pub.State()
	if state.Sequence != 3 {
		t.Fatalf("expected sequence 3, got %d", state.Sequence)
	}
	if state.CanSkipUntil != 2 {
		t.Fatalf("expected CanSkipUntil 2 (sequence 3, window 2), got %d", state.CanSkipUntil)
	}
}

func TestPartTargetIsAdvertisedInPlaylistState(t *testing.T) {
	objects := newFakeObjectStore()
	meta := newFakeMetaStore()
	tr := tasker.New()
	pub := New("sess-1", "720p", 1000, tr, objects, meta, WithPartTarget(500*time.Millisecond))

	if state := pub.State(); state.PartTargetSeconds != 0.5 {
		t.Fatalf("expected PartTargetSeconds 0.5, got %v", state.PartTargetSeconds)
	}
}
