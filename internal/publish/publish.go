// Package publish turns committed breakpoint-engine output for one output
// track into the object-store uploads and KV playlist writes viewers read.
// It keeps a rolling window of the last N sealed segments plus the segment
// currently being appended to, and routes every write through a Tasker so
// that two parts of the same track are never published out of order.
package publish

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ridgecast-live/internal/breakpoint"
	"ridgecast-live/internal/media"
	"ridgecast-live/internal/tasker"
)

// DefaultWindow is how many sealed segments a Publisher keeps reachable
// before aging the oldest one's parts out.
const DefaultWindow = 5

// Part is one committed LL-HLS part within a segment.
type Part struct {
	ID          string
	Key         string
	Duration    time.Duration
	Independent bool
}

// Segment is one sealed or in-progress group of parts, cut at a keyframe.
type Segment struct {
	ID    string
	Index int
	Parts []Part
}

// Duration sums every part's duration.
func (s Segment) Duration() time.Duration {
	var total time.Duration
	for _, p := range s.Parts {
		total += p.Duration
	}
	return total
}

// PlaylistState is the full value written under a track's metadata key on
// every committed part; it is the sole synchronization point viewers read
// to discover new parts and segments.
type PlaylistState struct {
	Sequence          int       `json:"sequence"`
	Segments          []Segment `json:"segments"`
	OpenSegment       Segment   `json:"open_segment"`
	CanSkipUntil      int       `json:"can_skip_until"`
	PartTargetSeconds float64   `json:"part_target_seconds"`
	// EndList marks the terminal playlist update: the stream has ended
	// and no further parts will be published.
	EndList bool `json:"end_list,omitempty"`
}

// Fragment is one committed unit of encoded output: the sample batch the
// breakpoint engine evaluated to produce Break, and the already-muxed
// bytes for exactly that span of samples.
type Fragment struct {
	Samples []media.Sample
	Bytes   []byte
	Break   breakpoint.Breakpoint
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithWindow overrides DefaultWindow.
func WithWindow(n int) Option {
	return func(p *Publisher) { p.window = n }
}

// WithIDGenerator overrides the default ULID-based ID generator, for
// deterministic tests.
func WithIDGenerator(gen func() string) Option {
	return func(p *Publisher) { p.genID = gen }
}

// WithPartTarget sets the PART-TARGET seconds advertised in the playlist.
func WithPartTarget(d time.Duration) Option {
	return func(p *Publisher) { p.partTarget = d }
}

func defaultIDGenerator() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// Publisher owns one output track's publish state: sessionID/trackName
// identify both the Tasker key used to order its writes and the key
// namespace its objects and metadata are written under.
type Publisher struct {
	sessionID string
	trackName string
	timescale uint32

	tasker  *tasker.Tasker
	objects tasker.MediaStore
	meta    tasker.MetadataStore

	window     int
	partTarget time.Duration
	genID      func() string

	mu       sync.Mutex
	sequence int
	sealed   []Segment
	open     Segment
	ended    bool
}

// New builds a Publisher for one (sessionID, trackName) output.
func New(sessionID, trackName string, timescale uint32, tr *tasker.Tasker, objects tasker.MediaStore, meta tasker.MetadataStore, opts ...Option) *Publisher {
	p := &Publisher{
		sessionID: sessionID,
		trackName: trackName,
		timescale: timescale,
		tasker:    tr,
		objects:   objects,
		meta:      meta,
		window:    DefaultWindow,
		genID:     defaultIDGenerator,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) taskerKey() string {
	return fmt.Sprintf("%s/%s", p.sessionID, p.trackName)
}

func (p *Publisher) partKey(partID string) string {
	return fmt.Sprintf("live/%s/%s/part-%s.m4s", p.sessionID, p.trackName, partID)
}

func (p *Publisher) metadataKey() string {
	return fmt.Sprintf("live/%s/%s.playlist", p.sessionID, p.trackName)
}

// HandlePart enqueues the work for one committed part: uploading its bytes
// and writing the resulting playlist snapshot. Both actions run as a
// single Tasker task so a requeued retry re-attempts the whole pair rather
// than risking a part landing in the object store with no playlist entry
// ever pointing at it. It never coalesces — unlike Tasker's
// UploadMedia/UploadMetadata helpers, which abort everything still queued
// under a key and would silently drop an earlier part's still-pending
// upload — so it calls Tasker.Submit directly.
func (p *Publisher) HandlePart(frag Fragment) ([]string, error) {
	partID := p.genID()
	duration := sumSampleDuration(frag.Samples, p.timescale)
	independent := len(frag.Samples) > 0 && frag.Samples[0].IsKeyframe
	part := Part{ID: partID, Key: p.partKey(partID), Duration: duration, Independent: independent}

	p.mu.Lock()
	p.open.Parts = append(p.open.Parts, part)
	var aged []Segment
	if frag.Break.Type == breakpoint.BreakTypeSegment {
		p.sequence++
		p.open.Index = p.sequence
		p.open.ID = p.genID()
		p.sealed = append(p.sealed, p.open)
		p.open = Segment{}
		if len(p.sealed) > p.window {
			cut := len(p.sealed) - p.window
			aged = append(aged, p.sealed[:cut]...)
			p.sealed = p.sealed[cut:]
		}
	}
	state := p.snapshotLocked()
	p.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("publish: marshal playlist: %w", err)
	}

	bodyCopy := append([]byte(nil), frag.Bytes...)
	p.tasker.Submit(p.taskerKey(), tasker.KindCustom, func(ctx context.Context) error {
		if err := p.objects.Put(ctx, part.Key, bytes.NewReader(bodyCopy)); err != nil {
			return fmt.Errorf("publish: upload part %s: %w", part.ID, err)
		}
		if err := p.meta.Put(ctx, p.metadataKey(), payload); err != nil {
			return fmt.Errorf("publish: write playlist: %w", err)
		}
		return nil
	})

	var deletedKeys []string
	for _, seg := range aged {
		for _, part := range seg.Parts {
			key := part.Key
			deletedKeys = append(deletedKeys, key)
			// Soft delete: scheduled on the same ordered key so it never
			// races ahead of the upload/playlist write for a part still
			// being published, but a failure here must never block
			// publishing — it only leaves a stale object behind.
			p.tasker.Submit(p.taskerKey(), tasker.KindDeleteMedia, func(ctx context.Context) error {
				_ = p.objects.Delete(ctx, key)
				return nil
			})
		}
	}
	return deletedKeys, nil
}

// State returns a snapshot of the current playlist state.
func (p *Publisher) State() PlaylistState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Publisher) snapshotLocked() PlaylistState {
	segments := make([]Segment, len(p.sealed))
	copy(segments, p.sealed)
	return PlaylistState{
		Sequence:          p.sequence,
		Segments:          segments,
		OpenSegment:       p.open,
		CanSkipUntil:      canSkipUntil(p.sequence, p.window),
		PartTargetSeconds: p.partTarget.Seconds(),
		EndList:           p.ended,
	}
}

// Finalize writes the terminal playlist update: the snapshot viewers are
// holding, with EndList set. Ordered behind every pending part write on
// the same tasker key, so no earlier update can overwrite it.
func (p *Publisher) Finalize() error {
	p.mu.Lock()
	p.ended = true
	state := p.snapshotLocked()
	p.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("publish: marshal terminal playlist: %w", err)
	}
	p.tasker.Submit(p.taskerKey(), tasker.KindUploadMetadata, func(ctx context.Context) error {
		if err := p.meta.Put(ctx, p.metadataKey(), payload); err != nil {
			return fmt.Errorf("publish: write terminal playlist: %w", err)
		}
		return nil
	})
	return nil
}

// canSkipUntil is the oldest sequence number a CDN-side delta update may
// skip forward to, conservatively kept one segment inside the window so a
// viewer resuming from a skip always lands on a segment still available.
func canSkipUntil(sequence, window int) int {
	if window <= 1 {
		return sequence
	}
	skip := sequence - window + 1
	if skip < 0 {
		return 0
	}
	return skip
}

func sumSampleDuration(samples []media.Sample, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	var ticks uint64
	for _, s := range samples {
		ticks += uint64(s.Duration)
	}
	return time.Duration(ticks) * time.Second / time.Duration(timescale)
}
