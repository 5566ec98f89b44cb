// Package tasker runs side-effecting work (uploading a segment's bytes,
// writing playlist metadata, deleting an aged-out part) as a set of per-key
// FIFO queues: submitting work under a key that already has pending work
// either appends behind it or, for the coalescing entry points, first drops
// whatever was still waiting under that key so a fast producer's repeated
// writes to the same object only ever upload the latest version.
//
// Scheduling is cooperative round-robin across keys with ready work: at
// most one task per key is ever in flight at a time, so a slow or retrying
// key never starves the others and never runs two of its own tasks
// concurrently.
package tasker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Kind identifies the job a Task runs, independent of its payload — used
// for logging so a task's bytes never end up in a log line.
type Kind int

const (
	KindCustom Kind = iota
	KindUploadMetadata
	KindUploadMedia
	KindDeleteMedia
)

func (k Kind) String() string {
	switch k {
	case KindUploadMetadata:
		return "upload_metadata"
	case KindUploadMedia:
		return "upload_media"
	case KindDeleteMedia:
		return "delete_media"
	default:
		return "custom"
	}
}

// MetadataStore is the narrow slice of a KV-style store a metadata-upload
// task needs.
type MetadataStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// MediaStore is the narrow slice of an object store a media upload/delete
// task needs.
type MediaStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
}

// Job is the work a Task performs once it is dispatched.
type Job func(ctx context.Context) error

// Task is one unit of queued work, keyed so a later submission can
// supersede an earlier one under the same key.
type Task struct {
	key        string
	kind       Kind
	job        Job
	retryCount uint32
}

// Key identifies what this task acts on (an object-store key, a playlist
// path, ...).
func (t Task) Key() string { return t.key }

// Kind reports what this task does, without exposing its payload.
func (t Task) Kind() Kind { return t.kind }

// RetryCount reports how many times this task has been requeued after a
// failed attempt.
func (t Task) RetryCount() uint32 { return t.retryCount }

// Run executes the task's job.
func (t Task) Run(ctx context.Context) error { return t.job(ctx) }

func (t Task) retried() Task {
	t.retryCount++
	return t
}

// ErrRetriesExhausted is returned by Requeue when a task has already been
// retried MaxRetries times; the caller should treat the failure as fatal
// instead of scheduling another attempt.
var ErrRetriesExhausted = errors.New("tasker: retries exhausted")

// retryBackoff is the base delay multiplied by a task's retry count before
// a requeued task becomes ready again.
const retryBackoff = 100 * time.Millisecond

// DefaultMaxRetries is the retry cap applied when Tasker is constructed
// without WithMaxRetries.
const DefaultMaxRetries = 5

type pending struct {
	task    Task
	readyAt time.Time
}

type keyState struct {
	queue  []pending
	active bool
}

// Option configures a Tasker.
type Option func(*Tasker)

// WithClock overrides the clock used to schedule and evaluate retry
// backoff, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tasker) { t.clock = clock }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n uint32) Option {
	return func(t *Tasker) { t.maxRetries = n }
}

// Tasker owns every key's FIFO queue for one job. Producers (publishers
// enqueueing uploads) and the dispatch loop driving NextReady/Ack/Requeue
// run on different goroutines, so all public methods are mutex-guarded;
// the tasks themselves still run one-at-a-time per key.
type Tasker struct {
	clock      func() time.Time
	maxRetries uint32

	mu    sync.Mutex
	keys  []string
	rr    int
	state map[string]*keyState
}

// New returns an empty Tasker.
func New(opts ...Option) *Tasker {
	t := &Tasker{
		clock:      time.Now,
		maxRetries: DefaultMaxRetries,
		state:      map[string]*keyState{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tasker) keyState(key string) *keyState {
	st, ok := t.state[key]
	if !ok {
		st = &keyState{}
		t.state[key] = st
		t.keys = append(t.keys, key)
	}
	return st
}

func (t *Tasker) pruneIfIdle(key string) {
	st, ok := t.state[key]
	if !ok || st.active || len(st.queue) != 0 {
		return
	}
	delete(t.state, key)
	for i, k := range t.keys {
		if k != key {
			continue
		}
		t.keys = append(t.keys[:i], t.keys[i+1:]...)
		if t.rr > i {
			t.rr--
		}
		break
	}
}

// Submit appends a task to key's queue.
func (t *Tasker) Submit(key string, kind Kind, job Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitLocked(key, kind, job)
}

func (t *Tasker) submitLocked(key string, kind Kind, job Job) {
	st := t.keyState(key)
	st.queue = append(st.queue, pending{task: Task{key: key, kind: kind, job: job}})
}

// SubmitAbort cancels every pending (not yet dispatched) task under key,
// then submits the new one.
func (t *Tasker) SubmitAbort(key string, kind Kind, job Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortLocked(key)
	t.submitLocked(key, kind, job)
}

// Abort drops every queued-but-not-yet-dispatched task under key. It has
// no effect on a task NextReady has already handed out.
func (t *Tasker) Abort(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortLocked(key)
}

func (t *Tasker) abortLocked(key string) {
	st, ok := t.state[key]
	if !ok {
		return
	}
	st.queue = nil
	t.pruneIfIdle(key)
}

// Custom enqueues an arbitrary Job under key, superseding any task already
// queued under that key.
func (t *Tasker) Custom(key string, job Job) {
	t.SubmitAbort(key, KindCustom, job)
}

// UploadMetadata enqueues a metadata Put under key, superseding any task
// already queued under that key.
func (t *Tasker) UploadMetadata(key string, data []byte, store MetadataStore) {
	t.SubmitAbort(key, KindUploadMetadata, func(ctx context.Context) error {
		return store.Put(ctx, key, data)
	})
}

// UploadMedia enqueues an object-store Put under key, superseding any task
// already queued under that key. r is read lazily, at dispatch time, not
// at enqueue time — callers passing a once-readable reader (not a
// re-readable buffer) must not reuse it.
func (t *Tasker) UploadMedia(key string, r io.Reader, store MediaStore) {
	t.SubmitAbort(key, KindUploadMedia, func(ctx context.Context) error {
		return store.Put(ctx, key, r)
	})
}

// DeleteMedia enqueues an object-store Delete under key, superseding any
// task already queued under that key.
func (t *Tasker) DeleteMedia(key string, store MediaStore) {
	t.SubmitAbort(key, KindDeleteMedia, func(ctx context.Context) error {
		return store.Delete(ctx, key)
	})
}

// Requeue re-enqueues task at the head of its key's queue with its retry
// count incremented, ready after retryCount*100ms of backoff. Once the
// incremented retry count exceeds MaxRetries, it returns
// ErrRetriesExhausted instead of scheduling another attempt, and the
// caller should treat the task as permanently failed.
func (t *Tasker) Requeue(task Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.keyState(task.key)
	st.active = false

	next := task.retried()
	if next.retryCount > t.maxRetries {
		t.pruneIfIdle(task.key)
		return fmt.Errorf("%w: key %q after %d attempts", ErrRetriesExhausted, task.key, next.retryCount)
	}

	readyAt := t.clock().Add(time.Duration(next.retryCount) * retryBackoff)
	st.queue = append([]pending{{task: next, readyAt: readyAt}}, st.queue...)
	return nil
}

// Ack marks key's in-flight task as finished successfully, freeing that
// key to dispatch its next queued task.
func (t *Tasker) Ack(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[key]
	if !ok {
		return
	}
	st.active = false
	t.pruneIfIdle(key)
}

// NextReady dispatches the next ready task, round-robining across keys
// that have queued work and are not already running a task, skipping keys
// whose head task is still backing off. It returns ok=false when nothing
// is currently dispatchable (either the queues are empty, or everything
// pending is either active or not yet ready).
//
// The caller must eventually call Ack or Requeue for the key returned here
// before that key will yield another task.
func (t *Tasker) NextReady() (key string, task Task, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.keys)
	if n == 0 {
		return "", Task{}, false
	}

	now := t.clock()
	for i := 0; i < n; i++ {
		idx := (t.rr + i) % n
		k := t.keys[idx]
		st := t.state[k]
		if st.active || len(st.queue) == 0 {
			continue
		}
		if st.queue[0].readyAt.After(now) {
			continue
		}

		task = st.queue[0].task
		st.queue = st.queue[1:]
		st.active = true
		t.rr = (idx + 1) % n
		return k, task, true
	}
	return "", Task{}, false
}
