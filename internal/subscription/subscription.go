// Package subscription runs a single task that owns every outbound KV
// watch the edge tier needs, so that N viewers following the same
// playlist key share one upstream watch instead of opening N. A viewer
// calls Subscribe and gets back the last known value (if any) plus a
// Receiver that is fed every subsequent update; when the last Receiver for
// a key closes, the underlying watch is torn down after an idle grace
// period rather than immediately, so a viewer reconnecting moments later
// reuses it instead of paying to reopen it.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"ridgecast-live/internal/lifecycle"
)

// Entry is one value observed on a watched key.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Watcher opens a watch-with-history for a single key: the returned
// channel first yields the key's current value (if one exists) and then
// every subsequent update, and is closed when ctx is done or the
// underlying watch itself ends.
type Watcher interface {
	Watch(ctx context.Context, key string) (<-chan Entry, error)
}

const (
	// fanoutBufferSize mirrors the upstream broadcast channel's bounded
	// capacity: a receiver that falls behind by more than this many
	// updates misses each new update that arrives while its buffer is
	// full, rather than blocking the publisher.
	fanoutBufferSize = 16

	// DefaultIdleGrace is how long a topic with zero subscribers is kept
	// open (and its watch left running) before being torn down.
	DefaultIdleGrace = 30 * time.Second
)

// ErrManagerStopped is returned by Subscribe once Run has exited: the
// topic map is gone and no new watch can be opened.
var ErrManagerStopped = errors.New("subscription: manager stopped")

// Receiver is one viewer's subscription to a key. Ch delivers updates;
// slow consumption can silently drop updates (never the connection) once
// the internal buffer is full. Close releases the subscription; the
// caller — not garbage collection — decides when that happens, typically
// by tying it to the lifetime of the HTTP request or lifecycle.Context the
// viewer's connection is scoped to.
type Receiver struct {
	key string
	id  uint64
	ch  <-chan Entry
	mgr *Manager

	closeOnce sync.Once
}

// Ch returns the channel updates for this subscription arrive on.
func (r *Receiver) Ch() <-chan Entry { return r.ch }

// Close ends this subscription. It is safe to call more than once, and
// tolerates the manager having already shut down.
func (r *Receiver) Close() {
	r.closeOnce.Do(func() {
		r.mgr.unsubscribe(r.key, r.id)
	})
}

type subscribeRequest struct {
	key  string
	resp chan subscribeResult
}

type subscribeResult struct {
	initial *Entry
	ch      <-chan Entry
	id      uint64
}

type unsubscribeRequest struct {
	key string
	id  uint64
}

type incomingUpdate struct {
	key   string
	entry Entry
	ok    bool // false: the upstream watch for key ended
}

type subscriberEntry struct {
	id uint64
	ch chan Entry
}

type topic struct {
	subscribers []subscriberEntry
	lastValue   *Entry
	cancelWatch context.CancelFunc
	emptySince  time.Time // zero means not currently empty
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleGrace overrides DefaultIdleGrace.
func WithIdleGrace(d time.Duration) Option {
	return func(m *Manager) { m.idleGrace = d }
}

// WithObserver installs hooks the manager reports through: counts
// after every topic-map mutation, and one call per update dropped on a
// slow subscriber. Used to feed the process metrics.
func WithObserver(counts func(topics, subscribers int), dropped func()) Option {
	return func(m *Manager) {
		m.observeCounts = counts
		m.observeDrop = dropped
	}
}

// WithClock overrides the clock used to evaluate idle grace, for
// deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// Manager multiplexes any number of Subscribe calls for the same key onto
// one upstream Watcher.Watch. Run must be driven by exactly one goroutine;
// Subscribe is safe to call concurrently from many goroutines.
type Manager struct {
	watcher   Watcher
	idleGrace time.Duration
	clock     func() time.Time

	observeCounts func(topics, subscribers int)
	observeDrop   func()

	subscribeCh   chan subscribeRequest
	unsubscribeCh chan unsubscribeRequest
	stopped       chan struct{}

	nextID uint64
}

// New returns a Manager backed by watcher. Call Run to start it before any
// Subscribe call can complete.
func New(watcher Watcher, opts ...Option) *Manager {
	m := &Manager{
		watcher:       watcher,
		idleGrace:     DefaultIdleGrace,
		clock:         time.Now,
		subscribeCh:   make(chan subscribeRequest),
		unsubscribeCh: make(chan unsubscribeRequest),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe attaches to key's fan-out, opening a new upstream watch if no
// other viewer currently follows key. It blocks until Run's loop has
// serviced the request, so it must not be called from the same goroutine
// running Run.
func (m *Manager) Subscribe(ctx context.Context, key string) (*Entry, *Receiver, error) {
	resp := make(chan subscribeResult, 1)
	select {
	case m.subscribeCh <- subscribeRequest{key: key, resp: resp}:
	case <-m.stopped:
		return nil, nil, ErrManagerStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.initial, &Receiver{key: key, id: r.id, ch: r.ch, mgr: m}, nil
	case <-m.stopped:
		return nil, nil, ErrManagerStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (m *Manager) unsubscribe(key string, id uint64) {
	select {
	case m.unsubscribeCh <- unsubscribeRequest{key: key, id: id}:
	case <-m.stopped:
		// Run already exited; the topic map went with it.
	}
}

// Run services Subscribe/Close requests and upstream watch updates until
// lc is cancelled AND every topic has drained to zero subscribers,
// guaranteeing ordered shutdown: a viewer that is slow to disconnect does
// not get its updates cut off out from under it just because the process
// is shutting down elsewhere.
func (m *Manager) Run(lc *lifecycle.Context) error {
	// Late Subscribe/Close callers racing shutdown unblock against this
	// instead of hanging on the request channels.
	defer close(m.stopped)

	topics := map[string]*topic{}
	incoming := make(chan incomingUpdate)

	cleanup := time.NewTicker(m.idleGrace)
	defer cleanup.Stop()

	// Nilled once observed, so the closed channel does not win every
	// subsequent select round.
	cancelled := lc.Done()

	for {
		select {
		case req := <-m.subscribeCh:
			m.handleSubscribe(lc, topics, incoming, req)
			m.reportCounts(topics)

		case req := <-m.unsubscribeCh:
			m.handleUnsubscribe(topics, req)
			m.reportCounts(topics)
			if noTopicHasSubscribers(topics) && lc.IsDone() {
				teardownAll(topics)
				return nil
			}

		case <-cancelled:
			cancelled = nil
			// Cancellation with no viewers left (or none ever attached)
			// ends the loop here; otherwise the last unsubscribe does.
			if noTopicHasSubscribers(topics) {
				teardownAll(topics)
				return nil
			}

		case upd := <-incoming:
			m.handleIncoming(topics, upd)
			m.reportCounts(topics)

		case <-cleanup.C:
			m.sweepIdleTopics(topics)
			m.reportCounts(topics)
		}
	}
}

// reportCounts feeds the installed observer the current topic and
// subscriber totals.
func (m *Manager) reportCounts(topics map[string]*topic) {
	if m.observeCounts == nil {
		return
	}
	subscribers := 0
	for _, t := range topics {
		subscribers += len(t.subscribers)
	}
	m.observeCounts(len(topics), subscribers)
}

// noTopicHasSubscribers reports whether every topic has refcounted down to
// zero viewers. Idle topics may still linger in the map awaiting their
// grace-period sweep; shutdown ordering depends only on viewer count, not
// on whether that sweep has run yet.
func noTopicHasSubscribers(topics map[string]*topic) bool {
	for _, t := range topics {
		if len(t.subscribers) != 0 {
			return false
		}
	}
	return true
}

// teardownAll cancels every remaining watch. Called once Run decides to
// exit, so idle topics that hadn't yet hit their grace-period sweep don't
// leak their forwarding goroutine.
func teardownAll(topics map[string]*topic) {
	for _, t := range topics {
		t.cancelWatch()
	}
}

func (m *Manager) handleSubscribe(lc *lifecycle.Context, topics map[string]*topic, incoming chan incomingUpdate, req subscribeRequest) {
	t, ok := topics[req.key]
	if !ok {
		watchCtx, cancel := context.WithCancel(lc.Std())
		t = &topic{cancelWatch: cancel}
		topics[req.key] = t
		go m.forwardWatch(watchCtx, req.key, incoming)
	}

	m.nextID++
	id := m.nextID
	sub := make(chan Entry, fanoutBufferSize)
	t.subscribers = append(t.subscribers, subscriberEntry{id: id, ch: sub})
	t.emptySince = time.Time{}

	req.resp <- subscribeResult{initial: t.lastValue, ch: sub, id: id}
}

func (m *Manager) handleUnsubscribe(topics map[string]*topic, req unsubscribeRequest) {
	t, ok := topics[req.key]
	if !ok {
		return
	}
	for i, sub := range t.subscribers {
		if sub.id != req.id {
			continue
		}
		close(sub.ch)
		t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
		break
	}
	if len(t.subscribers) == 0 {
		t.emptySince = m.clock()
	}
}

func (m *Manager) handleIncoming(topics map[string]*topic, upd incomingUpdate) {
	t, ok := topics[upd.key]
	if !ok {
		return
	}
	if !upd.ok {
		m.closeTopic(topics, upd.key, t)
		return
	}

	entry := upd.entry
	t.lastValue = &entry
	for _, sub := range t.subscribers {
		select {
		case sub.ch <- entry:
		default:
			// Slow subscriber: drop this update rather than block the
			// fan-out for everyone else.
			if m.observeDrop != nil {
				m.observeDrop()
			}
		}
	}
}

func (m *Manager) closeTopic(topics map[string]*topic, key string, t *topic) {
	for _, sub := range t.subscribers {
		close(sub.ch)
	}
	t.cancelWatch()
	delete(topics, key)
}

func (m *Manager) sweepIdleTopics(topics map[string]*topic) {
	now := m.clock()
	for key, t := range topics {
		if t.emptySince.IsZero() {
			continue
		}
		if now.Sub(t.emptySince) < m.idleGrace {
			continue
		}
		t.cancelWatch()
		delete(topics, key)
	}
}

func (m *Manager) forwardWatch(ctx context.Context, key string, incoming chan<- incomingUpdate) {
	ch, err := m.watcher.Watch(ctx, key)
	if err != nil {
		select {
		case incoming <- incomingUpdate{key: key, ok: false}:
		case <-ctx.Done():
		}
		return
	}
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				select {
				case incoming <- incomingUpdate{key: key, ok: false}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case incoming <- incomingUpdate{key: key, entry: entry, ok: true}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
