package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"ridgecast-live/internal/subscription"
)

// watchBufferSize bounds how far a watch forwarder can run ahead of its
// consumer; the subscription manager drains promptly, so this only
// absorbs short scheduling hiccups.
const watchBufferSize = 16

// RedisWatcher implements subscription.Watcher on the pub/sub channel
// RedisKVStore.Put publishes to. The subscribe is confirmed before the
// current value is read, so the first entry on the channel is never
// older than what a concurrent Put just wrote.
type RedisWatcher struct {
	client *redis.Client
}

// NewRedisWatcher wraps an already-configured Redis client.
func NewRedisWatcher(client *redis.Client) *RedisWatcher {
	return &RedisWatcher{client: client}
}

// Watch opens a watch-with-history on key: the returned channel first
// yields the key's current value, if any, then every subsequent update,
// and is closed when ctx ends or the underlying subscription drops.
func (w *RedisWatcher) Watch(ctx context.Context, key string) (<-chan subscription.Entry, error) {
	sub := w.client.Subscribe(ctx, watchChannel(key))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("store: watch %q: %w", key, err)
	}

	initial, err := w.currentEntry(ctx, key)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	ch := make(chan subscription.Entry, watchBufferSize)
	go w.forward(ctx, key, sub, initial, ch)
	return ch, nil
}

// currentEntry reads key's present value and revision; a never-written
// key yields nil with no error.
func (w *RedisWatcher) currentEntry(ctx context.Context, key string) (*subscription.Entry, error) {
	value, err := w.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: watch %q history: %w", key, err)
	}
	rev, err := w.client.Get(ctx, revisionKey(key)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: watch %q history: %w", key, err)
	}
	revision, _ := strconv.ParseUint(rev, 10, 64)
	return &subscription.Entry{Key: key, Value: value, Revision: revision}, nil
}

func (w *RedisWatcher) forward(ctx context.Context, key string, sub *redis.PubSub, initial *subscription.Entry, ch chan<- subscription.Entry) {
	defer close(ch)
	defer func() { _ = sub.Close() }()

	lastRevision := uint64(0)
	if initial != nil {
		lastRevision = initial.Revision
		select {
		case ch <- *initial:
		case <-ctx.Done():
			return
		}
	}

	msgs := sub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			revision, value, err := decodeWatchPayload([]byte(msg.Payload))
			if err != nil {
				continue
			}
			// The initial GET may already reflect a Put whose publish
			// arrives right after; revisions de-duplicate that overlap.
			if revision <= lastRevision {
				continue
			}
			lastRevision = revision
			select {
			case ch <- subscription.Entry{Key: key, Value: value, Revision: revision}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
