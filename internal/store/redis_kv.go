package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKVStore is a KVStore backed by Redis GET/SET, replacing the
// teacher's hand-rolled RESP client with the real one. Every Put also
// bumps a per-key revision counter and publishes the new value on the
// key's watch channel, which is what RedisWatcher subscribes to.
type RedisKVStore struct {
	client *redis.Client
}

// NewRedisKVStore wraps an already-configured Redis client.
func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func revisionKey(key string) string  { return "rev/" + key }
func watchChannel(key string) string { return "watch/" + key }

// encodeWatchPayload frames a published update as an 8-byte big-endian
// revision followed by the raw value bytes.
func encodeWatchPayload(revision uint64, value []byte) []byte {
	payload := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(payload, revision)
	copy(payload[8:], value)
	return payload
}

func decodeWatchPayload(payload []byte) (revision uint64, value []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("store: watch payload too short (%d bytes)", len(payload))
	}
	return binary.BigEndian.Uint64(payload), payload[8:], nil
}

// Put writes value under key with no expiry: playlist/session state is
// overwritten by the next Put, never left to expire. The revision bump
// happens first and the publish last, so a watcher that GETs after
// subscribing observes either the published value or a newer one.
func (s *RedisKVStore) Put(ctx context.Context, key string, value []byte) error {
	rev, err := s.client.Incr(ctx, revisionKey(key)).Result()
	if err != nil {
		return fmt.Errorf("store: redis put %q: %w", key, err)
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: redis put %q: %w", key, err)
	}
	if err := s.client.Publish(ctx, watchChannel(key), string(encodeWatchPayload(uint64(rev), value))).Err(); err != nil {
		return fmt.Errorf("store: redis put notify %q: %w", key, err)
	}
	return nil
}

// Get returns ErrNotFound for a key that was never set.
func (s *RedisKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %q: %w", key, err)
	}
	return val, nil
}
