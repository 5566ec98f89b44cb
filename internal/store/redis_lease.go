package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLessor implements Lessor on a single Redis key per lease: the key
// holds the owner token and carries the lease TTL as its expiry.
//
// Renew and Release read-then-write rather than using a server-side
// script, so a lease that expires in the window between the read and the
// write can briefly be re-asserted by a stale owner. The pipeline's
// renewal interval is a small fraction of the TTL precisely so that an
// owner that still believes it holds the lease is never more than one
// interval away from finding out it doesn't.
type RedisLessor struct {
	client *redis.Client
}

// NewRedisLessor wraps an already-configured Redis client.
func NewRedisLessor(client *redis.Client) *RedisLessor {
	return &RedisLessor{client: client}
}

func (l *RedisLessor) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: redis acquire %q: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLessor) Take(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := l.client.Set(ctx, key, owner, ttl).Err(); err != nil {
		return fmt.Errorf("store: redis take %q: %w", key, err)
	}
	return nil
}

func (l *RedisLessor) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	current, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("store: redis renew %q: %w", key, err)
	}
	if current != owner {
		return ErrLeaseLost
	}
	// XX: only extend an existing hold; if the key expired since the
	// read, do not resurrect it.
	set, err := l.client.SetXX(ctx, key, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("store: redis renew %q: %w", key, err)
	}
	if !set {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLessor) Release(ctx context.Context, key, owner string) error {
	current, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("store: redis release %q: %w", key, err)
	}
	if current != owner {
		return ErrLeaseLost
	}
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: redis release %q: %w", key, err)
	}
	return nil
}
