package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	workQueueGroup      = "transcoders"
	workQueuePayloadKey = "payload"

	// DefaultWorkItemVisibility is how long a claimed-but-unacked work
	// item stays hidden before it becomes claimable again. A transcoder
	// that times out waiting for its handoff grant simply stops acking;
	// expiry hands the item to the next claimant.
	DefaultWorkItemVisibility = time.Minute
)

// RedisWorkQueue is a WorkQueue backed by Redis Streams: one stream per
// organization, a shared consumer group so two transcoder processes never
// claim the same item, and XACK for permanent removal.
type RedisWorkQueue struct {
	client   *redis.Client
	consumer string

	// Visibility overrides DefaultWorkItemVisibility when positive.
	Visibility time.Duration
}

// NewRedisWorkQueue wraps an already-configured Redis client. consumer
// identifies this process within the shared consumer group; if empty, a
// random one is generated.
func NewRedisWorkQueue(client *redis.Client, consumer string) *RedisWorkQueue {
	if consumer == "" {
		consumer = uuid.NewString()
	}
	return &RedisWorkQueue{client: client, consumer: consumer}
}

func streamKey(organizationID string) string {
	return fmt.Sprintf("handoff:%s", organizationID)
}

// Publish appends a work item to organizationID's stream.
func (q *RedisWorkQueue) Publish(ctx context.Context, organizationID string, payload []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(organizationID),
		Values: map[string]any{workQueuePayloadKey: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("store: redis publish to %q: %w", organizationID, err)
	}
	return id, nil
}

// Claim ensures the consumer group exists, then blocks up to wait for a
// work item no other consumer has claimed. Items whose previous claimant
// went quiet past the visibility window are handed out first.
func (q *RedisWorkQueue) Claim(ctx context.Context, organizationID string, wait time.Duration) (WorkItem, bool, error) {
	stream := streamKey(organizationID)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return WorkItem{}, false, err
	}

	visibility := q.Visibility
	if visibility <= 0 {
		visibility = DefaultWorkItemVisibility
	}
	expired, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    workQueueGroup,
		Consumer: q.consumer,
		MinIdle:  visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return WorkItem{}, false, fmt.Errorf("store: redis reclaim from %q: %w", organizationID, err)
	}
	if len(expired) > 0 {
		msg := expired[0]
		payload, _ := msg.Values[workQueuePayloadKey].(string)
		return WorkItem{
			ID:             msg.ID,
			OrganizationID: organizationID,
			Payload:        []byte(payload),
		}, true, nil
	}

	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    workQueueGroup,
		Consumer: q.consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    wait,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return WorkItem{}, false, nil
	}
	if err != nil {
		return WorkItem{}, false, fmt.Errorf("store: redis claim from %q: %w", organizationID, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return WorkItem{}, false, nil
	}

	msg := res[0].Messages[0]
	payload, _ := msg.Values[workQueuePayloadKey].(string)
	return WorkItem{
		ID:             msg.ID,
		OrganizationID: organizationID,
		Payload:        []byte(payload),
	}, true, nil
}

// Ack permanently removes id from organizationID's pending entries list.
func (q *RedisWorkQueue) Ack(ctx context.Context, organizationID, id string) error {
	if err := q.client.XAck(ctx, streamKey(organizationID), workQueueGroup, id).Err(); err != nil {
		return fmt.Errorf("store: redis ack %q/%q: %w", organizationID, id, err)
	}
	return nil
}

func (q *RedisWorkQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, workQueueGroup, "0").Err()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	// BUSYGROUP: the group already exists, which is the common case.
	if isBusyGroupErr(err) {
		return nil
	}
	return fmt.Errorf("store: ensure consumer group on %q: %w", stream, err)
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= len("BUSYGROUP") && err.Error()[:len("BUSYGROUP")] == "BUSYGROUP"
}
