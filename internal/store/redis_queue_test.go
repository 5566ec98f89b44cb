package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"ridgecast-live/internal/testsupport/redisstub"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	server, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisWorkQueuePublishThenClaimThenAck(t *testing.T) {
	client := newTestRedisClient(t)
	q := NewRedisWorkQueue(client, "transcoder-1")
	ctx := context.Background()

	id, err := q.Publish(ctx, "org-1", []byte("payload-a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty message id")
	}

	item, ok, err := q.Claim(ctx, "org-1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a claimable item")
	}
	if string(item.Payload) != "payload-a" {
		t.Fatalf("expected payload %q, got %q", "payload-a", item.Payload)
	}
	if item.OrganizationID != "org-1" {
		t.Fatalf("expected organization org-1, got %q", item.OrganizationID)
	}

	if err := q.Ack(ctx, "org-1", item.ID); err != nil {
		t.Fatalf("unexpected error acking: %v", err)
	}
}

func TestRedisWorkQueueClaimTimesOutWhenEmpty(t *testing.T) {
	client := newTestRedisClient(t)
	q := NewRedisWorkQueue(client, "transcoder-1")

	_, ok, err := q.Claim(context.Background(), "org-empty", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no item to be claimable on an empty queue")
	}
}

func TestRedisWorkQueueAbandonedClaimBecomesReclaimable(t *testing.T) {
	client := newTestRedisClient(t)
	abandoner := NewRedisWorkQueue(client, "transcoder-1")
	abandoner.Visibility = 50 * time.Millisecond
	ctx := context.Background()

	if _, err := abandoner.Publish(ctx, "org-1", []byte("stranded")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, err := abandoner.Claim(ctx, "org-1", time.Second); err != nil || !ok {
		t.Fatalf("expected initial claim to succeed, ok=%v err=%v", ok, err)
	}

	// Never acked; once the visibility window lapses a different
	// consumer picks the item up.
	time.Sleep(120 * time.Millisecond)
	other := NewRedisWorkQueue(client, "transcoder-2")
	other.Visibility = 50 * time.Millisecond
	item, ok, err := other.Claim(ctx, "org-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected reclaim to succeed, ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != "stranded" {
		t.Fatalf("expected the abandoned payload, got %q", item.Payload)
	}
	if err := other.Ack(ctx, "org-1", item.ID); err != nil {
		t.Fatalf("unexpected error acking: %v", err)
	}
}

func TestRedisWorkQueueSecondClaimDoesNotSeeAlreadyClaimedItem(t *testing.T) {
	client := newTestRedisClient(t)
	q := NewRedisWorkQueue(client, "transcoder-1")
	ctx := context.Background()

	if _, err := q.Publish(ctx, "org-1", []byte("only-item")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok, err := q.Claim(ctx, "org-1", time.Second); err != nil || !ok {
		t.Fatalf("expected the first claim to succeed, ok=%v err=%v", ok, err)
	}

	_, ok, err := q.Claim(ctx, "org-1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected the second claim to find no new, unclaimed item")
	}
}
