// Package events is the at-least-once event bus between the data plane
// and its API consumers. Producers publish kind-tagged events scoped to
// an organization; consumers fetch batches with an explicit ack step.
// A fetched event holds a redelivery lease: ack it before the lease
// expires or the bus hands it to the next fetcher.
package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"ridgecast-live/internal/observability/metrics"
)

// Target identifies what kind of resource an event is about; fetches are
// filtered to a single target kind.
type Target string

const (
	TargetRoom      Target = "room"
	TargetRecording Target = "recording"
)

// Event is one delivered occurrence: something happened to a target
// resource inside an organization.
type Event struct {
	// ID is assigned at publish time and is the handle an ack uses.
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	TargetKind     Target    `json:"targetKind"`
	TargetID       string    `json:"targetId"`
	Variant        string    `json:"variant"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// ErrAckExpired is returned by Ack when the event's redelivery lease has
// already lapsed (or the ack was already issued): the stored reply inbox
// is gone and the event will be, or has been, redelivered.
var ErrAckExpired = errors.New("events: ack lease expired")

// Config bounds fetch requests and retention. Zero fields take the
// defaults below.
type Config struct {
	// StreamMessageMaxAge caps how long unfetched events are retained.
	StreamMessageMaxAge time.Duration
	// FetchRequestMinDelay/MaxDelay clamp a fetch's max_delay.
	FetchRequestMinDelay time.Duration
	FetchRequestMaxDelay time.Duration
	// FetchRequestMinMessages/MaxMessages clamp a fetch's max_events.
	FetchRequestMinMessages int
	FetchRequestMaxMessages int
	// LeaseDuration is how long a fetched event may remain unacked
	// before it is redelivered.
	LeaseDuration time.Duration
}

const (
	DefaultStreamMessageMaxAge = 7 * 24 * time.Hour
	DefaultFetchMinDelay       = 100 * time.Millisecond
	DefaultFetchMaxDelay       = 10 * time.Second
	DefaultFetchMinMessages    = 1
	DefaultFetchMaxMessages    = 128
	DefaultLeaseDuration       = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.StreamMessageMaxAge <= 0 {
		c.StreamMessageMaxAge = DefaultStreamMessageMaxAge
	}
	if c.FetchRequestMinDelay <= 0 {
		c.FetchRequestMinDelay = DefaultFetchMinDelay
	}
	if c.FetchRequestMaxDelay <= 0 {
		c.FetchRequestMaxDelay = DefaultFetchMaxDelay
	}
	if c.FetchRequestMinMessages <= 0 {
		c.FetchRequestMinMessages = DefaultFetchMinMessages
	}
	if c.FetchRequestMaxMessages <= 0 {
		c.FetchRequestMaxMessages = DefaultFetchMaxMessages
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	return c
}

const (
	groupName  = "events"
	payloadKey = "payload"
)

// Bus publishes and fetches events over Redis Streams: one stream per
// (organization, target kind) is the filter subject, a shared consumer
// group provides single-delivery among concurrent fetchers, and pending
// entries older than the lease are auto-claimed for redelivery.
type Bus struct {
	client   *redis.Client
	cfg      Config
	consumer string
	logger   *slog.Logger

	// Metrics, when set, counts published, fetched, and acked events.
	Metrics *metrics.Recorder
}

// New wraps an already-configured Redis client.
func New(client *redis.Client, cfg Config, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:   client,
		cfg:      cfg.withDefaults(),
		consumer: uuid.NewString(),
		logger:   logger,
	}
}

func eventStream(organizationID string, kind Target) string {
	return fmt.Sprintf("events/%s/%s", organizationID, kind)
}

func ackKey(organizationID, eventID string) string {
	return fmt.Sprintf("ack/%s/%s", organizationID, eventID)
}

// ackRecord is the stored reply inbox: enough to XACK the delivery the
// event arrived on.
type ackRecord struct {
	Stream  string `json:"stream"`
	EntryID string `json:"entryId"`
	Kind    Target `json:"kind"`
}

// Publish appends event to its organization/kind stream, assigning its
// ID if unset. Retention trimming is best-effort.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.OrganizationID == "" || event.TargetKind == "" {
		return errors.New("events: organization and target kind are required")
	}
	if event.ID == "" {
		event.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	stream := eventStream(event.OrganizationID, event.TargetKind)
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadKey: payload},
	}).Err(); err != nil {
		return fmt.Errorf("events: publish to %q: %w", stream, err)
	}

	// Age-based retention; losing a trim only delays cleanup.
	minID := fmt.Sprintf("%d-0", time.Now().Add(-b.cfg.StreamMessageMaxAge).UnixMilli())
	if err := b.client.XTrimMinID(ctx, stream, minID).Err(); err != nil {
		b.logger.Debug("events stream trim failed", "stream", stream, "error", err)
	}
	if b.Metrics != nil {
		b.Metrics.EventPublished(string(event.TargetKind))
	}
	return nil
}

// Fetch returns up to maxEvents events for (organizationID, kind),
// waiting at most maxDelay for the first to arrive. Both bounds are
// clamped to the configured envelope. Every returned event's redelivery
// lease starts now; Ack it before the lease lapses.
//
// Expired-lease deliveries from earlier fetchers are claimed first, so a
// crashed consumer's events are not stranded behind new ones.
func (b *Bus) Fetch(ctx context.Context, organizationID string, kind Target, maxEvents int, maxDelay time.Duration) ([]Event, error) {
	maxEvents = clampInt(maxEvents, b.cfg.FetchRequestMinMessages, b.cfg.FetchRequestMaxMessages)
	maxDelay = clampDuration(maxDelay, b.cfg.FetchRequestMinDelay, b.cfg.FetchRequestMaxDelay)

	stream := eventStream(organizationID, kind)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	msgs, err := b.claimExpired(ctx, stream, maxEvents)
	if err != nil {
		return nil, err
	}

	if remaining := maxEvents - len(msgs); remaining > 0 {
		block := maxDelay
		if len(msgs) > 0 {
			// Something is already in hand; do not sit out the delay.
			block = time.Millisecond
		}
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    groupName,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(remaining),
			Block:    block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("events: fetch from %q: %w", stream, err)
		}
		for _, sr := range res {
			msgs = append(msgs, sr.Messages...)
		}
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		event, ok := b.decode(stream, msg)
		if !ok {
			// Undecodable entries are acked away so they stop recycling.
			_ = b.client.XAck(ctx, stream, groupName, msg.ID).Err()
			continue
		}
		if err := b.storeInbox(ctx, stream, msg.ID, event); err != nil {
			return nil, err
		}
		if b.Metrics != nil {
			b.Metrics.EventFetched(string(event.TargetKind))
		}
		events = append(events, event)
	}
	return events, nil
}

// Ack resolves eventID's stored reply inbox exactly once: the first ack
// removes the delivery permanently, any later ack (or an ack after the
// lease expired) reports ErrAckExpired.
func (b *Bus) Ack(ctx context.Context, organizationID, eventID string) error {
	raw, err := b.client.GetDel(ctx, ackKey(organizationID, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrAckExpired
	}
	if err != nil {
		return fmt.Errorf("events: ack %q: %w", eventID, err)
	}
	var record ackRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("events: ack %q: %w", eventID, err)
	}
	if err := b.client.XAck(ctx, record.Stream, groupName, record.EntryID).Err(); err != nil {
		return fmt.Errorf("events: ack %q: %w", eventID, err)
	}
	if b.Metrics != nil {
		b.Metrics.EventAcked(string(record.Kind))
	}
	return nil
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()
	if err == nil || isBusyGroupErr(err) {
		return nil
	}
	return fmt.Errorf("events: ensure group on %q: %w", stream, err)
}

func (b *Bus) claimExpired(ctx context.Context, stream string, count int) ([]redis.XMessage, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    groupName,
		Consumer: b.consumer,
		MinIdle:  b.cfg.LeaseDuration,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("events: claim expired from %q: %w", stream, err)
	}
	return msgs, nil
}

func (b *Bus) decode(stream string, msg redis.XMessage) (Event, bool) {
	payload, _ := msg.Values[payloadKey].(string)
	if payload == "" {
		b.logger.Warn("event entry missing payload", "stream", stream, "id", msg.ID)
		return Event{}, false
	}
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.logger.Warn("event entry undecodable", "stream", stream, "id", msg.ID, "error", err)
		return Event{}, false
	}
	return event, true
}

func (b *Bus) storeInbox(ctx context.Context, stream, entryID string, event Event) error {
	record, err := json.Marshal(ackRecord{Stream: stream, EntryID: entryID, Kind: event.TargetKind})
	if err != nil {
		return fmt.Errorf("events: store inbox for %q: %w", event.ID, err)
	}
	key := ackKey(event.OrganizationID, event.ID)
	if err := b.client.Set(ctx, key, record, b.cfg.LeaseDuration).Err(); err != nil {
		return fmt.Errorf("events: store inbox for %q: %w", event.ID, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= len("BUSYGROUP") && err.Error()[:len("BUSYGROUP")] == "BUSYGROUP"
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
