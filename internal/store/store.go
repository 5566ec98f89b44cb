// Package store defines the narrow storage interfaces the rest of this
// module depends on — an object store for media/thumbnail bytes, a KV
// store for playlist/session metadata, and a work queue for the
// ingest<->transcoder handoff — plus concrete Redis, Badger, and
// S3-compatible implementations of them.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by a KVStore Get or ObjectStore Get for a key
// that has never been written, or has expired.
var ErrNotFound = errors.New("store: not found")

// ObjectStore is a blob store keyed by caller-chosen names: media segments, parts,
// thumbnails, and init segments all live here.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// KVStore is a small-value metadata store: playlist snapshots, room
// session lease state.
type KVStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// WorkItem is one unit of ingest<->transcoder handoff work.
type WorkItem struct {
	ID             string
	OrganizationID string
	Payload        []byte
}

// WorkQueue is a durable, organization-keyed work queue: Publish enqueues
// an item, Claim hands one to a single consumer (hiding it from other
// claimants until Ack or its visibility lease expires), and Ack removes it
// permanently.
type WorkQueue interface {
	Publish(ctx context.Context, organizationID string, payload []byte) (id string, err error)

	// Claim blocks up to wait for a work item to become available, or
	// returns ok=false if none arrived in that window.
	Claim(ctx context.Context, organizationID string, wait time.Duration) (item WorkItem, ok bool, err error)

	Ack(ctx context.Context, organizationID, id string) error
}
