package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseLost is returned by a Renew or Release whose caller no longer
// owns the lease: another publisher acquired it after expiry, or it was
// never acquired. Publishing after observing ErrLeaseLost is forbidden.
var ErrLeaseLost = errors.New("store: lease lost")

// LeaseKey is the exclusive-writer token key for one stream session.
func LeaseKey(organizationID, sessionID string) string {
	return fmt.Sprintf("live/%s/%s.lease", organizationID, sessionID)
}

// PlaylistKey is the metadata key one track's serialized playlist state
// lives under; edge viewers watch this key.
func PlaylistKey(organizationID, sessionID, rendition string) string {
	return fmt.Sprintf("live/%s/%s/%s.playlist", organizationID, sessionID, rendition)
}

// Lessor hands out time-bounded exclusive-writer leases. One lease key
// has at most one owner at a time; ownership ends on Release or expiry.
//
// Renewal cadence is the caller's job: renew well inside ttl (the
// pipeline renews every second against a multi-second ttl), because a
// lease that expires between renewals can be acquired by a competing
// owner, at which point Renew reports ErrLeaseLost.
type Lessor interface {
	// Acquire takes the lease for owner if nobody holds it. ok=false
	// means another owner currently holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (ok bool, err error)

	// Take seizes the lease for owner unconditionally: a newer publisher
	// for the same stream displaces the old one, whose next Renew
	// reports ErrLeaseLost.
	Take(ctx context.Context, key, owner string, ttl time.Duration) error

	// Renew extends owner's hold by ttl. Returns ErrLeaseLost if owner
	// no longer holds the lease.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) error

	// Release gives the lease up early. Returns ErrLeaseLost if owner
	// no longer holds it; callers shutting down may ignore that.
	Release(ctx context.Context, key, owner string) error
}
