// Package lock implements the cluster-wide, TTL-bounded per-job lease
// described in spec.md §4.A. A failed acquire is not an error — it is a
// signal for the caller to skip this tick (invariant 1).
package lock

import (
	"context"
	"time"
)

// Lease is a cluster-wide mutual-exclusion token held for up to TTL.
type Lease struct {
	JobID     string
	Holder    string
	ExpiresAt time.Time

	// token is opaque state the Service implementation needs to release
	// exactly the lease it handed out (e.g. a CAS revision).
	token any
}

// Service acquires and releases per-job leases (spec.md §4.A, §6).
type Service interface {
	// Acquire attempts to take the lease for jobID. A nil, nil return means
	// the lease is currently held elsewhere; this is not an error.
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (*Lease, error)

	// Release gives up lease. Returns false if the lease is no longer held
	// or another holder has taken it over after it expired; an expired lease
	// that nobody took over is still released and reports true.
	Release(ctx context.Context, lease *Lease) (bool, error)
}
