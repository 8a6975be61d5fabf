package metastore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by reads that find no document at the given key.
// Per spec.md §4.B, a missing or empty source is reported as "none", not
// as a Go error from the caller's perspective — callers translate this
// sentinel into their own "none" handling rather than propagating it raw.
var ErrNotFound = errors.New("metastore: not found")

// ErrCASConflict is returned when a write's expected (seqNo, primaryTerm)
// no longer matches the stored document.
var ErrCASConflict = errors.New("metastore: cas conflict")

// ErrClusterBlocked models a transient "cluster blocked" condition from a
// cluster-state-update action (spec.md §4.B / §7). It is always retried.
var ErrClusterBlocked = errors.New("metastore: cluster blocked")

// Store is the Metadata Store Client (spec.md §4.B). All operations may
// perform blocking I/O and are suspension points.
type Store interface {
	// GetPolicy returns the policy document, or ErrNotFound if absent or empty.
	GetPolicy(ctx context.Context, id string) (*Policy, error)

	// GetJobMetadata returns the job's metadata document, or ErrNotFound.
	GetJobMetadata(ctx context.Context, jobID string) (*JobMetadata, error)

	// PutJobConfig performs a CAS write of cfg. The caller is expected to
	// retry transient failures via the backoff policy (spec.md §4.C).
	PutJobConfig(ctx context.Context, cfg *JobConfig) error

	// PutJobMetadata performs a CAS write of meta for the given job id,
	// analogous to a cluster-state-update action. May return
	// ErrClusterBlocked for a transient condition.
	PutJobMetadata(ctx context.Context, jobID string, meta *JobMetadata) error

	// UpdateIndexSetting self-heals a single index setting (e.g. policy_id).
	UpdateIndexSetting(ctx context.Context, indexName, key, value string) error
}

// IsTransient reports whether err should be retried by the backoff policy
// rather than surfaced immediately as a semantic failure (spec.md §7).
func IsTransient(err error) bool {
	return errors.Is(err, ErrClusterBlocked) || errors.Is(err, ErrCASConflict)
}
