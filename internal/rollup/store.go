package rollup

import (
	"context"
	"errors"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// ErrNotFound is returned by reads that find no rollup document at the
// given key.
var ErrNotFound = errors.New("rollup: not found")

// Store is the rollup-document half of the Metadata Store Client (spec.md
// §4.B), backed by the `rollup-job-config` and `rollup-job-metadata` KV
// buckets (SPEC_FULL.md §3).
type Store interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
	PutJob(ctx context.Context, job *Job) error
	GetMetadata(ctx context.Context, jobID string) (*Metadata, error)
	PutMetadata(ctx context.Context, meta *Metadata) error
}

// IsTransient reports whether err should be retried by the backoff policy.
func IsTransient(err error) bool {
	return errors.Is(err, metastore.ErrClusterBlocked) || errors.Is(err, metastore.ErrCASConflict)
}
