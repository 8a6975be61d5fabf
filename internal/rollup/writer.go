package rollup

import "context"

// IndexWriter is the narrow write surface the runner needs against the
// target rollup index: initialising its mapping once, and indexing the
// summary documents a page produces (spec.md §4.G steps 4.e/4.f).
type IndexWriter interface {
	// EnsureMapping creates or validates the target index's rollup mapping
	// for job. It is idempotent.
	EnsureMapping(ctx context.Context, job *Job) error

	// IndexDocuments writes a page's summary documents to the target index.
	IndexDocuments(ctx context.Context, job *Job, docs []map[string]any) error
}

// Validator validates a job before it may run (spec.md §4.G step 4.a):
// the source index must exist; if metadata already exists, the target
// index must exist, be a rollup index, and contain the job's mapping.
type Validator interface {
	ValidateSourceIndex(ctx context.Context, job *Job) error
	ValidateTargetIndex(ctx context.Context, job *Job) error
}
