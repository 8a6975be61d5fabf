package rollup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MetadataService is the Rollup Metadata Service (spec.md §4.H): every
// mutation returns the three-valued Result so the runner can tell "skip
// this tick" from "record failure and stop".
type MetadataService struct {
	Store Store
}

// NewMetadataService constructs a MetadataService backed by store.
func NewMetadataService(store Store) *MetadataService {
	return &MetadataService{Store: store}
}

// Init loads job's metadata, creating a fresh INIT-status document the
// first time a job runs (spec.md §4.G step 4.b).
func (s *MetadataService) Init(ctx context.Context, job *Job) Result {
	if job.MetadataID == "" {
		meta := Metadata{JobID: uuid.NewString(), Status: StatusInit}
		if err := s.Store.PutMetadata(ctx, &meta); err != nil {
			return FailureResult{Message: fmt.Sprintf("initialise metadata for job %s", job.ID), Cause: err}
		}
		return SuccessResult{Metadata: meta}
	}

	meta, err := s.Store.GetMetadata(ctx, job.MetadataID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NoMetadataResult{}
		}
		return FailureResult{Message: fmt.Sprintf("load metadata %s", job.MetadataID), Cause: err}
	}
	return SuccessResult{Metadata: *meta}
}

// SetFailedMetadata is the only path to StatusFailed (spec.md §4.H); it
// must succeed for the runner to consider the job safely terminated.
func (s *MetadataService) SetFailedMetadata(ctx context.Context, meta Metadata, reason string) Result {
	next := meta.Clone()
	next.Status = StatusFailed
	next.FailureReason = reason
	if err := s.Store.PutMetadata(ctx, &next); err != nil {
		return FailureResult{Message: fmt.Sprintf("mark job %s failed", meta.JobID), Cause: err}
	}
	return SuccessResult{Metadata: next}
}

// Advance persists meta after merging a page's contribution, guarded by
// metastore.IsTransient retry semantics at the caller (spec.md §4.C).
func (s *MetadataService) Advance(ctx context.Context, meta Metadata) Result {
	if err := s.Store.PutMetadata(ctx, &meta); err != nil {
		return FailureResult{Message: fmt.Sprintf("advance metadata %s", meta.JobID), Cause: err}
	}
	return SuccessResult{Metadata: meta}
}
