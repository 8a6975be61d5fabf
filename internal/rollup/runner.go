package rollup

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/backoff"
	"github.com/indexlifecycle/ismctl/internal/lock"
)

// DefaultLeaseTTL bounds a single rollup tick's budget.
const DefaultLeaseTTL = 60 * time.Second

// maxConsecutivePageFailures bounds the paging loop's at-least-once retry
// budget before the job is considered unrecoverable and disabled. Resolves
// the Open Question in spec.md §9 inviting a documented threshold.
const maxConsecutivePageFailures = 5

// Runner is the Rollup Runner control loop (spec.md §4.G).
type Runner struct {
	Jobs     Store
	Meta     *MetadataService
	Lock     lock.Service
	Search   Searcher
	Writer   IndexWriter
	Validate Validator
	Backoff  backoff.Policy
	LeaseTTL time.Duration

	// PageRate throttles how fast a single job's paging loop issues search
	// calls; nil disables throttling.
	PageRate *PageRateLimiter
}

// New constructs a Runner with spec.md §4.C's default backoff policy and a
// conservative default page rate.
func New(jobs Store, meta *MetadataService, lockSvc lock.Service, search Searcher, writer IndexWriter, validate Validator) *Runner {
	return &Runner{
		Jobs:     jobs,
		Meta:     meta,
		Lock:     lockSvc,
		Search:   search,
		Writer:   writer,
		Validate: validate,
		Backoff:  backoff.New(),
		LeaseTTL: DefaultLeaseTTL,
		PageRate: NewPageRateLimiter(20),
	}
}

// shouldProcessRollup decides based on schedule, continuity, and status
// whether job should run this tick (spec.md §4.G step 2). The scheduler is
// responsible for cadence; this function only filters out jobs that are
// disabled or have already reached a terminal, non-continuous state.
func shouldProcessRollup(job *Job, meta *Metadata) bool {
	if !job.Enabled {
		return false
	}
	if meta == nil {
		return true
	}
	if meta.Status.IsTerminal() && !job.Continuous {
		return false
	}
	return true
}

// RunTick executes one tick of the rollup control loop for job.
func (r *Runner) RunTick(ctx context.Context, job *Job) error {
	// Step 1: load metadata if present; on load failure, log and no-op.
	var meta *Metadata
	if job.MetadataID != "" {
		m, err := r.Jobs.GetMetadata(ctx, job.MetadataID)
		if err != nil {
			klog.V(2).InfoS("rollup metadata load failed, skipping tick", "job", job.ID, "error", err)
			return nil
		}
		meta = m
	}

	// Step 2.
	if !shouldProcessRollup(job, meta) {
		return nil
	}

	// Step 3: acquire a lease with backoff-driven retry up to 3 attempts.
	var lease *lock.Lease
	err := r.Backoff.Run(ctx, alwaysTransient, func() error {
		l, acquireErr := r.Lock.Acquire(ctx, job.ID, r.ttl())
		if acquireErr != nil {
			return acquireErr
		}
		lease = l
		return nil
	})
	if err != nil {
		return fmt.Errorf("acquire lease for rollup job %s: %w", job.ID, err)
	}
	if lease == nil {
		klog.V(3).InfoS("rollup lease held elsewhere, skipping tick", "job", job.ID)
		return nil
	}
	defer func() {
		if _, relErr := r.Lock.Release(ctx, lease); relErr != nil {
			klog.V(2).InfoS("rollup lease release failed", "job", job.ID, "error", relErr)
		}
	}()

	return r.runRollupJob(ctx, job, meta)
}

// alwaysTransient treats every lease-acquire error as retryable; lease
// contention itself (nil, nil) never reaches the backoff op.
func alwaysTransient(error) bool { return true }

func (r *Runner) ttl() time.Duration {
	if r.LeaseTTL <= 0 {
		return DefaultLeaseTTL
	}
	return r.LeaseTTL
}

// runRollupJob implements spec.md §4.G step 4, a-g.
func (r *Runner) runRollupJob(ctx context.Context, job *Job, meta *Metadata) error {
	// a. Validate the job.
	if err := r.Validate.ValidateSourceIndex(ctx, job); err != nil {
		return r.failAndDisable(ctx, job, meta, fmt.Sprintf("source index invalid: %v", err))
	}
	if meta != nil {
		if err := r.Validate.ValidateTargetIndex(ctx, job); err != nil {
			return r.failAndDisable(ctx, job, meta, fmt.Sprintf("target index invalid: %v", err))
		}
	}

	// b. Initialise metadata.
	freshlyCreated := job.MetadataID == ""
	result := r.Meta.Init(ctx, job)
	switch v := result.(type) {
	case NoMetadataResult:
		return nil
	case FailureResult:
		return fmt.Errorf("rollup metadata init for job %s: %w", job.ID, v)
	case SuccessResult:
		meta = &v.Metadata
	}

	// c. Disable and return if metadata is already failed.
	if meta.Status == StatusFailed {
		return r.disable(ctx, job)
	}

	// d. Persist the job with its new metadataId before proceeding.
	if freshlyCreated && meta.Status == StatusInit {
		job.MetadataID = meta.JobID
		if err := r.Backoff.Run(ctx, IsTransient, func() error {
			return r.Jobs.PutJob(ctx, job)
		}); err != nil {
			return fmt.Errorf("persist rollup job %s with new metadataId: %w", job.ID, err)
		}
	}

	// e. Initialise the target-index mapping.
	if err := r.Writer.EnsureMapping(ctx, job); err != nil {
		return r.failAndDisable(ctx, job, meta, fmt.Sprintf("target mapping init failed: %v", err))
	}

	// f. Paging loop.
	consecutiveFailures := 0
	working := *meta
	working.Status = StatusStarted
	for shouldProcessRollup(job, &working) {
		if err := r.PageRate.Wait(ctx); err != nil {
			return fmt.Errorf("rollup job %s: %w", job.ID, err)
		}
		page, err := r.Search.SearchPage(ctx, job, working.AfterKey)
		if err != nil {
			consecutiveFailures++
			pageFailures.WithLabelValues(job.ID).Inc()
			klog.V(2).InfoS("rollup page failed, continuing", "job", job.ID, "error", err, "consecutiveFailures", consecutiveFailures)
			if consecutiveFailures >= maxConsecutivePageFailures {
				return r.failAndDisable(ctx, job, &working, fmt.Sprintf("page loop exceeded %d consecutive failures: %v", maxConsecutivePageFailures, err))
			}
			continue
		}
		pagesProcessed.WithLabelValues(job.ID).Inc()

		if len(page.Rows) > 0 {
			if err := r.Writer.IndexDocuments(ctx, job, page.Rows); err != nil {
				consecutiveFailures++
				klog.V(2).InfoS("rollup page index failed, continuing", "job", job.ID, "error", err, "consecutiveFailures", consecutiveFailures)
				if consecutiveFailures >= maxConsecutivePageFailures {
					return r.failAndDisable(ctx, job, &working, fmt.Sprintf("page loop exceeded %d consecutive failures: %v", maxConsecutivePageFailures, err))
				}
				continue
			}
		}
		consecutiveFailures = 0

		working.Stats.Add(page.DocumentsProcessed, int64(len(page.Rows)))
		working.AfterKey = page.AfterKey
		if page.AfterKey == nil {
			if job.Continuous {
				working.Status = StatusStarted
			} else {
				working.Status = StatusFinished
			}
		}

		var advanced Result
		_ = r.Backoff.Run(ctx, IsTransient, func() error {
			advanced = r.Meta.Advance(ctx, working)
			if f, ok := advanced.(FailureResult); ok {
				return f.Cause
			}
			return nil
		})
		switch v := advanced.(type) {
		case FailureResult:
			return fmt.Errorf("advance rollup metadata %s: %w", job.ID, v)
		case SuccessResult:
			working = v.Metadata
		}

		if page.AfterKey == nil {
			break
		}
	}

	// g. If the job is non-continuous and terminal, disable it.
	if working.Status.IsTerminal() && !job.Continuous {
		return r.disable(ctx, job)
	}
	return nil
}

func (r *Runner) failAndDisable(ctx context.Context, job *Job, meta *Metadata, reason string) error {
	if meta != nil {
		result := r.Meta.SetFailedMetadata(ctx, *meta, reason)
		if f, ok := result.(FailureResult); ok {
			return fmt.Errorf("mark rollup job %s failed: %w", job.ID, f)
		}
	}
	return r.disable(ctx, job)
}

func (r *Runner) disable(ctx context.Context, job *Job) error {
	if !job.Enabled {
		return nil
	}
	job.Enabled = false
	if err := r.Backoff.Run(ctx, IsTransient, func() error {
		return r.Jobs.PutJob(ctx, job)
	}); err != nil {
		return fmt.Errorf("disable rollup job %s: %w", job.ID, err)
	}
	return nil
}
