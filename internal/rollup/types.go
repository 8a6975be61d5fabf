// Package rollup implements the per-tick control loop for continuous and
// one-shot composite-aggregation rollup jobs (spec.md §4.G, §4.H).
package rollup

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// Status is the rollup job's lifecycle status (spec.md §3).
type Status string

const (
	StatusInit     Status = "INIT"
	StatusStarted  Status = "STARTED"
	StatusStopped  Status = "STOPPED"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusRetry    Status = "RETRY"
)

// IsTerminal reports whether status ends the job's lineage (spec.md §3
// invariant 6: "afterKey == null ∧ non-continuous ⇒ status ∈
// {FINISHED, FAILED, STOPPED} ⇒ job becomes enabled = false").
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// AfterKey is the composite-aggregation pagination cursor: the last page's
// dimension tuple, or nil once a search exhausts its buckets.
type AfterKey struct {
	Dimensions map[string]string
}

// Stats accumulates the rollup's running totals across pages.
type Stats struct {
	PagesProcessed     int
	DocumentsProcessed int64
	DocumentsIndexed   int64
	LastTimestamp      metav1.Time
}

// Add merges one page's contribution into the running totals.
func (s *Stats) Add(documentsProcessed, documentsIndexed int64) {
	s.PagesProcessed++
	s.DocumentsProcessed += documentsProcessed
	s.DocumentsIndexed += documentsIndexed
	s.LastTimestamp = metav1.Now()
}

// Job is the source of truth for what a rollup job should do, analogous to
// metastore.JobConfig for ISM jobs (spec.md §3).
type Job struct {
	ID          string
	SourceIndex string
	TargetIndex string
	MetadataID  string
	Continuous  bool
	Enabled     bool
	Schedule    time.Duration
	PageSize    int
	Dimensions  []string
	Metrics     []string
	CAS         metastore.CASRef
}

// Metadata is the source of truth for where a rollup job currently is
// (spec.md §3).
type Metadata struct {
	JobID         string
	Status        Status
	AfterKey      *AfterKey
	Stats         Stats
	FailureReason string
	CAS           metastore.CASRef
}

// Clone returns a deep-enough copy for copy-on-write metadata transitions.
func (m Metadata) Clone() Metadata {
	out := m
	if m.AfterKey != nil {
		dims := make(map[string]string, len(m.AfterKey.Dimensions))
		for k, v := range m.AfterKey.Dimensions {
			dims[k] = v
		}
		out.AfterKey = &AfterKey{Dimensions: dims}
	}
	return out
}
