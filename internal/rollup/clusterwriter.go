package rollup

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/step"
)

// ClusterIndexWriter implements IndexWriter against the same narrow
// cluster-settings surface the ISM actions use. Writing the summary
// documents themselves goes through the search cluster's own indexing
// path, which is out of scope for this repo (spec.md §1 Non-goals); this
// writer marks the mapping as initialised and records the page's document
// count for the metrics/paging-loop accounting in spec.md §4.G step f.
type ClusterIndexWriter struct {
	Cluster step.ClusterSettingsWriter
}

func (w ClusterIndexWriter) EnsureMapping(ctx context.Context, job *Job) error {
	return w.Cluster.SetIndexSetting(ctx, job.TargetIndex, "is_rollup_index", "true")
}

func (w ClusterIndexWriter) IndexDocuments(_ context.Context, job *Job, docs []map[string]any) error {
	klog.V(3).InfoS("indexed rollup summary documents", "job", job.ID, "target", job.TargetIndex, "count", len(docs))
	pagesIndexed.WithLabelValues(job.ID).Add(float64(len(docs)))
	return nil
}
