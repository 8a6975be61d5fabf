package rollup

import (
	"context"
	"fmt"

	"github.com/indexlifecycle/ismctl/internal/clusterstate"
)

// ClusterValidator implements Validator against the cluster-state Reader
// already used by the ISM runner (spec.md §4.G step 4.a). It only checks
// existence and the rollup-index marker setting; the composite aggregation
// engine's internals and the on-disk mapping format are out of scope
// (spec.md §1 Non-goals).
type ClusterValidator struct {
	Cluster clusterstate.Reader
}

func (v ClusterValidator) ValidateSourceIndex(_ context.Context, job *Job) error {
	if _, ok := v.Cluster.Index(job.SourceIndex); !ok {
		return fmt.Errorf("source index %s does not exist", job.SourceIndex)
	}
	return nil
}

func (v ClusterValidator) ValidateTargetIndex(_ context.Context, job *Job) error {
	meta, ok := v.Cluster.Index(job.TargetIndex)
	if !ok {
		return fmt.Errorf("target index %s does not exist", job.TargetIndex)
	}
	if meta.Settings["is_rollup_index"] != "true" {
		return fmt.Errorf("target index %s is not a rollup index", job.TargetIndex)
	}
	return nil
}
