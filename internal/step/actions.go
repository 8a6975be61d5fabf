package step

import (
	"context"
	"time"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// The reference action catalog below illustrates the common contract
// (spec.md §4.E) with six single-step actions. It is not a production
// catalog — the real action set is named out of scope in spec.md §1.

type singleStepAction struct {
	actionType string
	step       Step
	maxRetries int
}

func (a *singleStepAction) Type() string { return a.actionType }

func (a *singleStepAction) GetStepToExecute(current metastore.JobMetadata) Step {
	if current.Step != nil && current.Step.Name == a.step.Name() && current.Step.Status == metastore.StepCompleted {
		return nil
	}
	return a.step
}

func (a *singleStepAction) ShouldBackoff(meta metastore.ActionMetaData) (bool, time.Duration) {
	if !meta.Failed {
		return false, 0
	}
	if meta.ConsumedRetries >= a.maxRetries {
		return false, 0
	}
	// Exponential: 1s, 2s, 4s, ...
	delay := time.Second << meta.ConsumedRetries
	return true, delay
}

// settingStep flips a single index setting and marks the step completed.
type settingStep struct {
	name  string
	key   string
	value string
}

func (s *settingStep) Name() string { return s.name }

func (s *settingStep) Execute(ctx context.Context, sctx Context) error {
	if sctx.Cluster == nil || s.key == "" {
		return nil
	}
	return sctx.Cluster.SetIndexSetting(ctx, sctx.IndexName, s.key, s.value)
}

func (s *settingStep) GetUpdatedManagedIndexMetaData(current metastore.JobMetadata, stepErr error) metastore.JobMetadata {
	next := current.Clone()
	status := metastore.StepCompleted
	if stepErr != nil {
		status = metastore.StepFailed
	}
	if next.Step == nil {
		next.Step = &metastore.StepMetaData{Name: s.name}
	}
	next.Step.Status = status
	if s.key == "index.blocks.write" {
		next.WasReadOnly = s.value == "true"
	}
	return next
}

// NewOpenAction opens a closed index (a no-op on the settings surface here;
// the real implementation would call the cluster's open-index API).
func NewOpenAction() Action {
	return &singleStepAction{actionType: "open", step: &settingStep{name: "open_index"}, maxRetries: 3}
}

// NewCloseAction records a close_index step; like open, it changes no index
// setting here.
func NewCloseAction() Action {
	return &singleStepAction{actionType: "close", step: &settingStep{name: "close_index"}, maxRetries: 3}
}

// NewReadOnlyAction sets index.blocks.write=true.
func NewReadOnlyAction() Action {
	return &singleStepAction{
		actionType: "read_only",
		step:       &settingStep{name: "set_read_only", key: "index.blocks.write", value: "true"},
		maxRetries: 3,
	}
}

// NewReadWriteAction clears index.blocks.write.
func NewReadWriteAction() Action {
	return &singleStepAction{
		actionType: "read_write",
		step:       &settingStep{name: "set_read_write", key: "index.blocks.write", value: "false"},
		maxRetries: 3,
	}
}

// rolloverStep marks the index as rolled over; idempotent by name.
type rolloverStep struct{}

func (rolloverStep) Name() string { return "attempt_rollover" }

func (rolloverStep) Execute(ctx context.Context, sctx Context) error { return nil }

func (rolloverStep) GetUpdatedManagedIndexMetaData(current metastore.JobMetadata, stepErr error) metastore.JobMetadata {
	next := current.Clone()
	status := metastore.StepCompleted
	if stepErr != nil {
		status = metastore.StepFailed
	} else {
		next.RolledOver = true
	}
	if next.Step == nil {
		next.Step = &metastore.StepMetaData{Name: "attempt_rollover"}
	}
	next.Step.Status = status
	return next
}

// NewRolloverAction requests a rollover.
func NewRolloverAction() Action {
	return &singleStepAction{actionType: "rollover", step: rolloverStep{}, maxRetries: 3}
}

// deleteStep is the only step whose successful completion terminates the
// metadata lineage (invariant 5).
type deleteStep struct{}

func (deleteStep) Name() string { return "delete_index" }

func (deleteStep) Execute(ctx context.Context, sctx Context) error {
	if sctx.Cluster == nil {
		return nil
	}
	return sctx.Cluster.DeleteIndex(ctx, sctx.IndexName)
}

func (deleteStep) GetUpdatedManagedIndexMetaData(current metastore.JobMetadata, stepErr error) metastore.JobMetadata {
	next := current.Clone()
	if stepErr != nil {
		next.Step = &metastore.StepMetaData{Name: "delete_index", Status: metastore.StepFailed}
		return next
	}
	next.Step = &metastore.StepMetaData{Name: "delete_index", Status: metastore.StepCompleted}
	next.PolicyCompleted = true
	return next
}

// NewDeleteAction deletes the managed index.
func NewDeleteAction() Action {
	return &singleStepAction{actionType: "delete", step: deleteStep{}, maxRetries: 1}
}

// IsSuccessfulDelete reports whether meta represents a delete step that
// completed successfully (invariant 5: no metadata write follows this).
func IsSuccessfulDelete(meta metastore.JobMetadata) bool {
	return meta.Step != nil && meta.Step.Name == "delete_index" && meta.Step.Status == metastore.StepCompleted
}
