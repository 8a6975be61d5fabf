// Package step implements the polymorphic Step/Action Executor contract
// from spec.md §4.E: a capability set, not an inheritance hierarchy.
package step

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// Context is the execution context a step runs in: the managed index name
// and any collaborators an action needs to perform its side effect.
type Context struct {
	IndexName string
	Cluster   ClusterSettingsWriter
}

// ClusterSettingsWriter is the narrow write surface an action may need
// (e.g. read-only toggles flip an index setting, delete removes the index
// outright).
type ClusterSettingsWriter interface {
	SetIndexSetting(ctx context.Context, indexName, key, value string) error
	DeleteIndex(ctx context.Context, indexName string) error
}

// Step is the smallest executable unit of a policy (spec.md §4.E, GLOSSARY).
type Step interface {
	// Name identifies the step for serialization into JobMetadata.StepMetaData.
	Name() string

	// Execute performs the step's side effect. It may suspend.
	Execute(ctx context.Context, sctx Context) error

	// GetUpdatedManagedIndexMetaData computes the next JobMetadata from the
	// current one once Execute has run (or failed). It is pure.
	GetUpdatedManagedIndexMetaData(current metastore.JobMetadata, stepErr error) metastore.JobMetadata
}

// Action names one action within a policy state and knows which step to run
// next, plus the shared backoff/preconditions contract from spec.md §4.E.
type Action interface {
	// Type identifies the action for serialization.
	Type() string

	// GetStepToExecute returns the step that should run now. A nil return
	// means the action has no more steps to run this tick (it is done, or
	// it never started and there's nothing more to do).
	GetStepToExecute(current metastore.JobMetadata) Step

	// ShouldBackoff reports whether this action is still within its retry
	// window, per the action's own retry configuration. remaining is only
	// meaningful when shouldBackoff is true.
	ShouldBackoff(meta metastore.ActionMetaData) (shouldBackoff bool, remaining time.Duration)
}

// GetStartingManagedIndexMetaData builds the metadata to persist before a
// step executes (spec.md §4.F step 8). It is a pure function of the
// resolved state/action/step triple.
func GetStartingManagedIndexMetaData(current metastore.JobMetadata, stateName string, action Action, s Step) metastore.JobMetadata {
	next := current.Clone()
	next.State = metastore.StateMetaData{Name: stateName, StartTime: timeNow()}
	if action != nil {
		actionName := action.Type()
		if next.Action == nil || next.Action.Name != actionName {
			next.Action = &metastore.ActionMetaData{Name: actionName, StartTime: timeNow()}
		}
	} else {
		next.Action = nil
	}
	if s != nil {
		next.Step = &metastore.StepMetaData{Name: s.Name(), StartTime: timeNow(), Status: metastore.StepStarting}
	} else {
		next.Step = nil
	}
	return next
}

// GetStartingManagedIndexMetaDataForError builds the error-state metadata
// used when state/action/step resolution comes up empty (spec.md §4.E:
// "the job is moved to an error state ... with a message").
func GetStartingManagedIndexMetaDataForError(current metastore.JobMetadata, message string) metastore.JobMetadata {
	next := current.Clone()
	next.Info = metastore.Info{Message: message}
	next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: true}
	return next
}

var timeNow = func() metav1.Time { return metav1.Now() }
