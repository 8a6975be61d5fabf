// Package metastore defines the persisted document model for managed-index
// and rollup jobs, and the CAS-guarded store client used to read and write it.
package metastore

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CASRef identifies the optimistic-concurrency position of a stored document.
// SeqNo is the store's per-key revision counter; PrimaryTerm is the owning
// bucket's epoch (see SPEC_FULL.md §3 for why NATS KV needs both).
type CASRef struct {
	SeqNo       uint64
	PrimaryTerm uint64
}

// Policy is the typed, parsed form of a policy document.
type Policy struct {
	ID           string
	DefaultState string
	States       []PolicyState
	CAS          CASRef
}

// PolicyState is one state in a policy's state machine.
type PolicyState struct {
	Name    string
	Actions []PolicyAction
}

// PolicyAction names one action within a state plus its declared transitions.
type PolicyAction struct {
	Type        string
	Config      map[string]any
	Transitions []Transition
}

// Transition names the next state to move to once an action's steps finish.
type Transition struct {
	StateName string
}

// ChangePolicyRequest is a pending request to swap a job onto a new policy.
type ChangePolicyRequest struct {
	PolicyID string
	State    string
}

// JobConfig is the source of truth for what a job should do (spec.md §3).
type JobConfig struct {
	ID           string
	IndexName    string
	IndexUUID    string
	PolicyID     string
	Policy       *Policy
	ChangePolicy *ChangePolicyRequest
	MetadataID   string
	Enabled      bool
	JobEnabledAt metav1.Time
	Schedule     time.Duration
	CAS          CASRef
}

// StepStatus is the lifecycle status of the step currently in flight.
type StepStatus string

const (
	StepStarting  StepStatus = "STARTING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StateMetaData records when the current state began.
type StateMetaData struct {
	Name      string
	StartTime metav1.Time
}

// ActionMetaData records progress of the action currently in flight.
type ActionMetaData struct {
	Name             string
	StartTime        metav1.Time
	Index            int
	Failed           bool
	ConsumedRetries  int
}

// StepMetaData records the status of the step currently in flight.
type StepMetaData struct {
	Name      string
	StartTime metav1.Time
	Status    StepStatus
}

// PolicyRetryInfo tracks whether the policy's progress is blocked on a retry.
type PolicyRetryInfo struct {
	Failed          bool
	ConsumedRetries int
}

// Info carries free-form operator-facing messages.
type Info struct {
	Message string
}

// JobMetadata is the source of truth for where an ISM job currently is
// (spec.md §3).
type JobMetadata struct {
	JobID             string
	State             StateMetaData
	Action            *ActionMetaData
	Step              *StepMetaData
	PolicyRetryInfo   PolicyRetryInfo
	PolicyCompleted   bool
	TransitionTo      string
	Info              Info
	PolicySeqNo       *uint64
	PolicyPrimaryTerm *uint64
	RolledOver        bool
	WasReadOnly       bool
	CAS               CASRef
}

// Clone returns a deep-enough copy for copy-on-write metadata transitions.
func (m JobMetadata) Clone() JobMetadata {
	out := m
	if m.Action != nil {
		a := *m.Action
		out.Action = &a
	}
	if m.Step != nil {
		s := *m.Step
		out.Step = &s
	}
	if m.PolicySeqNo != nil {
		v := *m.PolicySeqNo
		out.PolicySeqNo = &v
	}
	if m.PolicyPrimaryTerm != nil {
		v := *m.PolicyPrimaryTerm
		out.PolicyPrimaryTerm = &v
	}
	return out
}
