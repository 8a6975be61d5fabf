// Package ism implements the per-tick control loop for policy-driven index
// state management jobs (spec.md §4.F, §4.F.1).
package ism

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/backoff"
	"github.com/indexlifecycle/ismctl/internal/clusterstate"
	"github.com/indexlifecycle/ismctl/internal/lock"
	"github.com/indexlifecycle/ismctl/internal/metastore"
	"github.com/indexlifecycle/ismctl/internal/registry"
	"github.com/indexlifecycle/ismctl/internal/step"
)

// DefaultLeaseTTL bounds a single tick's budget (spec.md §5 "Timeouts").
const DefaultLeaseTTL = 30 * time.Second

// Runner is the ISM control loop (spec.md §4.F). Its fields are immutable,
// constructor-injected collaborators per the "no package-level mutable
// state" design note (spec.md §9).
type Runner struct {
	Store    metastore.Store
	Registry *registry.PolicyRegistry
	Lock     lock.Service
	Cluster  clusterstate.Reader
	Writer   step.ClusterSettingsWriter
	Actions  map[string]step.Action
	Backoff  backoff.Policy
	LeaseTTL time.Duration
}

// New constructs a Runner with spec.md §4.C's default backoff and lease TTL.
func New(store metastore.Store, reg *registry.PolicyRegistry, lockSvc lock.Service, cluster clusterstate.Reader, writer step.ClusterSettingsWriter, actions map[string]step.Action) *Runner {
	return &Runner{
		Store:    store,
		Registry: reg,
		Lock:     lockSvc,
		Cluster:  cluster,
		Writer:   writer,
		Actions:  actions,
		Backoff:  backoff.New(),
		LeaseTTL: DefaultLeaseTTL,
	}
}

// RunTick executes one tick of the ISM control loop for job (spec.md §4.F).
// It is the Scheduler's entry point (spec.md §6).
func (r *Runner) RunTick(ctx context.Context, job *metastore.JobConfig) error {
	// Step 1: resolve index. Missing index means it was deleted; nothing to do.
	idx, ok := r.Cluster.Index(job.IndexName)
	if !ok {
		klog.V(2).InfoS("managed index no longer exists, skipping", "job", job.ID, "index", job.IndexName)
		return nil
	}

	lease, err := r.Lock.Acquire(ctx, job.ID, r.ttl())
	if err != nil {
		return fmt.Errorf("acquire lease for job %s: %w", job.ID, err)
	}
	if lease == nil {
		klog.V(3).InfoS("lease held elsewhere, skipping tick", "job", job.ID)
		return nil
	}
	defer func() {
		if _, err := r.Lock.Release(ctx, lease); err != nil {
			klog.V(2).InfoS("lease release failed", "job", job.ID, "error", err)
		}
	}()

	meta, err := r.Store.GetJobMetadata(ctx, job.ID)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return fmt.Errorf("get job metadata %s: %w", job.ID, err)
	}
	var existingMeta *metastore.JobMetadata
	if err == nil {
		existingMeta = meta
	}

	// Step 2: initialise if either the embedded policy or job metadata is absent.
	if job.Policy == nil || existingMeta == nil {
		return r.initManagedIndex(ctx, job, existingMeta)
	}

	// Step 3: self-heal the policy_id index setting. Best-effort.
	if idx.Settings["policy_id"] != job.PolicyID {
		if err := r.Store.UpdateIndexSetting(ctx, job.IndexName, "policy_id", job.PolicyID); err != nil {
			klog.V(2).InfoS("policy_id self-heal failed, will retry next tick", "job", job.ID, "error", err)
		}
	}

	current := *existingMeta

	// Step 4: change-policy gate.
	if r.shouldChangePolicy(job, current) {
		return r.initChangePolicy(ctx, job, current)
	}

	// Step 5: terminal gate.
	if current.PolicyCompleted || current.PolicyRetryInfo.Failed {
		return r.disableManagedIndexConfig(ctx, job)
	}

	state, stateOK := stateByName(job.Policy, current.State.Name)
	var action step.Action
	var actionIdx int
	var actionOK bool
	if stateOK {
		action, actionIdx, actionOK = r.resolveAction(state, current)
	}

	// Step 6: backoff gate. Per the open question in spec.md §9, backoff is
	// only evaluated when an action was resolved; the terminal error path
	// (action == nil) skips it, preserving the observed source behaviour.
	if actionOK && current.Action != nil {
		if should, remaining := action.ShouldBackoff(*current.Action); should {
			klog.V(2).InfoS("backing off", "job", job.ID, "remaining", remaining)
			return nil
		}
	}

	// Step 7: starting-state recovery (invariant 4).
	if current.Step != nil && current.Step.Status == metastore.StepStarting {
		next := current.Clone()
		next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: true, ConsumedRetries: 0}
		return r.putMetadata(ctx, job.ID, &next)
	}

	if !stateOK || !actionOK {
		next := step.GetStartingManagedIndexMetaDataForError(current, fmt.Sprintf("no executable state/action/step for job %s", job.ID))
		return r.putMetadata(ctx, job.ID, &next)
	}

	s := action.GetStepToExecute(current)
	if s == nil {
		// Action has no more steps; advance to the next action/state on the
		// next tick by recording progress against this action's index.
		next := current.Clone()
		if next.Action == nil {
			next.Action = &metastore.ActionMetaData{}
		}
		next.Action.Index = actionIdx + 1
		return r.putMetadata(ctx, job.ID, &next)
	}

	// Step 8: advance.
	starting := step.GetStartingManagedIndexMetaData(current, current.State.Name, action, s)
	if starting.Action != nil {
		starting.Action.Index = actionIdx
	}
	if err := r.putMetadata(ctx, job.ID, &starting); err != nil {
		return err
	}

	stepErr := s.Execute(ctx, step.Context{IndexName: job.IndexName, Cluster: r.Writer})

	executed := s.GetUpdatedManagedIndexMetaData(starting, stepErr)
	if step.IsSuccessfulDelete(executed) {
		// Invariant 5: no post-execute metadata write against a removed index.
		klog.V(2).InfoS("delete step succeeded, lineage terminated", "job", job.ID)
		return nil
	}
	return r.putMetadata(ctx, job.ID, &executed)
}

func (r *Runner) ttl() time.Duration {
	if r.LeaseTTL <= 0 {
		return DefaultLeaseTTL
	}
	return r.LeaseTTL
}

func (r *Runner) putMetadata(ctx context.Context, jobID string, meta *metastore.JobMetadata) error {
	return r.Backoff.Run(ctx, metastore.IsTransient, func() error {
		return r.Store.PutJobMetadata(ctx, jobID, meta)
	})
}

// initManagedIndex implements spec.md §4.F step 2.
func (r *Runner) initManagedIndex(ctx context.Context, job *metastore.JobConfig, existingMeta *metastore.JobMetadata) error {
	policyID := job.PolicyID
	if job.ChangePolicy != nil {
		policyID = job.ChangePolicy.PolicyID
	}

	policy, resolveErr := r.Registry.Resolve(ctx, policyID)

	if job.Policy == nil && resolveErr == nil {
		cfg := *job
		cfg.Policy = policy
		if err := r.Backoff.Run(ctx, metastore.IsTransient, func() error {
			return r.Store.PutJobConfig(ctx, &cfg)
		}); err != nil {
			return fmt.Errorf("persist resolved policy onto job config %s: %w", job.ID, err)
		}
		*job = cfg
	}

	next := computeInitialMetadata(existingMeta, policyID, policy, resolveErr)
	return r.putMetadata(ctx, job.ID, &next)
}

// shouldChangePolicy reports whether a change-policy request is pending and
// the job has reached an action boundary (spec.md §4.F step 4).
func (r *Runner) shouldChangePolicy(job *metastore.JobConfig, meta metastore.JobMetadata) bool {
	if job.ChangePolicy == nil {
		return false
	}
	// An action boundary is reached once the current action has no more
	// steps to execute (GetStepToExecute would return nil) or no action is
	// in flight yet.
	if meta.Action == nil {
		return true
	}
	state, ok := stateByName(job.Policy, meta.State.Name)
	if !ok {
		return true
	}
	action, idx, ok := r.resolveAction(state, meta)
	if !ok || action == nil {
		return true
	}
	if idx != meta.Action.Index {
		// resolveAction moved past the in-flight action: it has finished.
		return true
	}
	return action.GetStepToExecute(meta) == nil
}

// initChangePolicy implements the change-policy protocol (spec.md §4.F.1).
// Ordering is load-bearing: JobMetadata is written before JobConfig's
// embedded policy is replaced (testable property 3 / scenario S4).
func (r *Runner) initChangePolicy(ctx context.Context, job *metastore.JobConfig, current metastore.JobMetadata) error {
	cp := job.ChangePolicy
	policy, err := r.Registry.Resolve(ctx, cp.PolicyID)
	if err != nil {
		next := current.Clone()
		next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: true}
		next.Info = metastore.Info{Message: fmt.Sprintf("Fail to load policy: %s", cp.PolicyID)}
		return r.putMetadata(ctx, job.ID, &next)
	}

	seq, term := policy.CAS.SeqNo, policy.CAS.PrimaryTerm
	next := current.Clone()
	next.PolicySeqNo = &seq
	next.PolicyPrimaryTerm = &term
	next.TransitionTo = cp.State
	next.Step = nil
	next.PolicyCompleted = false
	next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: false}

	// 2. Write the new JobMetadata first.
	if err := r.putMetadata(ctx, job.ID, &next); err != nil {
		return fmt.Errorf("change-policy metadata write for job %s: %w", job.ID, err)
	}

	// 3. Only now write the JobConfig with the new embedded policy.
	cfg := *job
	cfg.Policy = policy
	cfg.PolicyID = cp.PolicyID
	cfg.ChangePolicy = nil
	if err := r.Backoff.Run(ctx, metastore.IsTransient, func() error {
		return r.Store.PutJobConfig(ctx, &cfg)
	}); err != nil {
		// Step 2 already landed; the next tick's self-heal (invariant 2)
		// and a retried change-policy will converge.
		return fmt.Errorf("change-policy config write for job %s: %w", job.ID, err)
	}
	*job = cfg

	// 4. Best-effort: update the index's policy_id setting.
	if err := r.Store.UpdateIndexSetting(ctx, job.IndexName, "policy_id", cfg.PolicyID); err != nil {
		klog.V(2).InfoS("change-policy policy_id self-heal failed", "job", job.ID, "error", err)
	}
	return nil
}

// disableManagedIndexConfig persists enabled=false for a terminally
// completed or failed job (spec.md §4.F step 5).
func (r *Runner) disableManagedIndexConfig(ctx context.Context, job *metastore.JobConfig) error {
	if !job.Enabled {
		return nil
	}
	cfg := *job
	cfg.Enabled = false
	if err := r.Backoff.Run(ctx, metastore.IsTransient, func() error {
		return r.Store.PutJobConfig(ctx, &cfg)
	}); err != nil {
		return fmt.Errorf("disable job config %s: %w", job.ID, err)
	}
	*job = cfg
	return nil
}

func stateByName(p *metastore.Policy, name string) (*metastore.PolicyState, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.States {
		if p.States[i].Name == name {
			return &p.States[i], true
		}
	}
	return nil, false
}

// resolveAction implements the ordering in spec.md §4.E: "the first action
// in declared order whose preconditions hold", advancing past the action
// recorded in meta.Action once it has finished all its steps.
func (r *Runner) resolveAction(state *metastore.PolicyState, meta metastore.JobMetadata) (step.Action, int, bool) {
	idx := 0
	if meta.Action != nil {
		idx = meta.Action.Index
		if idx < len(state.Actions) {
			if a, ok := r.Actions[state.Actions[idx].Type]; ok && a.GetStepToExecute(meta) == nil {
				idx++
			}
		}
	}
	if idx >= len(state.Actions) {
		return nil, idx, false
	}
	a, ok := r.Actions[state.Actions[idx].Type]
	return a, idx, ok
}
