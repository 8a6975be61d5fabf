package ism

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexlifecycle/ismctl/internal/clusterstate"
	"github.com/indexlifecycle/ismctl/internal/lock"
	"github.com/indexlifecycle/ismctl/internal/metastore"
	"github.com/indexlifecycle/ismctl/internal/registry"
	"github.com/indexlifecycle/ismctl/internal/step"
)

func newTestRunner(t *testing.T) (*Runner, *metastore.MemStore, *clusterstate.InMemoryClusterState) {
	t.Helper()
	store := metastore.NewMemStore()
	cluster := clusterstate.NewInMemoryClusterState()
	reg := registry.New(store)
	lockSvc := lock.NewMemLockService()
	actions := map[string]step.Action{
		"open":      step.NewOpenAction(),
		"close":     step.NewCloseAction(),
		"read_only": step.NewReadOnlyAction(),
		"delete":    step.NewDeleteAction(),
	}
	r := New(store, reg, lockSvc, cluster, clusterstate.SettingsWriter{Cluster: cluster}, actions)
	r.LeaseTTL = time.Minute
	return r, store, cluster
}

func seedPolicy(store *metastore.MemStore) *metastore.Policy {
	p := &metastore.Policy{
		ID:           "p1",
		DefaultState: "hot",
		States: []metastore.PolicyState{
			{Name: "hot", Actions: []metastore.PolicyAction{{Type: "read_only"}}},
		},
	}
	store.SeedPolicy(p)
	return p
}

// S1: fresh job, policy resolves -> success metadata, seq/term bound.
func TestRunTick_S1_FreshInit(t *testing.T) {
	r, store, cluster := newTestRunner(t)
	seedPolicy(store)
	cluster.PutIndex(clusterstate.IndexMetaData{Name: "logs-1"})
	job := &metastore.JobConfig{ID: "job1", IndexName: "logs-1", PolicyID: "p1", Enabled: true}

	err := r.RunTick(context.Background(), job)
	require.NoError(t, err)

	meta, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	assert.False(t, meta.PolicyRetryInfo.Failed)
	assert.Equal(t, "Successfully initialized policy: p1", meta.Info.Message)
	require.NotNil(t, meta.PolicySeqNo)
	require.NotNil(t, meta.PolicyPrimaryTerm)
}

// S2: policy mutates underneath a job with existing bound seq/term -> retry-failed.
func TestRunTick_S2_PolicyDiverged(t *testing.T) {
	r, store, cluster := newTestRunner(t)
	seedPolicy(store)
	cluster.PutIndex(clusterstate.IndexMetaData{Name: "logs-1"})
	job := &metastore.JobConfig{ID: "job1", IndexName: "logs-1", PolicyID: "p1", Enabled: true}

	require.NoError(t, r.RunTick(context.Background(), job))

	// Mutate the policy document (new seqNo/primaryTerm) without touching the job.
	seedPolicy(store)
	job.Policy = nil // force re-resolution on next tick

	require.NoError(t, r.RunTick(context.Background(), job))

	meta, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	assert.True(t, meta.PolicyRetryInfo.Failed)
	assert.Contains(t, meta.Info.Message, "Fail to load policy")
}

// S4 / testable property 3: change-policy writes JobMetadata before
// JobConfig, so a failed metadata write leaves JobConfig on the old policy
// with the request still pending, and the next tick completes the swap.
func TestRunTick_S4_ChangePolicyOrdering(t *testing.T) {
	r, store, cluster := newTestRunner(t)
	seedPolicy(store)
	store.SeedPolicy(&metastore.Policy{
		ID:           "p2",
		DefaultState: "cold",
		States: []metastore.PolicyState{
			{Name: "cold", Actions: []metastore.PolicyAction{{Type: "close"}}},
		},
	})
	cluster.PutIndex(clusterstate.IndexMetaData{Name: "logs-1"})
	job := &metastore.JobConfig{ID: "job1", IndexName: "logs-1", PolicyID: "p1", Enabled: true}
	require.NoError(t, r.RunTick(context.Background(), job))

	job.ChangePolicy = &metastore.ChangePolicyRequest{PolicyID: "p2", State: "cold"}

	// Fail every attempt of the backoff-driven metadata write (3 attempts).
	store.FailPutJobMetadataOnce = 3
	require.Error(t, r.RunTick(context.Background(), job))
	assert.Equal(t, "p1", job.PolicyID)
	assert.NotNil(t, job.ChangePolicy)

	require.NoError(t, r.RunTick(context.Background(), job))

	meta, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, "cold", meta.TransitionTo)
	assert.Equal(t, "p2", job.PolicyID)
	assert.Nil(t, job.ChangePolicy)
}

// Invariant 1: no lease, no tick side effects.
func TestRunTick_NoLease_Skipped(t *testing.T) {
	r, store, cluster := newTestRunner(t)
	seedPolicy(store)
	cluster.PutIndex(clusterstate.IndexMetaData{Name: "logs-1"})
	job := &metastore.JobConfig{ID: "job1", IndexName: "logs-1", PolicyID: "p1", Enabled: true}

	held, err := r.Lock.Acquire(context.Background(), "job1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	err = r.RunTick(context.Background(), job)
	require.NoError(t, err)

	_, err = store.GetJobMetadata(context.Background(), "job1")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

// Missing index: tick is a clean no-op.
func TestRunTick_IndexMissing_NoOp(t *testing.T) {
	r, store, _ := newTestRunner(t)
	seedPolicy(store)
	job := &metastore.JobConfig{ID: "job1", IndexName: "ghost", PolicyID: "p1", Enabled: true}

	err := r.RunTick(context.Background(), job)
	require.NoError(t, err)

	_, err = store.GetJobMetadata(context.Background(), "job1")
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

// Invariant 4: recovery from a crash mid-step (Step.Status == STARTING)
// marks the job retry-failed rather than silently re-executing.
func TestRunTick_RecoversFromStartingStep(t *testing.T) {
	r, store, cluster := newTestRunner(t)
	seedPolicy(store)
	cluster.PutIndex(clusterstate.IndexMetaData{Name: "logs-1"})
	job := &metastore.JobConfig{ID: "job1", IndexName: "logs-1", PolicyID: "p1", Enabled: true}
	require.NoError(t, r.RunTick(context.Background(), job))

	meta, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	meta.Step = &metastore.StepMetaData{Name: "set_read_only", Status: metastore.StepStarting}
	store.SeedJobMetadata("job1", meta)

	require.NoError(t, r.RunTick(context.Background(), job))

	recovered, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	assert.True(t, recovered.PolicyRetryInfo.Failed)
}

// Invariant 5: a completed delete never triggers a post-execute metadata write.
func TestRunTick_SuccessfulDelete_NoFurtherWrite(t *testing.T) {
	r, store, cluster := newTestRunner(t)
	store.SeedPolicy(&metastore.Policy{
		ID:           "del",
		DefaultState: "deleting",
		States: []metastore.PolicyState{
			{Name: "deleting", Actions: []metastore.PolicyAction{{Type: "delete"}}},
		},
	})
	cluster.PutIndex(clusterstate.IndexMetaData{Name: "logs-1"})
	job := &metastore.JobConfig{ID: "job1", IndexName: "logs-1", PolicyID: "del", Enabled: true}
	require.NoError(t, r.RunTick(context.Background(), job))

	require.NoError(t, r.RunTick(context.Background(), job))
	meta, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, metastore.StepStarting, meta.Step.Status)

	require.NoError(t, r.RunTick(context.Background(), job))
	final, err := store.GetJobMetadata(context.Background(), "job1")
	require.NoError(t, err)
	assert.Equal(t, metastore.StepStarting, final.Step.Status, "delete's successful completion must not be persisted")
}
