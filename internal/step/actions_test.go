package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

type fakeClusterSettings struct {
	set     map[string]string
	deleted []string
}

func (f *fakeClusterSettings) SetIndexSetting(_ context.Context, indexName, key, value string) error {
	if f.set == nil {
		f.set = make(map[string]string)
	}
	f.set[indexName+"/"+key] = value
	return nil
}

func (f *fakeClusterSettings) DeleteIndex(_ context.Context, indexName string) error {
	f.deleted = append(f.deleted, indexName)
	return nil
}

func TestReadOnlyAction_CompletesAndRecordsWasReadOnly(t *testing.T) {
	a := NewReadOnlyAction()
	var meta metastore.JobMetadata

	s := a.GetStepToExecute(meta)
	require.NotNil(t, s)

	sctx := Context{IndexName: "logs-1", Cluster: &fakeClusterSettings{}}
	err := s.Execute(context.Background(), sctx)
	require.NoError(t, err)

	meta = s.GetUpdatedManagedIndexMetaData(meta, err)
	assert.True(t, meta.WasReadOnly)
	assert.Equal(t, metastore.StepCompleted, meta.Step.Status)

	// Once completed, the action has no more steps to run.
	assert.Nil(t, a.GetStepToExecute(meta))
}

func TestDeleteAction_SuccessSetsPolicyCompleted(t *testing.T) {
	a := NewDeleteAction()
	var meta metastore.JobMetadata

	s := a.GetStepToExecute(meta)
	require.NotNil(t, s)

	cluster := &fakeClusterSettings{}
	err := s.Execute(context.Background(), Context{IndexName: "logs-1", Cluster: cluster})
	require.NoError(t, err)
	assert.Equal(t, []string{"logs-1"}, cluster.deleted)

	meta = s.GetUpdatedManagedIndexMetaData(meta, err)
	assert.True(t, meta.PolicyCompleted)
	assert.True(t, IsSuccessfulDelete(meta))
}

func TestSingleStepAction_ShouldBackoff(t *testing.T) {
	a := NewOpenAction()

	shouldBackoff, _ := a.ShouldBackoff(metastore.ActionMetaData{Failed: false})
	assert.False(t, shouldBackoff)

	shouldBackoff, remaining := a.ShouldBackoff(metastore.ActionMetaData{Failed: true, ConsumedRetries: 0})
	assert.True(t, shouldBackoff)
	assert.Positive(t, remaining)

	shouldBackoff, _ = a.ShouldBackoff(metastore.ActionMetaData{Failed: true, ConsumedRetries: 3})
	assert.False(t, shouldBackoff)
}
