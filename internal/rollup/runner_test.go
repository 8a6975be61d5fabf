package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexlifecycle/ismctl/internal/lock"
)

// fakeSearcher replays a fixed sequence of pages, one per call, grounded on
// the at-least-once page loop in spec.md §4.G step f.
type fakeSearcher struct {
	pages []Page
	calls int
}

func (f *fakeSearcher) SearchPage(_ context.Context, _ *Job, _ *AfterKey) (Page, error) {
	if f.calls >= len(f.pages) {
		return Page{}, nil
	}
	p := f.pages[f.calls]
	f.calls++
	return p, nil
}

type fakeWriter struct {
	indexed int
}

func (f *fakeWriter) EnsureMapping(context.Context, *Job) error { return nil }

func (f *fakeWriter) IndexDocuments(_ context.Context, _ *Job, docs []map[string]any) error {
	f.indexed += len(docs)
	return nil
}

type fakeValidator struct{}

func (fakeValidator) ValidateSourceIndex(context.Context, *Job) error { return nil }
func (fakeValidator) ValidateTargetIndex(context.Context, *Job) error { return nil }

func newTestRunner() (*Runner, *MemStore) {
	store := NewMemStore()
	meta := NewMetadataService(store)
	lockSvc := lock.NewMemLockService()
	r := New(store, meta, lockSvc, &fakeSearcher{}, &fakeWriter{}, fakeValidator{})
	r.LeaseTTL = time.Minute
	return r, store
}

// S5: two pages, afterKey != null then null. Stats sum across pages;
// afterKey ends null; non-continuous job becomes disabled.
func TestRunTick_S5_PagingSumsAndDisables(t *testing.T) {
	r, store := newTestRunner()
	searcher := &fakeSearcher{pages: []Page{
		{Rows: []map[string]any{{"k": "a"}, {"k": "b"}}, DocumentsProcessed: 2, AfterKey: &AfterKey{Dimensions: map[string]string{"k": "b"}}},
		{Rows: []map[string]any{{"k": "c"}}, DocumentsProcessed: 1, AfterKey: nil},
	}}
	r.Search = searcher

	job := &Job{ID: "rj1", SourceIndex: "logs", TargetIndex: "rollup-logs", Enabled: true, Continuous: false, PageSize: 2}

	require.NoError(t, r.RunTick(context.Background(), job))

	require.NotEmpty(t, job.MetadataID)
	meta, err := store.GetMetadata(context.Background(), job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Stats.DocumentsProcessed)
	assert.Nil(t, meta.AfterKey)
	assert.Equal(t, StatusFinished, meta.Status)
	assert.False(t, job.Enabled)
}

// Continuous jobs never self-disable on afterKey==null.
func TestRunTick_ContinuousJob_StaysEnabled(t *testing.T) {
	r, store := newTestRunner()
	r.Search = &fakeSearcher{pages: []Page{
		{Rows: []map[string]any{{"k": "a"}}, DocumentsProcessed: 1, AfterKey: nil},
	}}
	job := &Job{ID: "rj2", SourceIndex: "logs", TargetIndex: "rollup-logs", Enabled: true, Continuous: true, PageSize: 10}

	require.NoError(t, r.RunTick(context.Background(), job))

	meta, err := store.GetMetadata(context.Background(), job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, meta.Status)
	assert.True(t, job.Enabled)
}

// S6: lease contention — the second tick observes the held lease and
// performs no writes.
func TestRunTick_S6_LeaseContention(t *testing.T) {
	r, store := newTestRunner()
	job := &Job{ID: "rj3", SourceIndex: "logs", TargetIndex: "rollup-logs", Enabled: true, PageSize: 10}

	held, err := r.Lock.Acquire(context.Background(), "rj3", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	require.NoError(t, r.RunTick(context.Background(), job))

	assert.Empty(t, job.MetadataID)
	_, err = store.GetMetadata(context.Background(), "whatever")
	assert.ErrorIs(t, err, ErrNotFound)
}

// A page-loop failure that never clears trips the bounded failure counter
// and disables the job rather than retrying forever.
func TestRunTick_PageLoopExceedsFailureBudget_Disables(t *testing.T) {
	r, store := newTestRunner()
	r.Search = alwaysFailingSearcher{}
	job := &Job{ID: "rj4", SourceIndex: "logs", TargetIndex: "rollup-logs", Enabled: true, PageSize: 10}

	require.NoError(t, r.RunTick(context.Background(), job))

	assert.False(t, job.Enabled)
	meta, err := store.GetMetadata(context.Background(), job.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, meta.Status)
}

type alwaysFailingSearcher struct{}

func (alwaysFailingSearcher) SearchPage(context.Context, *Job, *AfterKey) (Page, error) {
	return Page{}, assert.AnError
}
