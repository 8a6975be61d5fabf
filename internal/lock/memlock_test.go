package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrentAcquire_OnlyOneWins exercises spec.md §8 S6: two concurrent
// ticks for the same job, exactly one acquires the lease.
func TestConcurrentAcquire_OnlyOneWins(t *testing.T) {
	svc := NewMemLockService()

	var wg sync.WaitGroup
	results := make([]*Lease, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := svc.Acquire(context.Background(), "job-1", time.Minute)
			require.NoError(t, err)
			results[i] = lease
		}()
	}
	wg.Wait()

	acquired := 0
	for _, l := range results {
		if l != nil {
			acquired++
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestAcquire_ExpiredLeaseCanBeStolen(t *testing.T) {
	svc := NewMemLockService()

	lease, err := svc.Acquire(context.Background(), "job-1", -time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	second, err := svc.Acquire(context.Background(), "job-1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestRelease_FailsAfterLeaseStolen(t *testing.T) {
	svc := NewMemLockService()

	lease, err := svc.Acquire(context.Background(), "job-1", -time.Second)
	require.NoError(t, err)

	_, err = svc.Acquire(context.Background(), "job-1", time.Minute)
	require.NoError(t, err)

	ok, err := svc.Release(context.Background(), lease)
	require.NoError(t, err)
	assert.False(t, ok)
}
