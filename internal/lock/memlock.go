package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemLockService is an in-memory Service used in tests (spec.md §8 S6:
// lease contention between concurrent ticks for the same job).
type MemLockService struct {
	mu       sync.Mutex
	holderID string
	held     map[string]leaseState
}

type leaseState struct {
	holder    string
	expiresAt time.Time
	generation uint64
}

// NewMemLockService creates an empty lock table.
func NewMemLockService() *MemLockService {
	return &MemLockService{holderID: uuid.NewString(), held: make(map[string]leaseState)}
}

func (s *MemLockService) Acquire(_ context.Context, jobID string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cur, exists := s.held[jobID]
	if exists && now.Before(cur.expiresAt) {
		return nil, nil
	}

	gen := cur.generation + 1
	s.held[jobID] = leaseState{holder: s.holderID, expiresAt: now.Add(ttl), generation: gen}
	return &Lease{JobID: jobID, Holder: s.holderID, ExpiresAt: now.Add(ttl), token: gen}, nil
}

func (s *MemLockService) Release(_ context.Context, lease *Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, _ := lease.token.(uint64)
	cur, exists := s.held[lease.JobID]
	if !exists || cur.generation != gen {
		return false, nil
	}
	delete(s.held, lease.JobID)
	return true, nil
}
