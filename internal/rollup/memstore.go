package rollup

import (
	"context"
	"sync"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// MemStore is an in-memory Store used in tests, mirroring
// metastore.MemStore's CAS discipline for the rollup document kinds.
type MemStore struct {
	mu sync.Mutex

	epoch     uint64
	jobs      map[string]*Job
	metas     map[string]*Metadata
	revisions map[string]uint64
}

// NewMemStore creates an empty store with bucket epoch 1.
func NewMemStore() *MemStore {
	return &MemStore{
		epoch:     1,
		jobs:      make(map[string]*Job),
		metas:     make(map[string]*Metadata),
		revisions: make(map[string]uint64),
	}
}

func (s *MemStore) nextCAS(key string) metastore.CASRef {
	s.revisions[key]++
	return metastore.CASRef{SeqNo: s.revisions[key], PrimaryTerm: s.epoch}
}

// SeedJob installs a Job directly, bypassing CAS, for test setup.
func (s *MemStore) SeedJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	cp.CAS = s.nextCAS("job/" + j.ID)
	s.jobs[j.ID] = &cp
}

func (s *MemStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) PutJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.jobs[job.ID]
	if exists && job.CAS != (metastore.CASRef{}) && job.CAS != cur.CAS {
		return metastore.ErrCASConflict
	}

	cp := *job
	cp.CAS = s.nextCAS("job/" + job.ID)
	s.jobs[job.ID] = &cp
	job.CAS = cp.CAS
	return nil
}

func (s *MemStore) GetMetadata(_ context.Context, jobID string) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.Clone()
	return &cp, nil
}

func (s *MemStore) PutMetadata(_ context.Context, meta *Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.metas[meta.JobID]
	if exists && meta.CAS != (metastore.CASRef{}) && meta.CAS != cur.CAS {
		return metastore.ErrCASConflict
	}

	cp := meta.Clone()
	cp.CAS = s.nextCAS("meta/" + meta.JobID)
	s.metas[meta.JobID] = &cp
	meta.CAS = cp.CAS
	return nil
}
