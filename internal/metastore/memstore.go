package metastore

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store implementation used in tests and as a
// reference for the CAS semantics that the NATS-backed Store must uphold.
// It is not meant for production use.
type MemStore struct {
	mu sync.Mutex

	epoch uint64

	policies map[string]*Policy
	configs  map[string]*JobConfig
	metas    map[string]*JobMetadata

	// revisions tracks the last seqNo assigned per key namespace.
	revisions map[string]uint64

	// Settings records self-healed index settings, keyed by "index/key".
	Settings map[string]string

	// FailPutJobMetadataOnce, when > 0, makes the next N PutJobMetadata
	// calls fail with ErrClusterBlocked before succeeding. Used by tests
	// to exercise the change-policy retry protocol (spec.md §4.F.1, S4).
	FailPutJobMetadataOnce int
}

// NewMemStore creates an empty store with bucket epoch 1.
func NewMemStore() *MemStore {
	return &MemStore{
		epoch:     1,
		policies:  make(map[string]*Policy),
		configs:   make(map[string]*JobConfig),
		metas:     make(map[string]*JobMetadata),
		revisions: make(map[string]uint64),
		Settings:  make(map[string]string),
	}
}

// SeedPolicy installs a policy document directly, bypassing CAS, for test setup.
func (s *MemStore) SeedPolicy(p *Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.CAS = s.nextCAS("policy/" + p.ID)
	s.policies[p.ID] = &cp
}

// SeedJobConfig installs a JobConfig directly, bypassing CAS.
func (s *MemStore) SeedJobConfig(c *JobConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.CAS = s.nextCAS("config/" + c.ID)
	s.configs[c.ID] = &cp
}

// SeedJobMetadata installs a JobMetadata directly, bypassing CAS.
func (s *MemStore) SeedJobMetadata(jobID string, m *JobMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m.Clone()
	cp.CAS = s.nextCAS("meta/" + jobID)
	s.metas[jobID] = &cp
}

func (s *MemStore) nextCAS(key string) CASRef {
	s.revisions[key]++
	return CASRef{SeqNo: s.revisions[key], PrimaryTerm: s.epoch}
}

func (s *MemStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) GetJobMetadata(_ context.Context, jobID string) (*JobMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m.Clone()
	return &cp, nil
}

func (s *MemStore) PutJobConfig(_ context.Context, cfg *JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := "config/" + cfg.ID

	cur, exists := s.configs[cfg.ID]
	if exists && cfg.CAS != (CASRef{}) && cfg.CAS != cur.CAS {
		return ErrCASConflict
	}

	cp := *cfg
	cp.CAS = s.nextCAS(key)
	s.configs[cfg.ID] = &cp
	cfg.CAS = cp.CAS
	return nil
}

func (s *MemStore) PutJobMetadata(_ context.Context, jobID string, meta *JobMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailPutJobMetadataOnce > 0 {
		s.FailPutJobMetadataOnce--
		return ErrClusterBlocked
	}

	cur, exists := s.metas[jobID]
	if exists && meta.CAS != (CASRef{}) && meta.CAS != cur.CAS {
		return ErrCASConflict
	}

	cp := meta.Clone()
	cp.JobID = jobID
	cp.CAS = s.nextCAS("meta/" + jobID)
	s.metas[jobID] = &cp
	meta.CAS = cp.CAS
	return nil
}

func (s *MemStore) UpdateIndexSetting(_ context.Context, indexName, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Settings[indexName+"/"+key] = value
	return nil
}
