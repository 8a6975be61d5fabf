package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"
)

// Bucket names for the document kinds this package persists. One JetStream
// KV bucket per kind, following the same one-stream-per-concern layout this
// codebase family uses for NATS (e.g. the ACTIVITIES_REINDEX stream).
const (
	BucketPolicies     = "ism-policy"
	BucketJobConfigs   = "ism-job-config"
	BucketJobMetadata  = "ism-job-metadata"
	epochKey           = "_epoch"
)

// natsDoc is the on-the-wire envelope for every document kind; CAS is
// reconstructed from the KV entry's revision plus the bucket's epoch, so it
// is never itself serialized into the value.
type natsDoc[T any] struct {
	Body T `json:"body"`
}

// NATSStore implements Store against NATS JetStream Key-Value buckets.
// Revision-guarded Update calls are the concrete CAS primitive; see
// SPEC_FULL.md §3 for why primaryTerm maps to a bucket-level epoch.
type NATSStore struct {
	js       nats.JetStreamContext
	policies nats.KeyValue
	configs  nats.KeyValue
	metas    nats.KeyValue
}

// NewNATSStore opens (creating if necessary) the three KV buckets this store
// needs and returns a ready-to-use Store.
func NewNATSStore(js nats.JetStreamContext) (*NATSStore, error) {
	policies, err := openOrCreateBucket(js, BucketPolicies)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket: %w", BucketPolicies, err)
	}
	configs, err := openOrCreateBucket(js, BucketJobConfigs)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket: %w", BucketJobConfigs, err)
	}
	metas, err := openOrCreateBucket(js, BucketJobMetadata)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket: %w", BucketJobMetadata, err)
	}
	return &NATSStore{js: js, policies: policies, configs: configs, metas: metas}, nil
}

func openOrCreateBucket(js nats.JetStreamContext, name string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
}

func bucketEpoch(kv nats.KeyValue) (uint64, error) {
	entry, err := kv.Get(epochKey)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			if _, err := kv.Create(epochKey, []byte("1")); err != nil && err != nats.ErrKeyExists {
				return 0, err
			}
			return 1, nil
		}
		return 0, err
	}
	var epoch uint64
	if _, err := fmt.Sscanf(string(entry.Value()), "%d", &epoch); err != nil {
		return 0, fmt.Errorf("corrupt epoch value: %w", err)
	}
	return epoch, nil
}

func (s *NATSStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	entry, err := s.policies.Get(id)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}
	if len(entry.Value()) == 0 {
		return nil, ErrNotFound
	}
	var doc natsDoc[Policy]
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", id, err)
	}
	epoch, err := bucketEpoch(s.policies)
	if err != nil {
		return nil, err
	}
	doc.Body.CAS = CASRef{SeqNo: entry.Revision(), PrimaryTerm: epoch}
	return &doc.Body, nil
}

func (s *NATSStore) GetJobMetadata(ctx context.Context, jobID string) (*JobMetadata, error) {
	entry, err := s.metas.Get(jobID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job metadata %s: %w", jobID, err)
	}
	var doc natsDoc[JobMetadata]
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode job metadata %s: %w", jobID, err)
	}
	epoch, err := bucketEpoch(s.metas)
	if err != nil {
		return nil, err
	}
	doc.Body.JobID = jobID
	doc.Body.CAS = CASRef{SeqNo: entry.Revision(), PrimaryTerm: epoch}
	return &doc.Body, nil
}

func (s *NATSStore) PutJobConfig(ctx context.Context, cfg *JobConfig) error {
	epoch, err := bucketEpoch(s.configs)
	if err != nil {
		return err
	}
	if cfg.CAS.SeqNo != 0 && cfg.CAS.PrimaryTerm != epoch {
		return ErrCASConflict
	}

	data, err := json.Marshal(natsDoc[JobConfig]{Body: *cfg})
	if err != nil {
		return fmt.Errorf("encode job config %s: %w", cfg.ID, err)
	}

	rev, err := casPut(s.configs, cfg.ID, data, cfg.CAS.SeqNo)
	if err != nil {
		return err
	}
	cfg.CAS = CASRef{SeqNo: rev, PrimaryTerm: epoch}
	return nil
}

func (s *NATSStore) PutJobMetadata(ctx context.Context, jobID string, meta *JobMetadata) error {
	epoch, err := bucketEpoch(s.metas)
	if err != nil {
		return err
	}
	if meta.CAS.SeqNo != 0 && meta.CAS.PrimaryTerm != epoch {
		return ErrCASConflict
	}

	data, err := json.Marshal(natsDoc[JobMetadata]{Body: *meta})
	if err != nil {
		return fmt.Errorf("encode job metadata %s: %w", jobID, err)
	}

	rev, err := casPut(s.metas, jobID, data, meta.CAS.SeqNo)
	if err != nil {
		if errors.Is(err, ErrCASConflict) {
			return err
		}
		// A JetStream write that fails for any other reason (timeout,
		// leader election in progress, overloaded stream) is the
		// transient "cluster blocked" condition from spec.md §4.B / §7.
		klog.V(2).InfoS("metadata write blocked, will retry", "job", jobID, "error", err)
		return fmt.Errorf("%w: %v", ErrClusterBlocked, err)
	}
	meta.JobID = jobID
	meta.CAS = CASRef{SeqNo: rev, PrimaryTerm: epoch}
	return nil
}

func (s *NATSStore) UpdateIndexSetting(ctx context.Context, indexName, key, value string) error {
	bucketName := "ism-settings-" + indexName
	kv, err := openOrCreateBucket(s.js, bucketName)
	if err != nil {
		return fmt.Errorf("open settings bucket for %s: %w", indexName, err)
	}
	if _, err := kv.Put(key, []byte(value)); err != nil {
		return fmt.Errorf("update setting %s/%s: %w", indexName, key, err)
	}
	return nil
}

// casPut writes data to key, requiring the current revision to equal
// expectedRev (0 meaning "key must not exist yet").
func casPut(kv nats.KeyValue, key string, data []byte, expectedRev uint64) (uint64, error) {
	if expectedRev == 0 {
		rev, err := kv.Create(key, data)
		if err != nil {
			if err == nats.ErrKeyExists {
				return 0, ErrCASConflict
			}
			return 0, err
		}
		return rev, nil
	}
	rev, err := kv.Update(key, data, expectedRev)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCASConflict, err)
	}
	return rev, nil
}
