package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// Bucket names for the rollup document kinds, mirroring metastore's
// one-bucket-per-kind layout.
const (
	BucketJobs     = "rollup-job-config"
	BucketMetadata = "rollup-job-metadata"
	epochKey       = "_epoch"
)

type natsDoc[T any] struct {
	Body T `json:"body"`
}

// NATSStore implements Store against NATS JetStream Key-Value buckets.
type NATSStore struct {
	jobs  nats.KeyValue
	metas nats.KeyValue
}

// NewNATSStore opens (creating if necessary) the two KV buckets rollup
// documents need.
func NewNATSStore(js nats.JetStreamContext) (*NATSStore, error) {
	jobs, err := openOrCreateBucket(js, BucketJobs)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket: %w", BucketJobs, err)
	}
	metas, err := openOrCreateBucket(js, BucketMetadata)
	if err != nil {
		return nil, fmt.Errorf("open %s bucket: %w", BucketMetadata, err)
	}
	return &NATSStore{jobs: jobs, metas: metas}, nil
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

func (s *NATSStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	entry, err := s.jobs.Get(jobID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rollup job %s: %w", jobID, err)
	}
	var doc natsDoc[Job]
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode rollup job %s: %w", jobID, err)
	}
	epoch, err := bucketEpoch(s.jobs)
	if err != nil {
		return nil, err
	}
	doc.Body.ID = jobID
	doc.Body.CAS = metastore.CASRef{SeqNo: entry.Revision(), PrimaryTerm: epoch}
	return &doc.Body, nil
}

func (s *NATSStore) PutJob(_ context.Context, job *Job) error {
	epoch, err := bucketEpoch(s.jobs)
	if err != nil {
		return err
	}
	if job.CAS.SeqNo != 0 && job.CAS.PrimaryTerm != epoch {
		return metastore.ErrCASConflict
	}
	data, err := json.Marshal(natsDoc[Job]{Body: *job})
	if err != nil {
		return fmt.Errorf("encode rollup job %s: %w", job.ID, err)
	}
	rev, err := casPut(s.jobs, job.ID, data, job.CAS.SeqNo)
	if err != nil {
		return err
	}
	job.CAS = metastore.CASRef{SeqNo: rev, PrimaryTerm: epoch}
	return nil
}

func (s *NATSStore) GetMetadata(_ context.Context, jobID string) (*Metadata, error) {
	entry, err := s.metas.Get(jobID)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rollup metadata %s: %w", jobID, err)
	}
	var doc natsDoc[Metadata]
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("decode rollup metadata %s: %w", jobID, err)
	}
	epoch, err := bucketEpoch(s.metas)
	if err != nil {
		return nil, err
	}
	doc.Body.JobID = jobID
	doc.Body.CAS = metastore.CASRef{SeqNo: entry.Revision(), PrimaryTerm: epoch}
	return &doc.Body, nil
}

func (s *NATSStore) PutMetadata(_ context.Context, meta *Metadata) error {
	epoch, err := bucketEpoch(s.metas)
	if err != nil {
		return err
	}
	if meta.CAS.SeqNo != 0 && meta.CAS.PrimaryTerm != epoch {
		return metastore.ErrCASConflict
	}
	data, err := json.Marshal(natsDoc[Metadata]{Body: *meta})
	if err != nil {
		return fmt.Errorf("encode rollup metadata %s: %w", meta.JobID, err)
	}
	rev, err := casPut(s.metas, meta.JobID, data, meta.CAS.SeqNo)
	if err != nil {
		if errors.Is(err, metastore.ErrCASConflict) {
			return err
		}
		klog.V(2).InfoS("rollup metadata write blocked, will retry", "job", meta.JobID, "error", err)
		return fmt.Errorf("%w: %v", metastore.ErrClusterBlocked, err)
	}
	meta.CAS = metastore.CASRef{SeqNo: rev, PrimaryTerm: epoch}
	return nil
}

func casPut(kv nats.KeyValue, key string, data []byte, expectedRev uint64) (uint64, error) {
	if expectedRev == 0 {
		rev, err := kv.Create(key, data)
		if err != nil {
			if err == nats.ErrKeyExists {
				return 0, metastore.ErrCASConflict
			}
			return 0, err
		}
		return rev, nil
	}
	rev, err := kv.Update(key, data, expectedRev)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", metastore.ErrCASConflict, err)
	}
	return rev, nil
}
