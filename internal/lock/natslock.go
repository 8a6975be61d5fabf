package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

const bucketName = "ism-locks"

var (
	acquireAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ism_lock",
			Name:      "acquire_attempts_total",
			Help:      "Total lease acquire attempts, partitioned by outcome.",
		},
		[]string{"outcome"}, // acquired, held_elsewhere, error
	)
	contentionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ism_lock",
			Name:      "held_leases",
			Help:      "Number of leases this process believes it currently holds.",
		},
	)
)

func init() {
	prometheus.MustRegister(acquireAttempts, contentionGauge)
}

type leaseDoc struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NATSLockService implements Service on top of a JetStream KV bucket. A
// lease is a key whose value records its holder and expiry; Acquire is a
// Create of an absent key, or a revision-guarded Update that takes over an
// expired one, and Release is a Delete guarded by the revision Acquire
// returned, so only the current holder can release a live lease.
type NATSLockService struct {
	kv       nats.KeyValue
	holderID string
}

// NewNATSLockService opens (creating if necessary) the lock bucket.
func NewNATSLockService(js nats.JetStreamContext) (*NATSLockService, error) {
	kv, err := js.KeyValue(bucketName)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucketName})
		if err != nil {
			return nil, fmt.Errorf("create lock bucket: %w", err)
		}
	}
	return &NATSLockService{kv: kv, holderID: uuid.NewString()}, nil
}

func (s *NATSLockService) Acquire(ctx context.Context, jobID string, ttl time.Duration) (*Lease, error) {
	doc := leaseDoc{Holder: s.holderID, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	rev, err := s.kv.Create(jobID, data)
	if err == nil {
		acquireAttempts.WithLabelValues("acquired").Inc()
		contentionGauge.Inc()
		return &Lease{JobID: jobID, Holder: s.holderID, ExpiresAt: doc.ExpiresAt, token: rev}, nil
	}
	if err != nats.ErrKeyExists {
		acquireAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire lease %s: %w", jobID, err)
	}

	// Key exists: steal it only if the existing lease has expired.
	entry, getErr := s.kv.Get(jobID)
	if getErr != nil {
		acquireAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("inspect existing lease %s: %w", jobID, getErr)
	}
	var existing leaseDoc
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		acquireAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode existing lease %s: %w", jobID, err)
	}
	if time.Now().Before(existing.ExpiresAt) {
		acquireAttempts.WithLabelValues("held_elsewhere").Inc()
		klog.V(3).InfoS("lease held elsewhere", "job", jobID, "holder", existing.Holder)
		return nil, nil
	}

	rev, err = s.kv.Update(jobID, data, entry.Revision())
	if err != nil {
		// Someone else raced us to steal the expired lease.
		acquireAttempts.WithLabelValues("held_elsewhere").Inc()
		return nil, nil
	}
	acquireAttempts.WithLabelValues("acquired").Inc()
	contentionGauge.Inc()
	return &Lease{JobID: jobID, Holder: s.holderID, ExpiresAt: doc.ExpiresAt, token: rev}, nil
}

func (s *NATSLockService) Release(ctx context.Context, lease *Lease) (bool, error) {
	rev, ok := lease.token.(uint64)
	if !ok {
		return false, fmt.Errorf("lease %s has no release token", lease.JobID)
	}
	if err := s.kv.Delete(lease.JobID, nats.LastRevision(rev)); err != nil {
		if err == nats.ErrKeyNotFound {
			return false, nil
		}
		// A revision mismatch means the lease expired and was stolen.
		klog.V(3).InfoS("lease release lost the race", "job", lease.JobID, "error", err)
		return false, nil
	}
	contentionGauge.Dec()
	return true, nil
}
