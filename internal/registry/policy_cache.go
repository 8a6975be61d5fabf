// Package registry resolves policy ids to policy definitions, threading
// their (seqNo, primaryTerm) identifiers through for invariant 3 (spec.md
// §4.D).
package registry

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// ErrPolicyNotFound is returned when the backing store has no policy with
// the requested id.
var ErrPolicyNotFound = errors.New("registry: policy not found")

// PolicyRegistry resolves policy ids against a metastore.Store.
type PolicyRegistry struct {
	store metastore.Store
}

// New creates a registry backed by store.
func New(store metastore.Store) *PolicyRegistry {
	return &PolicyRegistry{store: store}
}

// Resolve loads policy id, threading its seqNo/primaryTerm through for
// invariant 3. Policy documents can mutate underneath a job between ticks,
// so this always re-reads the store rather than serving a cached body.
func (r *PolicyRegistry) Resolve(ctx context.Context, id string) (*metastore.Policy, error) {
	p, err := r.store.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("resolve policy %s: %w", id, err)
	}

	klog.V(4).InfoS("resolved policy", "id", id, "seqNo", p.CAS.SeqNo, "primaryTerm", p.CAS.PrimaryTerm)
	return p, nil
}
