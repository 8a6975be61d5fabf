package ism

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/indexlifecycle/ismctl/internal/metastore"
)

// computeInitialMetadata implements the initial-metadata decision table
// from spec.md §4.F:
//
//	No existing metadata            -> fresh metadata; retryInfo.failed = (policy == nil)
//	Policy could not be loaded       -> preserve existing fields, mark retry-failed
//	Existing seq/term nil            -> first bind: copy from policy, set state
//	Existing seq/term equal policy's -> success, no-op state changes
//	Existing seq/term differ         -> mark retry-failed (invariant 3)
func computeInitialMetadata(existing *metastore.JobMetadata, policyID string, policy *metastore.Policy, policyErr error) metastore.JobMetadata {
	now := metav1.Now()

	if existing == nil {
		if policyErr != nil || policy == nil {
			return metastore.JobMetadata{
				PolicyRetryInfo: metastore.PolicyRetryInfo{Failed: true},
				Info:            metastore.Info{Message: fmt.Sprintf("Fail to load policy: %s", policyID)},
			}
		}
		seq, term := policy.CAS.SeqNo, policy.CAS.PrimaryTerm
		return metastore.JobMetadata{
			State:             metastore.StateMetaData{Name: policy.DefaultState, StartTime: now},
			PolicyRetryInfo:   metastore.PolicyRetryInfo{Failed: false},
			PolicySeqNo:       &seq,
			PolicyPrimaryTerm: &term,
			Info:              metastore.Info{Message: fmt.Sprintf("Successfully initialized policy: %s", policyID)},
		}
	}

	next := existing.Clone()

	if policyErr != nil || policy == nil {
		next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: true, ConsumedRetries: existing.PolicyRetryInfo.ConsumedRetries}
		next.Info = metastore.Info{Message: fmt.Sprintf("Fail to load policy: %s", policyID)}
		return next
	}

	if existing.PolicySeqNo == nil || existing.PolicyPrimaryTerm == nil {
		seq, term := policy.CAS.SeqNo, policy.CAS.PrimaryTerm
		next.PolicySeqNo = &seq
		next.PolicyPrimaryTerm = &term
		if next.State.Name == "" {
			next.State = metastore.StateMetaData{Name: policy.DefaultState, StartTime: now}
		}
		next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: false}
		next.Info = metastore.Info{Message: fmt.Sprintf("Successfully initialized policy: %s", policyID)}
		return next
	}

	if *existing.PolicySeqNo == policy.CAS.SeqNo && *existing.PolicyPrimaryTerm == policy.CAS.PrimaryTerm {
		next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: false, ConsumedRetries: existing.PolicyRetryInfo.ConsumedRetries}
		return next
	}

	// Invariant 3: the policy mutated underneath the job. Never silently
	// rebind; mark the job retryable with an explanatory message.
	next.PolicyRetryInfo = metastore.PolicyRetryInfo{Failed: true}
	next.Info = metastore.Info{Message: fmt.Sprintf(
		"Fail to load policy: %s diverged (seqNo/primaryTerm mismatch, have %d/%d want %d/%d)",
		policyID, *existing.PolicySeqNo, *existing.PolicyPrimaryTerm, policy.CAS.SeqNo, policy.CAS.PrimaryTerm,
	)}
	return next
}
