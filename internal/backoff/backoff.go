// Package backoff implements the exponential-backoff retry driver described
// in spec.md §4.C: bounded attempts, transient-only retries.
package backoff

import (
	"context"
	"errors"
	"time"

	backoffv4 "github.com/cenkalti/backoff/v4"
)

// Default parameters per spec.md §4.C, shared by the policy-save and
// metadata-update paths.
const (
	DefaultInitialInterval = 250 * time.Millisecond
	DefaultMaxAttempts     = 3
)

// Policy drives bounded exponential-backoff retries of an operation.
// Only transient failures should be retried; the caller's isTransient
// predicate enforces that (spec.md §4.C: "semantic failures ... are not
// retried").
type Policy struct {
	InitialInterval time.Duration
	MaxAttempts     uint64
}

// New returns a Policy configured with the spec's defaults.
func New() Policy {
	return Policy{InitialInterval: DefaultInitialInterval, MaxAttempts: DefaultMaxAttempts}
}

// ErrNonTransient is returned by Run when op fails with an error that
// isTransient rejected; it is never retried and wraps the original error.
var ErrNonTransient = errors.New("backoff: non-transient failure")

// Run invokes op until it succeeds, a non-transient error is observed, the
// attempt budget is exhausted, or ctx is cancelled.
func (p Policy) Run(ctx context.Context, isTransient func(error) bool, op func() error) error {
	eb := backoffv4.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	bounded := backoffv4.WithMaxRetries(eb, p.MaxAttempts-1)
	withCtx := backoffv4.WithContext(bounded, ctx)

	return backoffv4.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient != nil && !isTransient(err) {
			return backoffv4.Permanent(errors.Join(ErrNonTransient, err))
		}
		return err
	}, withCtx)
}
