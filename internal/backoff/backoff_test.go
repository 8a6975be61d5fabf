package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysTransient(error) bool { return true }

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxAttempts: 3}

	attempts := 0
	err := p.Run(context.Background(), alwaysTransient, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxAttempts: 3}

	attempts := 0
	sentinel := errors.New("still failing")
	err := p.Run(context.Background(), alwaysTransient, func() error {
		attempts++
		return sentinel
	})

	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, sentinel)
}

func TestPolicy_DoesNotRetryNonTransient(t *testing.T) {
	p := Policy{InitialInterval: time.Millisecond, MaxAttempts: 5}

	attempts := 0
	sentinel := errors.New("parse error")
	err := p.Run(context.Background(), func(error) bool { return false }, func() error {
		attempts++
		return sentinel
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, ErrNonTransient)
	assert.ErrorIs(t, err, sentinel)
}
