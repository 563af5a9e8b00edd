package faults_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"millrace/internal/faults"
)

func TestWrapPreservesMarkerAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := faults.Wrap(faults.ErrTransient, "embedding", "fetch vectors", "upstream unavailable", cause)
	assert.ErrorIs(t, err, faults.ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "embedding: fetch vectors: upstream unavailable")
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := faults.Wrap(nil, "parse", "", "", nil)
	assert.ErrorIs(t, err, faults.ErrTransient)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		marker error
		want   faults.Kind
	}{
		{faults.ErrTransient, faults.KindTransient},
		{faults.ErrValidation, faults.KindValidation},
		{faults.ErrLeaseLost, faults.KindLease},
		{faults.ErrIdentity, faults.KindIdentity},
		{faults.ErrMigration, faults.KindMigration},
		{faults.ErrInvariant, faults.KindInvariant},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, faults.KindOf(fmt.Errorf("%w: boom", tc.marker)))
	}
	assert.Equal(t, faults.KindUnknown, faults.KindOf(errors.New("untyped")))
	assert.Equal(t, faults.KindUnknown, faults.KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, faults.Retryable(fmt.Errorf("%w: io", faults.ErrTransient)))
	assert.True(t, faults.Retryable(errors.New("untyped")))
	assert.False(t, faults.Retryable(fmt.Errorf("%w: bad mime", faults.ErrValidation)))
	assert.False(t, faults.Retryable(fmt.Errorf("%w: dup", faults.ErrIdentity)))
	assert.False(t, faults.Retryable(fmt.Errorf("%w: bug", faults.ErrInvariant)))
}
