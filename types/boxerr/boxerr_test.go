package boxerr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorf(t *testing.T) {
	err := Errorf(ErrShapeMismatch, "rank %d: physical shape %v, expected %v", 1, []int{3}, []int{4})
	require.Error(t, err)
	assert.True(t, Is(err, ErrShapeMismatch))
	assert.False(t, Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "rank 1: physical shape [3], expected [4]")
	assert.Contains(t, err.Error(), "shape mismatch")

	// Wrapping again keeps the kind.
	wrapped := errors.WithMessage(err, "while casting tensor")
	assert.True(t, errors.Is(wrapped, ErrShapeMismatch))
}
