package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_PreservesKindForErrorsIs(t *testing.T) {
	err := Wrap(ErrNotFound, "notebook %s", "nb-1")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "notebook nb-1")
	assert.Contains(t, err.Error(), "not found")
}

func TestRateLimitError_UnwrapsToSentinel(t *testing.T) {
	err := &RateLimitError{RetryAfterSeconds: 30}

	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.Equal(t, "rate limited, retry after 30s", err.Error())
}

func TestWrap_DistinctKindsDoNotMatch(t *testing.T) {
	err := Wrap(ErrValidation, "bad field")

	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrValidation))
}
