package executor

import (
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	base := errors.New("quota exceeded")

	tests := []struct {
		name     string
		err      error
		expected time.Duration
	}{
		{name: "retry after hint", err: RetryAfter(base, 5*time.Second), expected: 5 * time.Second},
		{name: "wrapped hint", err: fmt.Errorf("upsert: %w", RetryAfter(base, time.Minute)), expected: time.Minute},
		{name: "zero hint falls back", err: RetryAfter(base, 0), expected: DefaultRetryDelay},
		{name: "transient hint", err: &types.TransientError{Err: base, RetryAfter: 2 * time.Second}, expected: 2 * time.Second},
		{name: "transient without hint", err: types.Transient(base), expected: DefaultRetryDelay},
		{name: "internal error", err: &types.InternalError{Err: base}, expected: DefaultRetryDelay},
		{name: "plain error", err: base, expected: DefaultRetryDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Delay(tt.err))
		})
	}
}

func TestRetryAfterNil(t *testing.T) {
	assert.NoError(t, RetryAfter(nil, time.Second))
}

func TestRetryAfterUnwraps(t *testing.T) {
	err := RetryAfter(types.ErrNotFound, time.Second)
	assert.True(t, types.IsNotFound(err))
	assert.Contains(t, err.Error(), "retry after 1s")
}

func TestCollect(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	boom := errors.New("page 2 failed")

	seq := func(fail bool) iter.Seq2[types.ResourceID, error] {
		return func(yield func(types.ResourceID, error) bool) {
			if !yield(a, nil) {
				return
			}
			if fail {
				yield(uuid.Nil, boom)
				return
			}
			yield(b, nil)
		}
	}

	ids, err := Collect(seq(false))
	require.NoError(t, err)
	assert.Equal(t, []types.ResourceID{a, b}, ids)

	ids, err = Collect(seq(true))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []types.ResourceID{a}, ids)
}
