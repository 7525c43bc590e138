package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cuemby/tether/pkg/types"
)

// DefaultRetryDelay is used when a backend failure carries no delay hint
const DefaultRetryDelay = 30 * time.Second

// Executor drives one resource kind on one infrastructure backend. All
// operations are idempotent; retry policy belongs to the caller.
type Executor interface {
	// Kind returns the resource kind this executor manages
	Kind() types.ResourceKind

	// ListRunning enumerates resources currently deployed on the backend.
	// The sequence may be paginated and is not sorted. A non-nil error ends
	// the enumeration.
	ListRunning(ctx context.Context) iter.Seq2[types.ResourceID, error]

	// Upsert creates or updates the resource to match info
	Upsert(ctx context.Context, info *types.ResourceInfo) error

	// Delete removes the resource. Deleting an absent resource succeeds.
	Delete(ctx context.Context, id types.ResourceID) error
}

// RetryAfterError carries a backend's suggested retry delay
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with a suggested retry delay
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryAfterError{Err: err, After: after}
}

// Delay returns how long to wait before retrying after err. Backend hints
// and TransientError hints win; anything else gets DefaultRetryDelay.
func Delay(err error) time.Duration {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After
	}
	var te *types.TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	return DefaultRetryDelay
}

// Collect drains a ListRunning sequence into a slice. It is meant for tests
// and small backends; the runner consumes the sequence incrementally.
func Collect(seq iter.Seq2[types.ResourceID, error]) ([]types.ResourceID, error) {
	var ids []types.ResourceID
	for id, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
