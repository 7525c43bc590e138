package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/tether/pkg/types"
)

// ErrNotFound is returned when a resource or record does not exist. It
// wraps types.ErrNotFound so callers can check either.
var ErrNotFound = types.ErrNotFound

// ErrConflict is returned when creating a resource whose id is in use
var ErrConflict = types.ErrConflict

// TrackedResource is the runner's local record of a resource it should run.
// Fingerprint is zero until the first successful upsert.
type TrackedResource struct {
	ID          types.ResourceID   `json:"id"`
	Kind        types.ResourceKind `json:"kind"`
	Fingerprint uint64             `json:"fingerprint,omitempty"`
	ConvergedAt time.Time          `json:"converged_at,omitempty"`
	TrackedAt   time.Time          `json:"tracked_at"`
}

// TrackingStore holds the set of resource ids a runner reconciles
type TrackingStore interface {
	// ListTracked returns every tracked resource of kind
	ListTracked(ctx context.Context, kind types.ResourceKind) ([]TrackedResource, error)

	// Track records id if it is not tracked yet. Existing records are kept.
	Track(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error

	// MarkConverged stores the fingerprint of the spec last applied for id
	MarkConverged(ctx context.Context, kind types.ResourceKind, id types.ResourceID, fingerprint uint64) error

	// Forget removes id. Forgetting an unknown id succeeds.
	Forget(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error
}

// ResourceStore holds full resource specifications
type ResourceStore interface {
	// CreateResource stores a new resource. An id already in use, under any
	// kind or tenant, returns ErrConflict.
	CreateResource(ctx context.Context, info *types.ResourceInfo) error
	// UpdateResource replaces the live resource with the same id, kind and
	// tenant. Anything else returns ErrNotFound.
	UpdateResource(ctx context.Context, info *types.ResourceInfo) error
	// GetResource returns ErrNotFound for unknown or deleted resources
	GetResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error)
	DeleteResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error
	// ListResources returns the live resources of kind assigned to runner
	ListResources(ctx context.Context, kind types.ResourceKind, runner types.RunnerIdentity) ([]*types.ResourceInfo, error)
	Close() error
}

// Store is implemented by stores that hold both tracking records and
// resource specifications, such as the self-hosted runner's local store.
type Store interface {
	TrackingStore
	ResourceStore
}

// IsNotFound reports whether err is a not found error from any store
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
