package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/types"
)

// Client fetches desired state from the control plane. Errors are either
// wrapping types.ErrNotFound (the resource is gone upstream) or a
// *types.TransientError (try again later).
type Client interface {
	// GetResourceInfo returns the full desired spec of one resource
	GetResourceInfo(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error)

	// ListAssigned returns the ids of every resource of kind assigned to
	// this runner
	ListAssigned(ctx context.Context, kind types.ResourceKind) ([]types.ResourceID, error)
}

// Mode selects how a Client reaches the control plane. It is either
// SelfHosted or Managed.
type Mode interface {
	mode() string
}

// SelfHosted serves calls in process through the local API registry. The
// runner mints its own token with the local signing secret so calls pass
// the same middleware as remote ones.
type SelfHosted struct {
	Registry  *api.Registry
	JWTSecret string
	Identity  types.RunnerIdentity
}

func (SelfHosted) mode() string { return "self-hosted" }

// Managed calls a remote control plane over HTTP
type Managed struct {
	BaseURL   string
	Identity  types.RunnerIdentity
	APIToken  string
	UserAgent string

	// HTTPClient defaults to a client with a 30s timeout
	HTTPClient *http.Client
	// BreakerTimeout is how long the circuit stays open; defaults to 30s
	BreakerTimeout time.Duration
}

func (Managed) mode() string { return "managed" }

// New creates the Client for mode
func New(mode Mode) (Client, error) {
	switch m := mode.(type) {
	case SelfHosted:
		return newLocalClient(m)
	case *SelfHosted:
		return newLocalClient(*m)
	case Managed:
		return newManagedClient(m)
	case *Managed:
		return newManagedClient(*m)
	default:
		return nil, fmt.Errorf("unsupported control plane mode %T", mode)
	}
}

// ModeName returns "self-hosted" or "managed"
func ModeName(mode Mode) string {
	if mode == nil {
		return ""
	}
	return mode.mode()
}

// classify maps an API error code onto the client error taxonomy
func classify(apiErr *api.Error) error {
	if apiErr.Code == api.CodeResourceDoesNotExist {
		return fmt.Errorf("%s: %w", apiErr.Message, types.ErrNotFound)
	}
	return types.Transient(apiErr)
}

var errUnexpectedResponse = errors.New("unexpected response from control plane")
