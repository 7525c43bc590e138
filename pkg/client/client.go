package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// Client wraps the tether resource API for CLI usage. It authenticates with
// an operator token scoped to one workspace.
type Client struct {
	baseURL string
	tenant  uuid.UUID
	token   string
	http    *http.Client
}

// NewClient creates a client for the workspace tenant
func NewClient(baseURL string, tenant uuid.UUID, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid api url %q", baseURL)
	}
	if tenant == uuid.Nil {
		return nil, errors.New("workspace id is required")
	}
	if token == "" {
		return nil, errors.New("api token is required")
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		tenant:  tenant,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// GetResource returns a resource's desired spec
func (c *Client) GetResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error) {
	var info types.ResourceInfo
	if err := c.do(ctx, http.MethodGet, api.InfoPath(c.tenant, kind, id), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateResource stores a new resource. The server assigns an id unless
// info carries one.
func (c *Client) CreateResource(ctx context.Context, info *types.ResourceInfo) (*types.ResourceInfo, error) {
	path := api.Path(api.PatternResources, map[string]string{
		"tenant": c.tenant.String(),
		"kind":   string(info.Kind),
	})
	var created types.ResourceInfo
	if err := c.do(ctx, http.MethodPost, path, info, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateResource replaces the spec of an existing resource
func (c *Client) UpdateResource(ctx context.Context, info *types.ResourceInfo) (*types.ResourceInfo, error) {
	var updated types.ResourceInfo
	if err := c.do(ctx, http.MethodPut, c.resourcePath(info.Kind, info.ID), info, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteResource removes a resource
func (c *Client) DeleteResource(ctx context.Context, kind types.ResourceKind, id types.ResourceID) error {
	return c.do(ctx, http.MethodDelete, c.resourcePath(kind, id), nil, nil)
}

// ListAssigned returns the ids of kind assigned to a runner of the workspace
func (c *Client) ListAssigned(ctx context.Context, runner uuid.UUID, kind types.ResourceKind) ([]types.ResourceID, error) {
	var resp api.AssignedResponse
	path := api.AssignedPath(types.RunnerIdentity{TenantID: c.tenant, RunnerID: runner}, kind)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *Client) resourcePath(kind types.ResourceKind, id types.ResourceID) string {
	return api.Path(api.PatternResource, map[string]string{
		"tenant": c.tenant.String(),
		"kind":   string(kind),
		"id":     id.String(),
	})
}

// do sends one request and decodes the envelope's data into out. API
// failures come back as *api.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env api.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return api.NewError(resp.StatusCode, env.Error, env.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// IsNotFound reports whether err is the API's resourceDoesNotExist error
func IsNotFound(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.Code == api.CodeResourceDoesNotExist
}
