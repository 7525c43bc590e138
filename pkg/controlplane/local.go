package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/types"
)

type localClient struct {
	registry *api.Registry
	identity types.RunnerIdentity
	header   http.Header
}

func newLocalClient(m SelfHosted) (*localClient, error) {
	if m.Registry == nil {
		return nil, errors.New("self-hosted mode requires an API registry")
	}
	issuer, err := api.NewTokenIssuer(m.JWTSecret)
	if err != nil {
		return nil, err
	}
	token, err := issuer.IssueRunnerToken(m.Identity, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mint local runner token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return &localClient{registry: m.Registry, identity: m.Identity, header: header}, nil
}

func (c *localClient) GetResourceInfo(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error) {
	data, err := c.dispatch(ctx, api.InfoPath(c.identity.TenantID, kind, id))
	if err != nil {
		return nil, err
	}
	info, ok := data.(*types.ResourceInfo)
	if !ok {
		return nil, &types.InternalError{Err: fmt.Errorf("%w: %T", errUnexpectedResponse, data)}
	}
	return info, nil
}

func (c *localClient) ListAssigned(ctx context.Context, kind types.ResourceKind) ([]types.ResourceID, error) {
	data, err := c.dispatch(ctx, api.AssignedPath(c.identity, kind))
	if err != nil {
		return nil, err
	}
	resp, ok := data.(api.AssignedResponse)
	if !ok {
		return nil, &types.InternalError{Err: fmt.Errorf("%w: %T", errUnexpectedResponse, data)}
	}
	return resp.IDs, nil
}

func (c *localClient) dispatch(ctx context.Context, path string) (any, error) {
	data, err := c.registry.Dispatch(ctx, &api.Request{
		Method: http.MethodGet,
		Path:   path,
		Header: c.header.Clone(),
	})
	if err != nil {
		return nil, classify(api.ErrorFor(err))
	}
	return data, nil
}
