package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/storage"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ResourceService serves the resource routes on top of a ResourceStore and
// announces every mutation on the Broadcaster
type ResourceService struct {
	store       storage.ResourceStore
	broadcaster events.Broadcaster
	logger      zerolog.Logger
	now         func() time.Time
}

// NewResourceService creates the resource handlers
func NewResourceService(store storage.ResourceStore, broadcaster events.Broadcaster) *ResourceService {
	return &ResourceService{
		store:       store,
		broadcaster: broadcaster,
		logger:      log.WithComponent("api"),
		now:         time.Now,
	}
}

// Register adds the resource routes to reg
func (s *ResourceService) Register(reg *Registry) {
	reg.Handle(http.MethodGet, PatternResourceInfo, "resource_info", s.getInfo)
	reg.Handle(http.MethodPost, PatternResources, "resource_create", s.create)
	reg.Handle(http.MethodPut, PatternResource, "resource_update", s.update)
	reg.Handle(http.MethodDelete, PatternResource, "resource_delete", s.delete)
	reg.Handle(http.MethodGet, PatternRunnerAssigned, "runner_assigned", s.listAssigned)
}

// AssignedResponse lists the resource ids assigned to a runner
type AssignedResponse struct {
	Kind types.ResourceKind `json:"kind"`
	IDs  []types.ResourceID `json:"ids"`
}

// getInfo returns the full desired spec of one resource. A runner only sees
// resources assigned to it; anything else does not exist from its view.
func (s *ResourceService) getInfo(ctx context.Context, req *Request) (any, error) {
	tenant, kind, id, err := resourceParams(req)
	if err != nil {
		return nil, err
	}

	info, err := s.store.GetResource(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if info.TenantID != tenant {
		return nil, types.ErrNotFound
	}
	if req.Claims != nil && req.Claims.IsRunner() && info.RunnerID != req.Claims.RunnerID {
		return nil, types.ErrNotFound
	}
	return info, nil
}

func (s *ResourceService) create(ctx context.Context, req *Request) (any, error) {
	tenant, kind, err := tenantKindParams(req)
	if err != nil {
		return nil, err
	}

	info, err := decodeInfo(req.Body)
	if err != nil {
		return nil, err
	}
	if info.ID == uuid.Nil {
		info.ID = uuid.New()
	}
	info.Kind = kind
	info.TenantID = tenant
	if err := validate(info); err != nil {
		return nil, err
	}

	if err := s.store.CreateResource(ctx, info); err != nil {
		if errors.Is(err, types.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store resource: %w", err)
	}
	s.publish(ctx, info.Runner(), kind, info.ID, types.ActionCreated)
	return info, nil
}

func (s *ResourceService) update(ctx context.Context, req *Request) (any, error) {
	tenant, kind, id, err := resourceParams(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetResource(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if existing.TenantID != tenant {
		return nil, types.ErrNotFound
	}

	info, err := decodeInfo(req.Body)
	if err != nil {
		return nil, err
	}
	info.ID = id
	info.Kind = kind
	info.TenantID = tenant
	if info.RunnerID == uuid.Nil {
		info.RunnerID = existing.RunnerID
	}
	if err := validate(info); err != nil {
		return nil, err
	}

	if err := s.store.UpdateResource(ctx, info); err != nil {
		if types.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store resource: %w", err)
	}

	// A reassigned resource disappears from the old runner
	if existing.RunnerID != info.RunnerID {
		s.publish(ctx, existing.Runner(), kind, id, types.ActionDeleted)
		s.publish(ctx, info.Runner(), kind, id, types.ActionCreated)
	} else {
		s.publish(ctx, info.Runner(), kind, id, types.ActionUpdated)
	}
	return info, nil
}

func (s *ResourceService) delete(ctx context.Context, req *Request) (any, error) {
	tenant, kind, id, err := resourceParams(req)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetResource(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if existing.TenantID != tenant {
		return nil, types.ErrNotFound
	}

	if err := s.store.DeleteResource(ctx, kind, id); err != nil {
		return nil, err
	}
	s.publish(ctx, existing.Runner(), kind, id, types.ActionDeleted)
	return nil, nil
}

func (s *ResourceService) listAssigned(ctx context.Context, req *Request) (any, error) {
	tenant, kind, err := tenantKindParams(req)
	if err != nil {
		return nil, err
	}
	runnerID, err := uuid.Parse(req.Param("runner"))
	if err != nil {
		return nil, BadRequest(fmt.Errorf("invalid runner id: %w", err))
	}

	infos, err := s.store.ListResources(ctx, kind, types.RunnerIdentity{TenantID: tenant, RunnerID: runnerID})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	resp := AssignedResponse{Kind: kind, IDs: make([]types.ResourceID, 0, len(infos))}
	for _, info := range infos {
		resp.IDs = append(resp.IDs, info.ID)
	}
	return resp, nil
}

// publish is fire-and-forget: the mutation already succeeded and the
// runner's next full pass picks it up if the event is lost
func (s *ResourceService) publish(ctx context.Context, runner types.RunnerIdentity, kind types.ResourceKind, id types.ResourceID, action types.ChangeAction) {
	event := types.ChangeEvent{Kind: kind, ID: id, Action: action, Timestamp: s.now()}
	if err := s.broadcaster.Publish(ctx, runner, event); err != nil {
		logger := log.WithResource(s.logger, kind, id)
		logger.Warn().
			Err(err).
			Str("action", string(action)).
			Str("runner", runner.String()).
			Msg("Failed to publish change event")
	}
}

func tenantKindParams(req *Request) (uuid.UUID, types.ResourceKind, error) {
	tenant, err := uuid.Parse(req.Param("tenant"))
	if err != nil {
		return uuid.Nil, "", BadRequest(fmt.Errorf("invalid workspace id: %w", err))
	}
	kind, err := types.ParseKind(req.Param("kind"))
	if err != nil {
		return uuid.Nil, "", BadRequest(err)
	}
	return tenant, kind, nil
}

func resourceParams(req *Request) (uuid.UUID, types.ResourceKind, types.ResourceID, error) {
	tenant, kind, err := tenantKindParams(req)
	if err != nil {
		return uuid.Nil, "", uuid.Nil, err
	}
	id, err := uuid.Parse(req.Param("id"))
	if err != nil {
		return uuid.Nil, "", uuid.Nil, BadRequest(fmt.Errorf("invalid resource id: %w", err))
	}
	return tenant, kind, id, nil
}

func decodeInfo(body []byte) (*types.ResourceInfo, error) {
	var info types.ResourceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, BadRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return &info, nil
}

func validate(info *types.ResourceInfo) error {
	if info.RunnerID == uuid.Nil {
		return BadRequest(fmt.Errorf("runner_id is required"))
	}
	if err := info.Validate(); err != nil {
		return BadRequest(err)
	}
	return nil
}
