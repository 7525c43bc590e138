package controlplane

import (
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
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultBreakerTimeout = 30 * time.Second
	breakerTripFailures   = 5
	maxResponseBytes      = 4 << 20
)

type managedClient struct {
	baseURL   string
	identity  types.RunnerIdentity
	token     string
	userAgent string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker[[]byte]
	logger    zerolog.Logger
}

func newManagedClient(m Managed) (*managedClient, error) {
	base, err := url.Parse(m.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid control plane url %q", m.BaseURL)
	}
	if m.APIToken == "" {
		return nil, errors.New("managed mode requires an API token")
	}

	httpClient := m.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	breakerTimeout := m.BreakerTimeout
	if breakerTimeout == 0 {
		breakerTimeout = defaultBreakerTimeout
	}
	userAgent := m.UserAgent
	if userAgent == "" {
		userAgent = "tether-runner/" + m.Identity.RunnerID.String()
	}

	logger := log.WithRunner(log.WithComponent("controlplane"), m.Identity)
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "controlplane",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripFailures
		},
		// An answer from the control plane, even a negative one, means it is up
		IsSuccessful: func(err error) bool {
			var apiErr *api.Error
			return err == nil || (errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Control plane circuit breaker changed state")
		},
	})

	return &managedClient{
		baseURL:   strings.TrimSuffix(base.String(), "/"),
		identity:  m.Identity,
		token:     m.APIToken,
		userAgent: userAgent,
		http:      httpClient,
		breaker:   breaker,
		logger:    logger,
	}, nil
}

func (c *managedClient) GetResourceInfo(ctx context.Context, kind types.ResourceKind, id types.ResourceID) (*types.ResourceInfo, error) {
	data, err := c.get(ctx, api.InfoPath(c.identity.TenantID, kind, id))
	if err != nil {
		return nil, err
	}
	var info types.ResourceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, types.Transient(fmt.Errorf("failed to decode resource info: %w", err))
	}
	return &info, nil
}

func (c *managedClient) ListAssigned(ctx context.Context, kind types.ResourceKind) ([]types.ResourceID, error) {
	data, err := c.get(ctx, api.AssignedPath(c.identity, kind))
	if err != nil {
		return nil, err
	}
	var resp api.AssignedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, types.Transient(fmt.Errorf("failed to decode assigned resources: %w", err))
	}
	return resp.IDs, nil
}

// get performs an authenticated GET and returns the envelope's data
func (c *managedClient) get(ctx context.Context, path string) ([]byte, error) {
	data, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, path)
	})
	if err == nil {
		return data, nil
	}

	var apiErr *api.Error
	switch {
	case errors.As(err, &apiErr):
		return nil, classify(apiErr)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.logger.Debug().Str("path", path).Msg("Skipping control plane call, circuit open")
		return nil, &types.TransientError{Err: fmt.Errorf("control plane unavailable: %w", err), RetryAfter: defaultBreakerTimeout}
	default:
		return nil, types.Transient(err)
	}
}

func (c *managedClient) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to control plane failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read control plane response: %w", err)
	}

	var env api.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, api.NewError(resp.StatusCode, api.CodeInternalServerError,
			fmt.Sprintf("%v: status %d", errUnexpectedResponse, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, api.NewError(resp.StatusCode, env.Error, env.Message)
	}
	return env.Data, nil
}
