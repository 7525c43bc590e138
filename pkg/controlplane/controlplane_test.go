package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/storage"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "controlplane-test-secret"

func newRegistry(t *testing.T) (*api.Registry, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := api.NewRegistry(api.DefaultMiddleware(log.WithComponent("controlplane-test"), api.NewAuthenticator(testSecret))...)
	api.NewResourceService(store, events.NewMemoryBroker()).Register(reg)
	return reg, store
}

func testSite(runner types.RunnerIdentity) *types.ResourceInfo {
	return &types.ResourceInfo{
		ID:         uuid.New(),
		Kind:       types.KindStaticSite,
		TenantID:   runner.TenantID,
		RunnerID:   runner.RunnerID,
		StaticSite: &types.StaticSiteSpec{Name: "docs", IndexDocument: "index.html"},
	}
}

// clientsUnderTest returns a self-hosted and a managed client backed by the
// same registry so both paths are checked against one contract
func clientsUnderTest(t *testing.T, reg *api.Registry, runner types.RunnerIdentity) map[string]Client {
	t.Helper()

	local, err := New(SelfHosted{Registry: reg, JWTSecret: testSecret, Identity: runner})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewRouter(reg))
	t.Cleanup(srv.Close)

	issuer, err := api.NewTokenIssuer(testSecret)
	require.NoError(t, err)
	token, err := issuer.IssueRunnerToken(runner, 0)
	require.NoError(t, err)

	remote, err := New(Managed{BaseURL: srv.URL, Identity: runner, APIToken: token, UserAgent: "tether-test"})
	require.NoError(t, err)

	return map[string]Client{"self-hosted": local, "managed": remote}
}

func TestClientContract(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)
	runner := types.RunnerIdentity{TenantID: uuid.New(), RunnerID: uuid.New()}

	site := testSite(runner)
	require.NoError(t, store.CreateResource(ctx, site))
	foreign := testSite(types.RunnerIdentity{TenantID: runner.TenantID, RunnerID: uuid.New()})
	require.NoError(t, store.CreateResource(ctx, foreign))

	for name, client := range clientsUnderTest(t, reg, runner) {
		t.Run(name, func(t *testing.T) {
			info, err := client.GetResourceInfo(ctx, types.KindStaticSite, site.ID)
			require.NoError(t, err)
			assert.Equal(t, site.ID, info.ID)
			assert.Equal(t, "docs", info.StaticSite.Name)

			_, err = client.GetResourceInfo(ctx, types.KindStaticSite, uuid.New())
			assert.True(t, types.IsNotFound(err), "unknown resource: %v", err)

			_, err = client.GetResourceInfo(ctx, types.KindStaticSite, foreign.ID)
			assert.True(t, types.IsNotFound(err), "foreign resource: %v", err)

			ids, err := client.ListAssigned(ctx, types.KindStaticSite)
			require.NoError(t, err)
			assert.Equal(t, []types.ResourceID{site.ID}, ids)
		})
	}
}

func TestSelfHostedRequiresRegistry(t *testing.T) {
	_, err := New(SelfHosted{JWTSecret: testSecret})
	assert.Error(t, err)
}

func TestManagedValidation(t *testing.T) {
	_, err := New(Managed{BaseURL: "not a url", APIToken: "x"})
	assert.Error(t, err)

	_, err = New(Managed{BaseURL: "https://api.example.com"})
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestManagedSendsCredentials(t *testing.T) {
	runner := types.RunnerIdentity{TenantID: uuid.New(), RunnerID: uuid.New()}
	site := testSite(runner)

	var gotAuth, gotAgent, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		data, _ := json.Marshal(site)
		_ = json.NewEncoder(w).Encode(api.Envelope{Success: true, Data: data})
	}))
	defer srv.Close()

	client, err := New(Managed{BaseURL: srv.URL + "/", Identity: runner, APIToken: "secret-token", UserAgent: "runner/1"})
	require.NoError(t, err)

	_, err = client.GetResourceInfo(context.Background(), types.KindStaticSite, site.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "runner/1", gotAgent)
	assert.Equal(t, api.InfoPath(runner.TenantID, types.KindStaticSite, site.ID), gotPath)
}

func TestManagedErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantNotFound  bool
		wantTransient bool
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"success":false,"error":"resourceDoesNotExist"}`, wantNotFound: true},
		{name: "route missing", status: http.StatusNotFound, body: `404 page not found`, wantTransient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"success":false,"error":"unauthorized"}`, wantTransient: true},
		{name: "server error", status: http.StatusInternalServerError, body: `{"success":false,"error":"internalServerError"}`, wantTransient: true},
		{name: "bad gateway html", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, wantTransient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client, err := New(Managed{BaseURL: srv.URL, APIToken: "t"})
			require.NoError(t, err)

			_, err = client.GetResourceInfo(context.Background(), types.KindDeployment, uuid.New())
			require.Error(t, err)
			assert.Equal(t, tt.wantNotFound, types.IsNotFound(err), "not found: %v", err)
			assert.Equal(t, tt.wantTransient, types.IsTransient(err), "transient: %v", err)
		})
	}
}

func TestManagedNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := New(Managed{BaseURL: url, APIToken: "t", HTTPClient: &http.Client{Timeout: time.Second}})
	require.NoError(t, err)

	_, err = client.GetResourceInfo(context.Background(), types.KindDeployment, uuid.New())
	assert.True(t, types.IsTransient(err))
}

func TestManagedCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := New(Managed{BaseURL: srv.URL, APIToken: "t", BreakerTimeout: time.Hour})
	require.NoError(t, err)

	for range breakerTripFailures + 3 {
		_, err := client.GetResourceInfo(context.Background(), types.KindDeployment, uuid.New())
		assert.True(t, types.IsTransient(err))
	}
	assert.Equal(t, int32(breakerTripFailures), calls.Load(), "open circuit must not reach the server")
}

func TestManagedNotFoundDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"resourceDoesNotExist"}`))
	}))
	defer srv.Close()

	client, err := New(Managed{BaseURL: srv.URL, APIToken: "t"})
	require.NoError(t, err)

	for range breakerTripFailures * 2 {
		_, err := client.GetResourceInfo(context.Background(), types.KindDeployment, uuid.New())
		assert.True(t, types.IsNotFound(err))
	}
	assert.Equal(t, int32(breakerTripFailures*2), calls.Load())
}

func TestModeName(t *testing.T) {
	assert.Equal(t, "self-hosted", ModeName(SelfHosted{}))
	assert.Equal(t, "managed", ModeName(Managed{}))
	assert.Equal(t, "", ModeName(nil))
}
