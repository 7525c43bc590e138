package containerd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/containerd/errdefs"
	"github.com/cuemby/tether/pkg/executor"
	"github.com/cuemby/tether/pkg/health"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnv(t *testing.T) {
	secret := uuid.MustParse("6f1c2b44-6a4f-4f59-9d0e-2b5a1f0f7c11")
	value := "production"

	env := buildEnv(types.RunningDetails{
		EnvironmentVariables: map[string]types.EnvVar{
			"MODE":     {Value: &value},
			"DB_TOKEN": {FromSecret: &secret},
		},
	})

	assert.Equal(t, []string{
		"DB_TOKEN_FILE=/run/secrets/6f1c2b44-6a4f-4f59-9d0e-2b5a1f0f7c11",
		"MODE=production",
	}, env)
}

func TestListFilter(t *testing.T) {
	assert.Equal(t,
		`labels."tether.cuemby.com/managed-by"==tether,labels."tether.cuemby.com/kind"==deployment`,
		listFilter(types.KindDeployment))
}

func TestRenderMounts(t *testing.T) {
	dataDir := t.TempDir()
	volume := uuid.New()
	e := &DeploymentExecutor{
		cfg:    Config{DataDir: dataDir, SecretsDir: "/var/lib/tether/secrets"},
		logger: zerolog.Nop(),
	}

	info := &types.ResourceInfo{
		ID:   uuid.New(),
		Kind: types.KindDeployment,
		Deployment: &types.DeploymentInfo{
			RunningDetails: types.RunningDetails{
				ConfigMounts: map[string][]byte{"/etc/app/config.yaml": []byte("debug: true")},
				Volumes:      map[uuid.UUID]string{volume: "/data"},
			},
		},
	}

	mounts, err := e.renderMounts(info)
	require.NoError(t, err)
	require.Len(t, mounts, 3)

	assert.Equal(t, "/etc/app/config.yaml", mounts[0].Destination)
	assert.Contains(t, mounts[0].Options, "ro")
	assert.FileExists(t, mounts[0].Source)

	assert.Equal(t, "/data", mounts[1].Destination)
	assert.DirExists(t, mounts[1].Source)
	assert.NotContains(t, mounts[1].Options, "ro")

	assert.Equal(t, "/run/secrets", mounts[2].Destination)
}

func TestRenderMountsRequiresDataDir(t *testing.T) {
	e := &DeploymentExecutor{logger: zerolog.Nop()}
	info := &types.ResourceInfo{
		ID: uuid.New(),
		Deployment: &types.DeploymentInfo{
			RunningDetails: types.RunningDetails{
				ConfigMounts: map[string][]byte{"/etc/app.conf": nil},
			},
		},
	}

	_, err := e.renderMounts(info)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected time.Duration
	}{
		{name: "unavailable", err: fmt.Errorf("dial: %w", errdefs.ErrUnavailable), expected: 10 * time.Second},
		{name: "already exists", err: errdefs.ErrAlreadyExists, expected: 2 * time.Second},
		{name: "not found", err: errdefs.ErrNotFound, expected: 5 * time.Second},
		{name: "other", err: errors.New("snapshotter broke"), expected: executor.DefaultRetryDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, executor.Delay(classify("op", tt.err)))
		})
	}
}

func TestProbesFor(t *testing.T) {
	tests := []struct {
		name     string
		rd       types.RunningDetails
		startup  string
		liveness string
	}{
		{name: "none"},
		{
			name:    "startup only",
			rd:      types.RunningDetails{StartupProbe: &types.Probe{Port: 8080, Path: "/healthz"}},
			startup: "http://127.0.0.1:8080/healthz",
		},
		{
			name: "both",
			rd: types.RunningDetails{
				StartupProbe:  &types.Probe{Port: 8080, Path: "/ready"},
				LivenessProbe: &types.Probe{Port: 9090, Path: "live"},
			},
			startup:  "http://127.0.0.1:8080/ready",
			liveness: "http://127.0.0.1:9090/live",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probes := probesFor(tt.rd)

			if tt.startup == "" {
				assert.Nil(t, probes.Startup)
			} else {
				require.IsType(t, &health.HTTPChecker{}, probes.Startup)
				assert.Equal(t, tt.startup, probes.Startup.(*health.HTTPChecker).URL)
			}
			if tt.liveness == "" {
				assert.Nil(t, probes.Liveness)
			} else {
				require.IsType(t, &health.HTTPChecker{}, probes.Liveness)
				assert.Equal(t, tt.liveness, probes.Liveness.(*health.HTTPChecker).URL)
			}
		})
	}
}

func TestWatchFollowsDeploymentState(t *testing.T) {
	monitor := health.NewMonitor(health.StartupConfig(), health.DefaultConfig())
	t.Cleanup(monitor.Stop)
	e := &DeploymentExecutor{monitor: monitor, logger: zerolog.Nop()}

	info := &types.ResourceInfo{
		ID:   uuid.New(),
		Kind: types.KindDeployment,
		Deployment: &types.DeploymentInfo{
			Spec: types.DeploymentSpec{Status: types.DeploymentStatusRunning},
			RunningDetails: types.RunningDetails{
				Ports:         map[uint16]types.ExposedPortType{8080: types.PortTypeHTTP},
				LivenessProbe: &types.Probe{Port: 8080, Path: "/healthz"},
			},
		},
	}

	e.watch(info)
	assert.True(t, monitor.Watching(info.ID), "running deployment with a probe")

	info.Deployment.Spec.Status = types.DeploymentStatusStopped
	e.watch(info)
	assert.False(t, monitor.Watching(info.ID), "stopped deployment")

	info.Deployment.Spec.Status = types.DeploymentStatusRunning
	info.Deployment.RunningDetails.LivenessProbe = nil
	e.watch(info)
	assert.False(t, monitor.Watching(info.ID), "deployment without probes")
}

func TestRemoveConfigLogsFailure(t *testing.T) {
	// A regular file where the data dir should be makes removal fail
	dataDir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(dataDir, nil, 0600))

	var buf bytes.Buffer
	e := &DeploymentExecutor{cfg: Config{DataDir: dataDir}, logger: zerolog.New(&buf)}
	e.removeConfig(uuid.New())

	assert.Contains(t, buf.String(), "Failed to remove rendered config mounts")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestRemoveConfig(t *testing.T) {
	dataDir := t.TempDir()
	id := uuid.New()
	dir := filepath.Join(dataDir, "config", id.String())
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mount-0"), []byte("x"), 0600))

	var buf bytes.Buffer
	e := &DeploymentExecutor{cfg: Config{DataDir: dataDir}, logger: zerolog.New(&buf)}
	e.removeConfig(id)

	assert.NoDirExists(t, dir)
	assert.Empty(t, buf.String())
}
