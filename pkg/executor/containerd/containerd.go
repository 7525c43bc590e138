package containerd

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/tether/pkg/executor"
	"github.com/cuemby/tether/pkg/health"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for tether workloads
	DefaultNamespace = "tether"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	labelManagedBy   = "tether.cuemby.com/managed-by"
	labelKind        = "tether.cuemby.com/kind"
	labelResourceID  = "tether.cuemby.com/resource-id"
	labelFingerprint = "tether.cuemby.com/fingerprint"

	stopTimeout = 10 * time.Second
)

// Config configures the containerd executor
type Config struct {
	SocketPath string
	Namespace  string
	// DataDir holds rendered config mounts and local volumes
	DataDir string
	// SecretsDir is bind mounted read-only at /run/secrets when set
	SecretsDir string
}

// DeploymentExecutor runs each deployment as a single containerd task on
// the host network. It is meant for single-node self-hosted runners.
// Startup and liveness probes are checked locally and a failing task is
// restarted.
type DeploymentExecutor struct {
	client  *containerd.Client
	cfg     Config
	monitor *health.Monitor
	logger  zerolog.Logger
}

// NewDeploymentExecutor connects to containerd
func NewDeploymentExecutor(cfg Config) (*DeploymentExecutor, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &DeploymentExecutor{
		client:  client,
		cfg:     cfg,
		monitor: health.NewMonitor(health.StartupConfig(), health.DefaultConfig()),
		logger:  log.WithComponent("containerd"),
	}, nil
}

// Close stops probing and closes the containerd client connection
func (e *DeploymentExecutor) Close() error {
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *DeploymentExecutor) Kind() types.ResourceKind {
	return types.KindDeployment
}

func containerID(id types.ResourceID) string {
	return "app-" + id.String()
}

// listFilter selects the containers this executor created
func listFilter(kind types.ResourceKind) string {
	return fmt.Sprintf(`labels."%s"==tether,labels."%s"==%s`, labelManagedBy, labelKind, kind)
}

func (e *DeploymentExecutor) ListRunning(ctx context.Context) iter.Seq2[types.ResourceID, error] {
	return func(yield func(types.ResourceID, error) bool) {
		ctx := namespaces.WithNamespace(ctx, e.cfg.Namespace)

		timer := metrics.NewTimer()
		containers, err := e.client.Containers(ctx, listFilter(types.KindDeployment))
		timer.ObserveDurationVec(metrics.ExecutorDuration, string(types.KindDeployment), "list")
		if err != nil {
			yield(uuid.Nil, classify("list containers", err))
			return
		}

		for _, c := range containers {
			labels, err := c.Labels(ctx)
			if err != nil {
				if !yield(uuid.Nil, classify("read labels", err)) {
					return
				}
				continue
			}
			id, err := uuid.Parse(labels[labelResourceID])
			if err != nil {
				e.logger.Warn().Str("container", c.ID()).Msg("Skipping container with invalid resource id label")
				continue
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Upsert recreates the container whenever the spec fingerprint changes and
// restarts the task if it is not running.
func (e *DeploymentExecutor) Upsert(ctx context.Context, info *types.ResourceInfo) error {
	if err := e.upsert(ctx, info); err != nil {
		return err
	}
	e.watch(info)
	return nil
}

func (e *DeploymentExecutor) upsert(ctx context.Context, info *types.ResourceInfo) error {
	if info.Deployment == nil {
		return fmt.Errorf("resource %s has no deployment spec", info.ID)
	}
	ctx = namespaces.WithNamespace(ctx, e.cfg.Namespace)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorDuration, string(types.KindDeployment), "upsert")

	fingerprint := strconv.FormatUint(info.Fingerprint(), 16)
	id := containerID(info.ID)

	existing, err := e.client.LoadContainer(ctx, id)
	switch {
	case err == nil:
		labels, err := existing.Labels(ctx)
		if err != nil {
			return classify("read labels", err)
		}
		if labels[labelFingerprint] == fingerprint {
			return e.ensureRunning(ctx, existing, info.Deployment)
		}
		if err := e.remove(ctx, existing); err != nil {
			return err
		}
	case !errdefs.IsNotFound(err):
		return classify("load container", err)
	}

	if info.Deployment.Spec.Status == types.DeploymentStatusStopped {
		return nil
	}

	image, err := e.client.Pull(ctx, info.Deployment.Spec.Image(), containerd.WithPullUnpack)
	if err != nil {
		return classify("pull image", err)
	}

	mounts, err := e.renderMounts(info)
	if err != nil {
		return err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(buildEnv(info.Deployment.RunningDetails)),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithMounts(mounts),
	}

	container, err := e.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{
			labelManagedBy:   "tether",
			labelKind:        string(types.KindDeployment),
			labelResourceID:  info.ID.String(),
			labelFingerprint: fingerprint,
		}),
	)
	if err != nil {
		return classify("create container", err)
	}

	return e.ensureRunning(ctx, container, info.Deployment)
}

func (e *DeploymentExecutor) Delete(ctx context.Context, id types.ResourceID) error {
	ctx = namespaces.WithNamespace(ctx, e.cfg.Namespace)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutorDuration, string(types.KindDeployment), "delete")

	e.monitor.Unwatch(id)

	container, err := e.client.LoadContainer(ctx, containerID(id))
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return classify("load container", err)
	}
	if err := e.remove(ctx, container); err != nil {
		return err
	}
	e.removeConfig(id)
	return nil
}

// removeConfig deletes the rendered config mounts of a deployment
func (e *DeploymentExecutor) removeConfig(id types.ResourceID) {
	if e.cfg.DataDir == "" {
		return
	}
	dir := filepath.Join(e.cfg.DataDir, "config", id.String())
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove rendered config mounts")
	}
}

// ensureRunning starts a task unless one is running; stopped deployments
// have their task stopped instead.
func (e *DeploymentExecutor) ensureRunning(ctx context.Context, container containerd.Container, d *types.DeploymentInfo) error {
	task, err := container.Task(ctx, nil)
	if err != nil && !errdefs.IsNotFound(err) {
		return classify("load task", err)
	}

	if d.Spec.Status == types.DeploymentStatusStopped {
		if task != nil {
			return e.stopTask(ctx, task)
		}
		return nil
	}

	if task != nil {
		status, err := task.Status(ctx)
		if err != nil {
			return classify("task status", err)
		}
		if status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return classify("delete task", err)
		}
	}

	return e.startTask(ctx, container)
}

func (e *DeploymentExecutor) startTask(ctx context.Context, container containerd.Container) error {
	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return classify("create task", err)
	}
	if err := task.Start(ctx); err != nil {
		return classify("start task", err)
	}
	return nil
}

// watch keeps probing a running deployment. Stopped deployments and
// deployments without probes are not watched.
func (e *DeploymentExecutor) watch(info *types.ResourceInfo) {
	if info.Deployment.Spec.Status == types.DeploymentStatusStopped {
		e.monitor.Unwatch(info.ID)
		return
	}

	id := info.ID
	key := strconv.FormatUint(info.Fingerprint(), 16)
	e.monitor.Watch(id, key, probesFor(info.Deployment.RunningDetails), func(ctx context.Context, reason string) error {
		return e.restart(ctx, id, reason)
	})
}

// restart replaces the task of an unhealthy deployment
func (e *DeploymentExecutor) restart(ctx context.Context, id types.ResourceID, reason string) error {
	ctx = namespaces.WithNamespace(ctx, e.cfg.Namespace)

	container, err := e.client.LoadContainer(ctx, containerID(id))
	if err != nil {
		return classify("load container", err)
	}
	e.logger.Info().Str("resource_id", id.String()).Str("reason", reason).Msg("Restarting deployment task")

	task, err := container.Task(ctx, nil)
	switch {
	case err == nil:
		if err := e.stopTask(ctx, task); err != nil {
			return err
		}
	case !errdefs.IsNotFound(err):
		return classify("load task", err)
	}
	return e.startTask(ctx, container)
}

// probesFor builds checkers for the deployment probes. Tasks share the host
// network, so probes target the loopback address.
func probesFor(rd types.RunningDetails) health.Probes {
	var probes health.Probes
	if rd.StartupProbe != nil {
		probes.Startup = httpChecker(rd.StartupProbe, health.StartupConfig())
	}
	if rd.LivenessProbe != nil {
		probes.Liveness = httpChecker(rd.LivenessProbe, health.DefaultConfig())
	}
	return probes
}

func httpChecker(p *types.Probe, cfg health.Config) *health.HTTPChecker {
	target := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(int(p.Port))),
		Path:   p.Path,
	}
	return health.NewHTTPChecker(target.String()).WithTimeout(cfg.Timeout)
}

// stopTask sends SIGTERM and falls back to SIGKILL after stopTimeout
func (e *DeploymentExecutor) stopTask(ctx context.Context, task containerd.Task) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return classify("wait task", err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return classify("kill task", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return classify("force kill task", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return classify("delete task", err)
	}
	return nil
}

func (e *DeploymentExecutor) remove(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err == nil {
		if err := e.stopTask(ctx, task); err != nil {
			e.logger.Warn().Err(err).Str("container", container.ID()).Msg("Failed to stop task before delete")
		}
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return classify("delete container", err)
	}
	return nil
}

// renderMounts writes config mounts to disk and returns the bind mounts for
// them, the local volumes and the secrets directory.
func (e *DeploymentExecutor) renderMounts(info *types.ResourceInfo) ([]specs.Mount, error) {
	rd := info.Deployment.RunningDetails
	var mounts []specs.Mount

	if len(rd.ConfigMounts) > 0 || len(rd.Volumes) > 0 {
		if e.cfg.DataDir == "" {
			return nil, fmt.Errorf("containerd executor needs a data dir for config mounts and volumes")
		}
	}

	configDir := filepath.Join(e.cfg.DataDir, "config", info.ID.String())
	for i, path := range slices.Sorted(maps.Keys(rd.ConfigMounts)) {
		source := filepath.Join(configDir, fmt.Sprintf("mount-%d", i))
		if err := os.MkdirAll(configDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create config dir: %w", err)
		}
		if err := os.WriteFile(source, rd.ConfigMounts[path], 0600); err != nil {
			return nil, fmt.Errorf("failed to write config mount %s: %w", path, err)
		}
		mounts = append(mounts, bindMount(source, path, true))
	}

	for _, volumeID := range slices.SortedFunc(maps.Keys(rd.Volumes), func(a, b uuid.UUID) int {
		return slices.Compare(a[:], b[:])
	}) {
		source := filepath.Join(e.cfg.DataDir, "volumes", volumeID.String())
		if err := os.MkdirAll(source, 0755); err != nil {
			return nil, fmt.Errorf("failed to create volume dir: %w", err)
		}
		mounts = append(mounts, bindMount(source, rd.Volumes[volumeID], false))
	}

	if e.cfg.SecretsDir != "" {
		mounts = append(mounts, bindMount(e.cfg.SecretsDir, "/run/secrets", true))
	}
	return mounts, nil
}

func bindMount(source, destination string, readOnly bool) specs.Mount {
	options := []string{"rbind"}
	if readOnly {
		options = append(options, "ro")
	}
	return specs.Mount{
		Source:      source,
		Destination: destination,
		Type:        "bind",
		Options:     options,
	}
}

// buildEnv renders literal variables as NAME=value and secret references
// as NAME_FILE pointing into /run/secrets.
func buildEnv(rd types.RunningDetails) []string {
	var env []string
	for _, name := range slices.Sorted(maps.Keys(rd.EnvironmentVariables)) {
		v := rd.EnvironmentVariables[name]
		switch {
		case v.Value != nil:
			env = append(env, name+"="+*v.Value)
		case v.FromSecret != nil:
			env = append(env, name+"_FILE=/run/secrets/"+v.FromSecret.String())
		}
	}
	return env
}

// classify maps containerd errors onto retry hints
func classify(op string, err error) error {
	wrapped := fmt.Errorf("containerd %s: %w", op, err)
	switch {
	case errdefs.IsUnavailable(err):
		return executor.RetryAfter(wrapped, 10*time.Second)
	case errdefs.IsAlreadyExists(err), errdefs.IsFailedPrecondition(err):
		return executor.RetryAfter(wrapped, 2*time.Second)
	case errdefs.IsNotFound(err):
		return executor.RetryAfter(wrapped, 5*time.Second)
	}
	return wrapped
}
