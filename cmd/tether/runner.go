package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/config"
	"github.com/cuemby/tether/pkg/controlplane"
	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/executor"
	containerdexec "github.com/cuemby/tether/pkg/executor/containerd"
	k8sexec "github.com/cuemby/tether/pkg/executor/kubernetes"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/runner"
	"github.com/cuemby/tether/pkg/storage"
	"github.com/cuemby/tether/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run the runner agent",
	Long: `Run the runner agent.

In self-hosted mode the runner serves the resource API itself on
bind_address and keeps its desired state in a local database under data_dir.

In managed mode the runner fetches desired state from the control plane at
managed.api_url and receives change notifications over the stream at
managed.stream_addr. Only one instance per runner id can hold the stream.`,
	RunE: runRunner,
}

func init() {
	runnerCmd.Flags().StringP("config", "c", "", "Path to the runner config file")
}

func runRunner(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.LoadRunner(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	initLogging(cmd, settings.Log)
	identity := settings.Identity()
	logger := log.WithRunner(log.WithComponent("runner-agent"), identity)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(settings.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(settings.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	executors, closeExecutors, err := buildExecutors(settings)
	if err != nil {
		return err
	}
	defer closeExecutors()
	metrics.RegisterComponent("executor", true, string(settings.Executor.Backend))

	group, groupCtx := errgroup.WithContext(ctx)

	var (
		mode  controlplane.Mode
		start func(r *runner.Runner)
	)
	switch settings.Mode {
	case config.ModeSelfHosted:
		broker := events.NewMemoryBroker()
		reg := api.NewRegistry(api.DefaultMiddleware(log.WithComponent("api"), api.NewAuthenticator(settings.SelfHosted.JWTSecret))...)
		api.NewResourceService(store, broker).Register(reg)
		mode = controlplane.SelfHosted{Registry: reg, JWTSecret: settings.SelfHosted.JWTSecret, Identity: identity}

		metrics.SetCriticalComponents("store", "executor", "api")
		start = func(r *runner.Runner) {
			group.Go(func() error { return r.Follow(groupCtx, broker) })
			serveHTTP(groupCtx, group, logger, "api", settings.BindAddress, api.NewRouter(reg))
		}

	case config.ModeManaged:
		mode = controlplane.Managed{
			BaseURL:   settings.Managed.APIURL,
			Identity:  identity,
			APIToken:  settings.Managed.APIToken,
			UserAgent: "tether-runner/" + Version,
		}
		streamClient, err := stream.NewClient(stream.ClientConfig{
			Address: settings.Managed.StreamAddr,
			Token:   settings.Managed.APIToken,
			Agent:   "tether-runner/" + Version,
			TLS:     settings.Managed.StreamTLS,
		})
		if err != nil {
			return err
		}
		defer streamClient.Close()

		metrics.SetCriticalComponents("store", "executor")
		start = func(r *runner.Runner) {
			group.Go(func() error { return streamClient.Run(groupCtx, r) })
			if settings.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("GET /health", metrics.HealthHandler())
				mux.HandleFunc("GET /ready", metrics.ReadyHandler())
				mux.HandleFunc("GET /live", metrics.LivenessHandler())
				mux.Handle("GET /metrics", metrics.Handler())
				serveHTTP(groupCtx, group, logger, "metrics", settings.MetricsAddress, mux)
			}
		}
	}

	cp, err := controlplane.New(mode)
	if err != nil {
		return fmt.Errorf("failed to create control plane client: %w", err)
	}

	r, err := runner.New(runner.Config{
		Identity:              identity,
		Executors:             executors,
		Store:                 store,
		ControlPlane:          cp,
		FullReconcileInterval: settings.FullReconcileInterval,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(r)
	collector.Start()
	defer collector.Stop()

	logger.Info().
		Str("mode", controlplane.ModeName(mode)).
		Str("backend", string(settings.Executor.Backend)).
		Msg("Starting runner agent")

	group.Go(func() error { return r.Run(groupCtx) })
	start(r)

	return group.Wait()
}

// buildExecutors creates the executors for the configured backend
func buildExecutors(settings *config.RunnerSettings) ([]executor.Executor, func(), error) {
	switch settings.Executor.Backend {
	case config.BackendContainerd:
		exec, err := containerdexec.NewDeploymentExecutor(containerdexec.Config{
			SocketPath: settings.Executor.ContainerdSocket,
			Namespace:  settings.Executor.Namespace,
			DataDir:    filepath.Join(settings.DataDir, "containerd"),
		})
		if err != nil {
			return nil, nil, err
		}
		return []executor.Executor{exec}, func() { _ = exec.Close() }, nil

	default:
		c, err := k8sexec.NewClient(settings.Executor.Kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		executors := k8sexec.Executors(c, k8sexec.Config{
			Namespace:    settings.Executor.Namespace,
			StorageClass: settings.Executor.StorageClass,
		})
		return executors, func() {}, nil
	}
}

// serveHTTP runs handler on addr inside group and shuts it down with ctx
func serveHTTP(ctx context.Context, group *errgroup.Group, logger zerolog.Logger, name, addr string, handler http.Handler) {
	server := api.NewHTTPServer(addr, handler)
	group.Go(func() error {
		logger.Info().Str("address", addr).Msgf("%s server listening", name)
		metrics.RegisterComponent(name, true, "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server error: %w", name, err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
