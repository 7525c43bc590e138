package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/config"
	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/lock"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/storage"
	"github.com/cuemby/tether/pkg/stream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane server",
	Long: `Run the control plane server.

The server stores resources in MySQL, serves the resource API over HTTP and
streams change notifications to connected runners over gRPC. With Valkey
configured, any number of server instances can run side by side: the
connection lock and the change channels live in Valkey.

Without Valkey (development only) the lock and channels are in memory and a
single instance must be run.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Path to the server config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.LoadServer(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	initLogging(cmd, settings.Log)
	logger := log.WithComponent("server")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewPool(settings.DatabaseURL, storage.DefaultPoolConfig())
	if err != nil {
		return err
	}
	store := storage.NewSQLStore(db)
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	metrics.RegisterComponent("store", true, "")

	var (
		locker      lock.Locker
		broadcaster events.Broadcaster
	)
	critical := []string{"store", "api"}
	if settings.Valkey.Address != "" {
		client, err := lock.Dial(ctx, settings.Valkey.Address, settings.Valkey.Password, settings.Valkey.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = lock.NewValkeyLocker(client)
		broadcaster = events.NewValkeyBroadcaster(client)
		metrics.RegisterComponent("valkey", true, "")
		critical = append(critical, "valkey")
		go watchHealth(ctx, "valkey", func(ctx context.Context) error {
			return client.Do(ctx, client.B().Ping().Build()).Error()
		})
	} else {
		logger.Warn().Msg("No valkey address configured, using in-memory lock and channels (single instance only)")
		locker = lock.NewMemoryLocker()
		broadcaster = events.NewMemoryBroker()
	}
	metrics.SetCriticalComponents(critical...)
	go watchHealth(ctx, "store", store.Ping)

	auth := api.NewAuthenticator(settings.JWTSecret)
	reg := api.NewRegistry(api.DefaultMiddleware(log.WithComponent("api"), auth)...)
	api.NewResourceService(store, broadcaster).Register(reg)

	guard := stream.NewGuard(locker, broadcaster, guardConfig(settings))
	grpcServer := stream.NewServer(guard, auth)
	lis, err := net.Listen("tcp", settings.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", settings.GRPCAddr, err)
	}

	httpServer := api.NewHTTPServer(settings.HTTPAddr, api.NewRouter(reg))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info().Str("address", settings.HTTPAddr).Msg("API server listening")
		metrics.RegisterComponent("api", true, "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info().Str("address", settings.GRPCAddr).Msg("Stream server listening")
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("stream server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Open streams end when their contexts are cancelled; the runners
		// reconnect to another instance
		grpcServer.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// guardConfig picks lock timings from the environment unless set explicitly
func guardConfig(settings *config.ServerSettings) stream.GuardConfig {
	cfg := stream.DefaultGuardConfig()
	if settings.Environment == config.Development {
		cfg.LockTTL = stream.DevelopmentLockTTL
	}
	if settings.LockTTL > 0 {
		cfg.LockTTL = settings.LockTTL
	}
	cfg.HeartbeatInterval = stream.HeartbeatFor(cfg.LockTTL)
	if settings.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = settings.HeartbeatInterval
	}
	return cfg
}

// watchHealth keeps a health component current until ctx ends
func watchHealth(ctx context.Context, component string, check func(context.Context) error) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := check(checkCtx)
			cancel()
			if err != nil {
				metrics.UpdateComponent(component, false, err.Error())
				continue
			}
			metrics.UpdateComponent(component, true, "")
		}
	}
}
