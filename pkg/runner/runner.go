package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/tether/pkg/controlplane"
	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/executor"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/storage"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFetchRetryDelay is the wait after a failed desired state fetch
	DefaultFetchRetryDelay = 5 * time.Second
	// DefaultFullReconcileInterval is the safety-net full pass interval
	DefaultFullReconcileInterval = 10 * time.Minute
)

// Clock is the runner's time source
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config wires a Runner
type Config struct {
	Identity     types.RunnerIdentity
	Executors    []executor.Executor
	Store        storage.TrackingStore
	ControlPlane controlplane.Client

	// FullReconcileInterval schedules periodic full passes. Negative
	// disables them; zero uses DefaultFullReconcileInterval.
	FullReconcileInterval time.Duration
	// FetchRetryDelay defaults to DefaultFetchRetryDelay
	FetchRetryDelay time.Duration
	// SkipAssignedSync disables asking the control plane for assigned ids
	// at the start of each full pass
	SkipAssignedSync bool

	Clock Clock
}

// Runner keeps the backend converged with the control plane. It hosts one
// reconciliation loop per resource kind; loops share nothing but the store.
type Runner struct {
	identity types.RunnerIdentity
	loops    map[types.ResourceKind]*loop
	order    []types.ResourceKind
	logger   zerolog.Logger
}

// New validates cfg and creates a runner
func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New("tracking store is required")
	}
	if cfg.ControlPlane == nil {
		return nil, errors.New("control plane client is required")
	}
	if len(cfg.Executors) == 0 {
		return nil, errors.New("at least one executor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.FetchRetryDelay == 0 {
		cfg.FetchRetryDelay = DefaultFetchRetryDelay
	}
	if cfg.FullReconcileInterval == 0 {
		cfg.FullReconcileInterval = DefaultFullReconcileInterval
	}

	logger := log.WithRunner(log.WithComponent("runner"), cfg.Identity)
	r := &Runner{
		identity: cfg.Identity,
		loops:    make(map[types.ResourceKind]*loop),
		logger:   logger,
	}
	for _, exec := range cfg.Executors {
		kind := exec.Kind()
		if _, dup := r.loops[kind]; dup {
			return nil, fmt.Errorf("duplicate executor for kind %s", kind)
		}
		r.loops[kind] = newLoop(exec, cfg, logger)
		r.order = append(r.order, kind)
	}
	return r, nil
}

// Run starts every loop and blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Int("kinds", len(r.order)).Msg("Starting runner")

	group, groupCtx := errgroup.WithContext(ctx)
	for _, kind := range r.order {
		l := r.loops[kind]
		group.Go(func() error {
			return l.run(groupCtx)
		})
	}
	err := group.Wait()

	r.logger.Info().Msg("Runner stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Notify queues the resource named by event for reconciliation. It never
// blocks; repeated events for the same resource coalesce.
func (r *Runner) Notify(event types.ChangeEvent) {
	l, ok := r.loops[event.Kind]
	if !ok {
		r.logger.Debug().Str("kind", string(event.Kind)).Msg("Ignoring event for unhandled kind")
		return
	}
	l.notify(event)
}

// Resync requests a full pass on every loop
func (r *Runner) Resync(trigger string) {
	for _, kind := range r.order {
		r.loops[kind].requestFull(trigger)
	}
}

// OnConnect runs a full pass after every stream (re)connection so events
// missed while disconnected are caught up
func (r *Runner) OnConnect(ctx context.Context) {
	r.Resync(TriggerConnect)
}

// OnEvent forwards a stream event to Notify
func (r *Runner) OnEvent(ctx context.Context, event types.ChangeEvent) {
	r.Notify(event)
}

// Follow subscribes to the runner's own channel on broadcaster and feeds
// events to Notify until ctx ends. Self-hosted runners use it instead of a
// remote stream.
func (r *Runner) Follow(ctx context.Context, broadcaster events.Broadcaster) error {
	sub, err := broadcaster.Subscribe(ctx, r.identity)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change channel: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			r.Notify(event)
		}
	}
}

// Stats reports per-kind loop statistics
func (r *Runner) Stats() []metrics.KindStats {
	stats := make([]metrics.KindStats, 0, len(r.order))
	for _, kind := range r.order {
		stats = append(stats, r.loops[kind].stats())
	}
	return stats
}
