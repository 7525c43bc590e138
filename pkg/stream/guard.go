package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/lock"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DevelopmentLockTTL lets a crashed runner reconnect quickly
	DevelopmentLockTTL = 10 * time.Second
	// ProductionLockTTL bounds how long a crashed connection blocks its runner
	ProductionLockTTL = 5 * time.Minute

	maxHeartbeatInterval = 30 * time.Second

	// limiterSweepInterval is how often limiters that have refilled are
	// dropped
	limiterSweepInterval = time.Minute
)

// HeartbeatFor derives the heartbeat interval from a lock TTL: a third of
// the TTL so two renewals can fail before the lock expires, capped at 30s
func HeartbeatFor(ttl time.Duration) time.Duration {
	return min(ttl/3, maxHeartbeatInterval)
}

// GuardConfig tunes connection acceptance
type GuardConfig struct {
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	// AcceptRate and AcceptBurst limit connection attempts per runner
	AcceptRate  rate.Limit
	AcceptBurst int
}

// DefaultGuardConfig returns the production settings
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		LockTTL:           ProductionLockTTL,
		HeartbeatInterval: HeartbeatFor(ProductionLockTTL),
		AcceptRate:        rate.Every(time.Second),
		AcceptBurst:       5,
	}
}

// Sender writes one message to a connected runner
type Sender func(msg *StreamMessage) error

// Guard accepts at most one live stream per runner identity. The
// exclusivity is a TTL lock shared by every server instance; the guard
// renews it on each heartbeat and never deletes it.
type Guard struct {
	locker      lock.Locker
	broadcaster events.Broadcaster
	cfg         GuardConfig
	logger      zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	limiters  map[types.RunnerIdentity]*rate.Limiter
	lastSweep time.Time
}

// NewGuard creates a guard
func NewGuard(locker lock.Locker, broadcaster events.Broadcaster, cfg GuardConfig) *Guard {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = ProductionLockTTL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = HeartbeatFor(cfg.LockTTL)
	}
	if cfg.AcceptRate == 0 {
		cfg.AcceptRate = rate.Inf
	}
	return &Guard{
		locker:      locker,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      log.WithComponent("guard"),
		now:         time.Now,
		limiters:    make(map[types.RunnerIdentity]*rate.Limiter),
	}
}

// StreamRunnerData serves the gRPC method
func (g *Guard) StreamRunnerData(req *StreamRequest, stream grpc.ServerStream) error {
	identity, ok := IdentityFromContext(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "stream is not authenticated")
	}
	return g.Serve(stream.Context(), identity, func(msg *StreamMessage) error {
		return stream.SendMsg(msg)
	})
}

// Serve runs one connection for identity until ctx ends, the runner goes
// away, or the lock is lost
func (g *Guard) Serve(ctx context.Context, identity types.RunnerIdentity, send Sender) error {
	logger := log.WithRunner(g.logger, identity)

	if !g.allow(identity) {
		metrics.StreamConnectionsTotal.WithLabelValues("rate_limited").Inc()
		return status.Error(codes.ResourceExhausted, "too many connection attempts")
	}

	// The lock is only taken once the change channel is open
	sub, err := g.broadcaster.Subscribe(ctx, identity)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to subscribe to change channel")
		return status.Error(codes.Unavailable, "change channel unavailable")
	}
	defer sub.Close()

	token := lock.NewToken()
	acquired, err := g.locker.Acquire(ctx, identity.LockKey(), token, g.cfg.LockTTL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire connection lock")
		return status.Error(codes.Unavailable, "connection lock unavailable")
	}
	if !acquired {
		metrics.StreamConnectionsTotal.WithLabelValues("already_connected").Inc()
		logger.Warn().Msg("Rejected connection, runner already connected")
		return status.Error(codes.AlreadyExists, types.ErrAlreadyConnected.Error())
	}

	metrics.StreamConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.StreamConnectionsActive.Inc()
	defer metrics.StreamConnectionsActive.Dec()
	logger.Info().Msg("Runner connected")

	// Heartbeat and relay share the stream; grpc streams allow one sender
	var sendMu sync.Mutex
	safeSend := func(msg *StreamMessage) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return send(msg)
	}

	// The first ping tells the runner it was accepted
	if err := safeSend(&StreamMessage{Type: MessagePing, Timestamp: g.now()}); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.heartbeat(groupCtx, identity, token, safeSend)
	})
	group.Go(func() error {
		return g.relay(groupCtx, sub, safeSend)
	})
	err = group.Wait()

	if ctx.Err() != nil {
		logger.Info().Msg("Runner disconnected")
		return status.FromContextError(ctx.Err()).Err()
	}
	logger.Warn().Err(err).Msg("Closing runner stream")
	return err
}

// heartbeat pings the runner and renews the lock on every interval. Losing
// the lock ends the connection.
func (g *Guard) heartbeat(ctx context.Context, identity types.RunnerIdentity, token string, send Sender) error {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := send(&StreamMessage{Type: MessagePing, Timestamp: g.now()}); err != nil {
				return fmt.Errorf("failed to send ping: %w", err)
			}

			renewed, err := g.locker.Renew(ctx, identity.LockKey(), token, g.cfg.LockTTL)
			switch {
			case err != nil:
				metrics.LockRenewalsTotal.WithLabelValues("error").Inc()
				return status.Errorf(codes.Aborted, "failed to renew connection lock: %v", err)
			case !renewed:
				metrics.LockRenewalsTotal.WithLabelValues("lost").Inc()
				return status.Error(codes.Aborted, "connection lock lost")
			default:
				metrics.LockRenewalsTotal.WithLabelValues("ok").Inc()
			}
		}
	}
}

// relay forwards change events until the subscription ends
func (g *Guard) relay(ctx context.Context, sub *events.Subscription, send Sender) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "change channel closed")
			}
			if err := send(&StreamMessage{Type: MessageChange, Timestamp: g.now(), Event: &event}); err != nil {
				return fmt.Errorf("failed to forward event: %w", err)
			}
			metrics.EventsForwardedTotal.Inc()
		}
	}
}

// allow spends one connection attempt from the budget of identity
func (g *Guard) allow(identity types.RunnerIdentity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) >= limiterSweepInterval {
		g.sweepLimiters(now)
	}

	l, ok := g.limiters[identity]
	if !ok {
		l = rate.NewLimiter(g.cfg.AcceptRate, max(g.cfg.AcceptBurst, 1))
		g.limiters[identity] = l
	}
	return l.AllowN(now, 1)
}

// sweepLimiters drops limiters with a full bucket. A full limiter behaves
// like a new one, so runners that stopped connecting cost nothing.
func (g *Guard) sweepLimiters(now time.Time) {
	g.lastSweep = now
	for identity, l := range g.limiters {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(g.limiters, identity)
		}
	}
}

// NewServer creates a gRPC server hosting the runner stream behind token
// authentication
func NewServer(guard *Guard, auth *api.Authenticator, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainStreamInterceptor(AuthInterceptor(auth)))
	server := grpc.NewServer(opts...)
	server.RegisterService(&serviceDesc, guard)
	return server
}

// IsAlreadyConnected reports whether err is the rejection of a duplicate
// connection
func IsAlreadyConnected(err error) bool {
	if errors.Is(err, types.ErrAlreadyConnected) {
		return true
	}
	return status.Code(err) == codes.AlreadyExists
}
