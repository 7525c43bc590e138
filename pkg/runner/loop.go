package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tether/pkg/controlplane"
	"github.com/cuemby/tether/pkg/executor"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/queue"
	"github.com/cuemby/tether/pkg/storage"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
)

// Full pass triggers
const (
	TriggerStartup  = "startup"
	TriggerInterval = "interval"
	TriggerConnect  = "connect"
)

// Per-resource outcomes
const (
	outcomeConverged   = "converged"
	outcomeUnchanged   = "unchanged"
	outcomeDeleted     = "deleted"
	outcomeRetry       = "retry"
	outcomeFetchFailed = "fetch_failed"
)

// loop reconciles one resource kind. Everything except notify,
// requestFull and stats runs on the loop goroutine, so attempts for one
// resource never overlap.
type loop struct {
	kind         types.ResourceKind
	exec         executor.Executor
	store        storage.TrackingStore
	controlPlane controlplane.Client
	clock        Clock
	logger       zerolog.Logger

	fullInterval    time.Duration
	fetchRetryDelay time.Duration
	syncAssigned    bool

	retries *queue.RetryQueue[types.ResourceID]
	trigger chan struct{}

	mu          sync.Mutex
	dirty       map[types.ResourceID]types.ChangeAction
	fullPending string

	// Loop goroutine only
	// applied maps ids believed running to the fingerprint they run with
	applied map[types.ResourceID]uint64
	// orphans are pending retries that are deletes of untracked ids
	orphans map[types.ResourceID]bool

	tracked atomic.Int64
}

func newLoop(exec executor.Executor, cfg Config, logger zerolog.Logger) *loop {
	kind := exec.Kind()
	return &loop{
		kind:            kind,
		exec:            exec,
		store:           cfg.Store,
		controlPlane:    cfg.ControlPlane,
		clock:           cfg.Clock,
		logger:          logger.With().Str("kind", string(kind)).Logger(),
		fullInterval:    cfg.FullReconcileInterval,
		fetchRetryDelay: cfg.FetchRetryDelay,
		syncAssigned:    !cfg.SkipAssignedSync,
		retries:         queue.New[types.ResourceID](),
		trigger:         make(chan struct{}, 1),
		dirty:           make(map[types.ResourceID]types.ChangeAction),
		applied:         make(map[types.ResourceID]uint64),
		orphans:         make(map[types.ResourceID]bool),
	}
}

func (l *loop) wake() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

func (l *loop) notify(event types.ChangeEvent) {
	l.mu.Lock()
	l.dirty[event.ID] = event.Action
	l.mu.Unlock()
	l.wake()
}

func (l *loop) requestFull(trigger string) {
	l.mu.Lock()
	l.fullPending = trigger
	l.mu.Unlock()
	l.wake()
}

func (l *loop) takeWork() (string, map[types.ResourceID]types.ChangeAction) {
	l.mu.Lock()
	defer l.mu.Unlock()

	full := l.fullPending
	l.fullPending = ""
	if len(l.dirty) == 0 {
		return full, nil
	}
	dirty := l.dirty
	l.dirty = make(map[types.ResourceID]types.ChangeAction)
	return full, dirty
}

func (l *loop) stats() metrics.KindStats {
	return metrics.KindStats{
		Kind:         string(l.kind),
		Tracked:      int(l.tracked.Load()),
		RetryPending: l.retries.Len(),
	}
}

// run sleeps until a notification, a due retry, or the full pass interval,
// whichever comes first
func (l *loop) run(ctx context.Context) error {
	l.requestFull(TriggerStartup)

	var intervalC <-chan time.Time
	if l.fullInterval > 0 {
		ticker := time.NewTicker(l.fullInterval)
		defer ticker.Stop()
		intervalC = ticker.C
	}

	for {
		var retryC <-chan time.Time
		var retryTimer *time.Timer
		if wake, ok := l.retries.NextWake(); ok {
			retryTimer = time.NewTimer(max(wake.Sub(l.clock.Now()), 0))
			retryC = retryTimer.C
		}

		select {
		case <-ctx.Done():
			if retryTimer != nil {
				retryTimer.Stop()
			}
			return nil
		case <-l.trigger:
		case <-retryC:
		case <-intervalC:
			l.requestFull(TriggerInterval)
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}

		l.process(ctx)
	}
}

// process runs a pending full pass, then due retries, then notifications
func (l *loop) process(ctx context.Context) {
	full, dirty := l.takeWork()

	if full != "" {
		if err := l.reconcileAll(ctx, full); err != nil {
			l.logger.Error().Err(err).Str("trigger", full).Msg("Full reconciliation pass failed")
		}
	}

	for _, id := range l.retries.PopDue(l.clock.Now()) {
		if ctx.Err() != nil {
			return
		}
		if l.orphans[id] {
			l.deleteOrphan(ctx, id)
			continue
		}
		l.reconcileResource(ctx, id, l.isApplied(id))
	}

	for id, action := range dirty {
		if ctx.Err() != nil {
			return
		}
		l.handleNotification(ctx, id, action)
	}
}

// handleNotification reconciles the resource an event refers to. Resources
// waiting out a backoff absorb the event; their retry fetches fresh state.
func (l *loop) handleNotification(ctx context.Context, id types.ResourceID, action types.ChangeAction) {
	logger := log.WithResource(l.logger, l.kind, id)

	if l.retries.Pending(id, l.clock.Now()) {
		logger.Debug().Str("action", string(action)).Msg("Resource is backing off, event absorbed")
		return
	}

	if action != types.ActionDeleted {
		if err := l.store.Track(ctx, l.kind, id); err != nil {
			logger.Warn().Err(err).Dur("retry_in", l.fetchRetryDelay).Msg("Failed to track resource")
			l.schedule(id, l.fetchRetryDelay, false)
			return
		}
	}
	l.reconcileResource(ctx, id, l.isApplied(id))
}

// reconcileAll compares the tracked set with what the backend runs
func (l *loop) reconcileAll(ctx context.Context, trigger string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcilePassDuration, string(l.kind))
	metrics.ReconcilePassesTotal.WithLabelValues(string(l.kind), trigger).Inc()

	l.logger.Debug().Str("trigger", trigger).Msg("Starting full reconciliation pass")

	if l.syncAssigned {
		l.syncAssignedIDs(ctx)
	}

	records, err := l.store.ListTracked(ctx, l.kind)
	if err != nil {
		// Without the desired set every running resource would look orphaned
		return fmt.Errorf("failed to list tracked resources: %w", err)
	}
	l.tracked.Store(int64(len(records)))

	desired := make(map[types.ResourceID]storage.TrackedResource, len(records))
	for _, record := range records {
		desired[record.ID] = record
	}

	seen := make(map[types.ResourceID]bool)
	var enumErr error
	for id, err := range l.exec.ListRunning(ctx) {
		if err != nil {
			enumErr = err
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		seen[id] = true

		record, ok := desired[id]
		if !ok {
			if !l.retries.Pending(id, l.clock.Now()) {
				l.deleteOrphan(ctx, id)
			}
			continue
		}
		delete(desired, id)

		if _, known := l.applied[id]; !known && record.Fingerprint != 0 {
			l.applied[id] = record.Fingerprint
		}
		if !l.retries.Pending(id, l.clock.Now()) {
			l.reconcileResource(ctx, id, true)
		}
	}

	if enumErr != nil {
		l.logger.Warn().Err(enumErr).Msg("Enumerating running resources failed, reconciling the rest of the tracked set")
	} else {
		for id := range l.applied {
			if !seen[id] {
				delete(l.applied, id)
			}
		}
	}

	for id := range desired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.retries.Pending(id, l.clock.Now()) {
			continue
		}
		l.reconcileResource(ctx, id, false)
	}

	l.logger.Debug().
		Str("trigger", trigger).
		Int("tracked", len(records)).
		Int("running", len(seen)).
		Int("retry_pending", l.retries.Len()).
		Dur("duration", timer.Duration()).
		Msg("Full reconciliation pass complete")
	return nil
}

// syncAssignedIDs tracks resources assigned upstream that the local store
// does not know yet. Failures leave the local set as is.
func (l *loop) syncAssignedIDs(ctx context.Context) {
	ids, err := l.controlPlane.ListAssigned(ctx, l.kind)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Failed to list assigned resources, using local state")
		return
	}
	for _, id := range ids {
		if err := l.store.Track(ctx, l.kind, id); err != nil {
			logger := log.WithResource(l.logger, l.kind, id)
			logger.Warn().Err(err).Msg("Failed to track assigned resource")
		}
	}
}

// reconcileResource converges one tracked resource with its desired spec.
// running says whether the backend is known to run it.
func (l *loop) reconcileResource(ctx context.Context, id types.ResourceID, running bool) {
	logger := log.WithResource(l.logger, l.kind, id)
	l.retries.Remove(id)
	delete(l.orphans, id)

	info, err := l.controlPlane.GetResourceInfo(ctx, l.kind, id)
	switch {
	case types.IsNotFound(err):
		l.removeDeleted(ctx, id)
		return
	case err != nil:
		delay := l.fetchDelay(err)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to fetch desired state")
		l.schedule(id, delay, false)
		l.record(outcomeFetchFailed)
		return
	}

	if err := info.Validate(); err != nil || info.ID != id || info.Kind != l.kind {
		if err == nil {
			err = fmt.Errorf("control plane returned %s %s for %s %s", info.Kind, info.ID, l.kind, id)
		}
		logger.Error().Err(err).Dur("retry_in", executor.DefaultRetryDelay).Msg("Invalid desired state")
		l.schedule(id, executor.DefaultRetryDelay, false)
		l.record(outcomeRetry)
		return
	}

	fingerprint := info.Fingerprint()
	if running {
		if applied, ok := l.applied[id]; ok && applied == fingerprint {
			l.record(outcomeUnchanged)
			return
		}
	}

	timer := metrics.NewTimer()
	err = l.exec.Upsert(ctx, info)
	timer.ObserveDurationVec(metrics.ExecutorDuration, string(l.kind), "upsert")
	if err != nil {
		delay := executor.Delay(err)
		delete(l.applied, id)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to apply resource")
		l.schedule(id, delay, false)
		l.record(outcomeRetry)
		return
	}

	l.applied[id] = fingerprint
	if err := l.store.MarkConverged(ctx, l.kind, id, fingerprint); err != nil {
		logger.Warn().Err(err).Msg("Failed to record converged fingerprint")
	}
	logger.Info().Msg("Resource converged")
	l.record(outcomeConverged)
}

// removeDeleted handles a resource the control plane no longer knows:
// forget it locally first, then remove it from the backend
func (l *loop) removeDeleted(ctx context.Context, id types.ResourceID) {
	logger := log.WithResource(l.logger, l.kind, id)

	if err := l.store.Forget(ctx, l.kind, id); err != nil {
		logger.Warn().Err(err).Dur("retry_in", l.fetchRetryDelay).Msg("Failed to forget deleted resource")
		l.schedule(id, l.fetchRetryDelay, false)
		l.record(outcomeRetry)
		return
	}
	l.deleteFromBackend(ctx, id, false)
}

// deleteOrphan removes a running resource that is not tracked
func (l *loop) deleteOrphan(ctx context.Context, id types.ResourceID) {
	l.retries.Remove(id)
	delete(l.orphans, id)
	l.deleteFromBackend(ctx, id, true)
}

func (l *loop) deleteFromBackend(ctx context.Context, id types.ResourceID, orphan bool) {
	logger := log.WithResource(l.logger, l.kind, id)

	timer := metrics.NewTimer()
	err := l.exec.Delete(ctx, id)
	timer.ObserveDurationVec(metrics.ExecutorDuration, string(l.kind), "delete")
	if err != nil {
		delay := executor.Delay(err)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("Failed to delete resource")
		l.schedule(id, delay, orphan)
		l.record(outcomeRetry)
		return
	}

	delete(l.applied, id)
	logger.Info().Msg("Resource deleted")
	l.record(outcomeDeleted)
}

// fetchDelay picks the wait after a failed desired state fetch. A hint on
// a transient error wins; internal errors back off conservatively.
func (l *loop) fetchDelay(err error) time.Duration {
	var te *types.TransientError
	switch {
	case errors.As(err, &te) && te.RetryAfter > 0:
		return te.RetryAfter
	case types.IsInternal(err):
		return executor.DefaultRetryDelay
	}
	return l.fetchRetryDelay
}

func (l *loop) schedule(id types.ResourceID, delay time.Duration, orphan bool) {
	l.retries.Schedule(id, l.clock.Now().Add(delay))
	if orphan {
		l.orphans[id] = true
	} else {
		delete(l.orphans, id)
	}
}

func (l *loop) isApplied(id types.ResourceID) bool {
	_, ok := l.applied[id]
	return ok
}

func (l *loop) record(outcome string) {
	metrics.ResourceReconcilesTotal.WithLabelValues(string(l.kind), outcome).Inc()
}
