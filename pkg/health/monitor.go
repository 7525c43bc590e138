package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
)

// Probes are the checks run against one workload. Either may be nil.
type Probes struct {
	Startup  Checker
	Liveness Checker
}

// Empty reports whether there is nothing to probe
func (p Probes) Empty() bool {
	return p.Startup == nil && p.Liveness == nil
}

// FailureFunc is called when a workload is declared unhealthy. Probing
// starts over with the startup probe once it returns.
type FailureFunc func(ctx context.Context, reason string) error

type watch struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watch) stop() {
	w.cancel()
	<-w.done
}

// Monitor probes a set of workloads, one goroutine each. The liveness probe
// only starts once the startup probe has passed.
type Monitor struct {
	startup  Config
	liveness Config
	logger   zerolog.Logger

	mu      sync.Mutex
	watches map[types.ResourceID]*watch
	stopped bool
}

// NewMonitor creates a monitor with the given probe settings
func NewMonitor(startup, liveness Config) *Monitor {
	return &Monitor{
		startup:  startup,
		liveness: liveness,
		logger:   log.WithComponent("health"),
		watches:  make(map[types.ResourceID]*watch),
	}
}

// Watch starts probing id. A watch with the same key is kept running; any
// other watch for id is replaced. Empty probes just remove the watch.
func (m *Monitor) Watch(id types.ResourceID, key string, probes Probes, onFailure FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if w, ok := m.watches[id]; ok {
		if w.key == key && !probes.Empty() {
			return
		}
		w.stop()
		delete(m.watches, id)
	}
	if probes.Empty() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{key: key, cancel: cancel, done: make(chan struct{})}
	m.watches[id] = w
	go func() {
		defer close(w.done)
		m.run(ctx, id, probes, onFailure)
	}()
}

// Unwatch stops probing id
func (m *Monitor) Unwatch(id types.ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watches[id]; ok {
		w.stop()
		delete(m.watches, id)
	}
}

// Watching reports whether id is being probed
func (m *Monitor) Watching(id types.ResourceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[id]
	return ok
}

// Stop ends every watch. Later calls to Watch are ignored.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true
	for id, w := range m.watches {
		w.stop()
		delete(m.watches, id)
	}
}

func (m *Monitor) run(ctx context.Context, id types.ResourceID, probes Probes, onFailure FailureFunc) {
	logger := m.logger.With().Str("resource_id", id.String()).Logger()

	for {
		probe, result, ok := m.untilFailure(ctx, probes)
		if !ok {
			return
		}
		metrics.ProbeFailuresTotal.WithLabelValues(probe).Inc()
		logger.Warn().Str("probe", probe).Str("result", result.Message).Msg("Workload unhealthy, restarting")

		if err := onFailure(ctx, fmt.Sprintf("%s probe failed: %s", probe, result.Message)); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Failed to restart unhealthy workload")
		}
	}
}

// untilFailure probes until the workload is declared unhealthy and names
// the probe that failed. It returns false once ctx ends.
func (m *Monitor) untilFailure(ctx context.Context, probes Probes) (string, Result, bool) {
	if probes.Startup != nil {
		status := NewStatus()
		for {
			if !sleep(ctx, m.startup.Interval) {
				return "", Result{}, false
			}
			result := check(ctx, probes.Startup, m.startup.Timeout)
			if ctx.Err() != nil {
				return "", Result{}, false
			}
			status.Update(result, m.startup)
			if result.Healthy {
				break
			}
			if !status.Healthy {
				return "startup", result, true
			}
		}
	}

	if probes.Liveness == nil {
		<-ctx.Done()
		return "", Result{}, false
	}

	status := NewStatus()
	for {
		if !sleep(ctx, m.liveness.Interval) {
			return "", Result{}, false
		}
		result := check(ctx, probes.Liveness, m.liveness.Timeout)
		if ctx.Err() != nil {
			return "", Result{}, false
		}
		status.Update(result, m.liveness)
		if !status.Healthy {
			return "liveness", result, true
		}
	}
}

func check(ctx context.Context, checker Checker, timeout time.Duration) Result {
	if timeout <= 0 {
		return checker.Check(ctx)
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return checker.Check(checkCtx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
