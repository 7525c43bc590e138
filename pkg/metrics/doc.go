/*
Package metrics provides Prometheus metrics and health endpoints for tether.

All metrics are registered with the default Prometheus registry at package
init and exposed through Handler on the /metrics endpoint of both the server
and the runner.

# Metrics Catalog

Reconciliation (runner):

tether_reconcile_passes_total{kind, trigger}:
  - Type: Counter
  - Description: Full passes by resource kind and what triggered them
  - Triggers: startup, interval, connect

tether_reconcile_pass_duration_seconds{kind}:
  - Type: Histogram
  - Description: Time taken by one full pass

tether_resource_reconciles_total{kind, outcome}:
  - Type: Counter
  - Description: Per-resource reconciliations
  - Outcomes: converged, unchanged, deleted, retry, fetch_failed

tether_tracked_resources{kind} and tether_retry_queue_depth{kind}:
  - Type: Gauge
  - Description: Filled in by Collector from the runner's loop stats

tether_executor_duration_seconds{kind, operation}:
  - Type: Histogram
  - Description: Executor list, upsert and delete latency

Connection guard (server):

tether_stream_connections_total{result}:
  - Type: Counter
  - Results: accepted, already_connected, rate_limited, unauthenticated

tether_stream_connections_active:
  - Type: Gauge
  - Description: Runners currently holding a stream

tether_lock_renewals_total{result}:
  - Type: Counter
  - Results: ok, lost, error

tether_events_published_total{kind, action} and tether_events_forwarded_total:
  - Type: Counter
  - Description: Change events published by handlers and relayed to runners

API (server):

tether_api_requests_total{route, status} and
tether_api_request_duration_seconds{route}

# Timer

Timer wraps the common start/observe pattern:

	timer := metrics.NewTimer()
	err := exec.Upsert(ctx, info)
	timer.ObserveDurationVec(metrics.ExecutorDuration, string(kind), "upsert")

# Health

The health checker keeps a registry of named components. /health reports
unhealthy as soon as any registered component is unhealthy. /ready waits for
the critical set configured with SetCriticalComponents:

	metrics.SetCriticalComponents("store", "executor", "stream")
	metrics.RegisterComponent("store", true, "")
	metrics.UpdateComponent("stream", false, "control plane unreachable")
*/
package metrics
