/*
Package health checks workloads that run outside an orchestrator with
native probes.

A Checker answers one question about one workload. HTTPChecker sends a GET
and treats 2xx and 3xx as healthy without following redirects. Status
counts consecutive results and flips to unhealthy once Config.Retries
failures in a row are seen.

Monitor runs the checks. Each watched workload gets a goroutine that runs
its startup probe until it passes, then its liveness probe. When either
probe is declared unhealthy the failure callback restarts the workload and
probing starts over:

	monitor := health.NewMonitor(health.StartupConfig(), health.DefaultConfig())
	defer monitor.Stop()

	monitor.Watch(id, fingerprint, health.Probes{
		Liveness: health.NewHTTPChecker("http://127.0.0.1:8080/healthz"),
	}, func(ctx context.Context, reason string) error {
		return restart(ctx, id)
	})

Watches are keyed: calling Watch again with the same key keeps the running
watch, so callers can re-register on every reconcile.
*/
package health
