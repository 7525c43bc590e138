/*
Package runner keeps a backend converged with the desired state held by the
control plane.

A Runner hosts one reconciliation loop per resource kind. Each loop owns a
single goroutine, so attempts for one resource are never concurrent; loops
for different kinds run independently and share only the tracking store.

# Triggers

A loop wakes for any of:

  - a change notification (Notify, fed by the stream client or Follow)
  - a due retry from its RetryQueue
  - a full pass request: startup, the periodic interval, or a stream
    (re)connection

Notifications for the same resource coalesce while the loop is busy; the
latest action wins and the resource is re-checked once.

# Full pass

	desired := store.ListTracked(kind)
	for id := range executor.ListRunning() {
	    if id in desired: remove from desired, reconcile(id)
	    else:             delete(id)
	}
	for id in desired: reconcile(id)

A failure to read the tracked set aborts the pass so that nothing running is
mistaken for an orphan. A failure while enumerating the backend stops the
enumeration and the remaining tracked resources are still reconciled.

# Per-resource reconciliation

	retries.Remove(id)
	info, err := controlPlane.GetResourceInfo(kind, id)
	NotFound   -> forget locally, executor.Delete, no retry
	other err  -> retry after FetchRetryDelay (5s)
	unchanged  -> nothing (fingerprint matches what is running)
	otherwise  -> executor.Upsert; on failure retry after executor.Delay(err)

Resources with a retry scheduled in the future are skipped by full passes
and notifications alike, so a backend's suggested delay is always honored.
Every failure is contained to its resource and becomes a retry entry; the
loop itself never stops on a reconciliation error.

# Metrics

	tether_reconcile_passes_total{kind,trigger}
	tether_reconcile_pass_duration_seconds{kind}
	tether_resource_reconciles_total{kind,outcome}
	tether_executor_duration_seconds{kind,operation}

Stats feeds metrics.Collector for the tracked and retry queue gauges.
*/
package runner
