package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	ReconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_reconcile_passes_total",
			Help: "Total number of full reconciliation passes by kind and trigger",
		},
		[]string{"kind", "trigger"},
	)

	ReconcilePassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_reconcile_pass_duration_seconds",
			Help:    "Full reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ResourceReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_resource_reconciles_total",
			Help: "Total number of per-resource reconciliations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TrackedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_tracked_resources",
			Help: "Number of resources the runner currently tracks by kind",
		},
		[]string{"kind"},
	)

	RetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_retry_queue_depth",
			Help: "Number of resources waiting for a scheduled retry by kind",
		},
		[]string{"kind"},
	)

	ExecutorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_executor_duration_seconds",
			Help:    "Executor call duration in seconds by kind and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	ProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_probe_failures_total",
			Help: "Total number of workloads declared unhealthy by probe",
		},
		[]string{"probe"},
	)

	// Stream metrics
	StreamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_stream_connections_total",
			Help: "Total number of runner stream connection attempts by result",
		},
		[]string{"result"},
	)

	StreamConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_stream_connections_active",
			Help: "Number of currently connected runners",
		},
	)

	LockRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_lock_renewals_total",
			Help: "Total number of connection lock renewals by result",
		},
		[]string{"result"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_events_published_total",
			Help: "Total number of change events published by kind and action",
		},
		[]string{"kind", "action"},
	)

	EventsForwardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tether_events_forwarded_total",
			Help: "Total number of change events forwarded to connected runners",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconcilePassesTotal)
	prometheus.MustRegister(ReconcilePassDuration)
	prometheus.MustRegister(ResourceReconcilesTotal)
	prometheus.MustRegister(TrackedResources)
	prometheus.MustRegister(RetryQueueDepth)
	prometheus.MustRegister(ExecutorDuration)
	prometheus.MustRegister(ProbeFailuresTotal)
	prometheus.MustRegister(StreamConnectionsTotal)
	prometheus.MustRegister(StreamConnectionsActive)
	prometheus.MustRegister(LockRenewalsTotal)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsForwardedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
