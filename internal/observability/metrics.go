package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metric status labels.
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds all Prometheus metrics for the Xolo server.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Workflow metrics (title/version create, update, delete, release)
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	RollbacksTotal   *prometheus.CounterVec

	// Backend metrics (Patch Catalog and Fleet Management calls)
	BackendOperationsTotal   *prometheus.CounterVec
	BackendOperationDuration *prometheus.HistogramVec

	// Lock metrics
	LocksHeld         prometheus.Gauge
	LockWaitDuration  prometheus.Histogram
	LockExpiredTotal  prometheus.Counter
	LockTimeoutsTotal prometheus.Counter

	// Background worker metrics
	WorkersActive      prometheus.Gauge
	WatcherOutcomes    *prometheus.CounterVec
	DeletePoolDepth    prometheus.Gauge
	CleanupRunsTotal   *prometheus.CounterVec
	CleanupRunDuration prometheus.Histogram
}

// InitMetrics initializes and registers all Prometheus metrics with the
// given registerer. Pass prometheus.DefaultRegisterer in production and a
// fresh registry in tests.
func InitMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "xolo"
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 60, 300},
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		WorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_total",
				Help:      "Total number of lifecycle workflows executed",
			},
			[]string{"workflow", "status"},
		),

		WorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Lifecycle workflow duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"workflow"},
		),

		RollbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of workflow rollbacks",
			},
			[]string{"workflow"},
		),

		BackendOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_operations_total",
				Help:      "Total number of catalog and fleet operations",
			},
			[]string{"backend", "operation", "status"},
		),

		BackendOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_operation_duration_seconds",
				Help:      "Catalog and fleet operation duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend", "operation"},
		),

		LocksHeld: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entity_locks_held",
				Help:      "Number of entity locks currently held",
			},
		),

		LockWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "entity_lock_wait_seconds",
				Help:      "Time spent waiting to acquire an entity lock",
				Buckets:   []float64{.001, .01, .1, 1, 10, 60, 600, 3600},
			},
		),

		LockExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entity_locks_expired_total",
				Help:      "Total number of entity locks reclaimed by TTL expiry",
			},
		),

		LockTimeoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entity_lock_timeouts_total",
				Help:      "Total number of lock acquisitions abandoned",
			},
		),

		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of active background workers",
			},
		),

		WatcherOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watcher_outcomes_total",
				Help:      "Outcomes of patch-visibility and EA-acceptance watchers",
			},
			[]string{"watcher", "outcome"},
		),

		DeletePoolDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "delete_pool_depth",
				Help:      "Number of package deletions currently queued",
			},
		),

		CleanupRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_runs_total",
				Help:      "Total number of maintenance cleanup runs",
			},
			[]string{"status"},
		),

		CleanupRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cleanup_run_duration_seconds",
				Help:      "Maintenance cleanup run duration in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 30, 60, 300, 1800},
			},
		),
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordWorkflow records a lifecycle workflow result.
func (m *Metrics) RecordWorkflow(workflow string, duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.WorkflowsTotal.WithLabelValues(workflow, status).Inc()
	m.WorkflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordRollback records a workflow rollback.
func (m *Metrics) RecordRollback(workflow string) {
	m.RollbacksTotal.WithLabelValues(workflow).Inc()
}

// RecordBackendOperation records a catalog or fleet call.
func (m *Metrics) RecordBackendOperation(backend, operation string, duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.BackendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	m.BackendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordWatcherOutcome records the terminal outcome of a watcher
// ("confirmed", "timeout", "error").
func (m *Metrics) RecordWatcherOutcome(watcher, outcome string) {
	m.WatcherOutcomes.WithLabelValues(watcher, outcome).Inc()
}

// RecordCleanupRun records a maintenance cleanup run.
func (m *Metrics) RecordCleanupRun(duration time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.CleanupRunsTotal.WithLabelValues(status).Inc()
	m.CleanupRunDuration.Observe(duration.Seconds())
}

// HTTPInFlightInc increments the in-flight HTTP request counter.
func (m *Metrics) HTTPInFlightInc() {
	m.HTTPRequestsInFlight.Inc()
}

// HTTPInFlightDec decrements the in-flight HTTP request counter.
func (m *Metrics) HTTPInFlightDec() {
	m.HTTPRequestsInFlight.Dec()
}
