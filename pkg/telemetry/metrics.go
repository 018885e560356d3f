package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the broker. A nil *Metrics and a
// disabled one are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Order metrics
	ordersSubmitted *prometheus.CounterVec
	ordersCompleted *prometheus.CounterVec

	// Lifecycle metrics
	transitions      *prometheus.CounterVec
	resourcesByState *prometheus.GaugeVec

	// Backend metrics
	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec

	// Ledger metrics
	usageIngested    *prometheus.CounterVec
	quotaUtilization *prometheus.GaugeVec

	// Reconciler metrics
	reconcileRuns   *prometheus.CounterVec
	driftDetections *prometheus.CounterVec
	alerts          *prometheus.CounterVec

	// System metrics
	leaseContention prometheus.Counter
	queueDepth      prometheus.Gauge
	streamDropped   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ordersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_submitted_total",
				Help:      "Total number of orders admitted",
			},
			[]string{"type"},
		),
		ordersCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_completed_total",
				Help:      "Total number of orders reaching a terminal status",
			},
			[]string{"type", "status"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of recorded resource transitions",
			},
			[]string{"from", "to", "outcome"},
		),
		resourcesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources",
				Help:      "Current number of resources by backend and state",
			},
			[]string{"backend", "state"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of adapter calls",
			},
			[]string{"backend", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed adapter calls",
			},
			[]string{"backend", "operation"},
		),

		usageIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_records_total",
				Help:      "Total number of usage records appended to the ledger",
			},
			[]string{"dimension", "kind"},
		),
		quotaUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_utilization_ratio",
				Help:      "Usage divided by limit for limited quotas",
			},
			[]string{"scope", "dimension"},
		),

		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_decisions_total",
				Help:      "Total number of Reconciler decisions by action",
			},
			[]string{"action"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of detected divergences between records and backends",
			},
			[]string{"severity"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Total number of operator alerts raised",
			},
			[]string{"kind", "severity"},
		),

		leaseContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_contention_total",
				Help:      "Total number of lease acquisitions that found the lease held",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "work_queue_depth",
				Help:      "Current number of queued transition tasks",
			},
		),
		streamDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accounting_stream_failures_total",
				Help:      "Total number of accounting batches a sink failed to accept",
			},
			[]string{"sink"},
		),
	}

	registry.MustRegister(
		m.ordersSubmitted,
		m.ordersCompleted,
		m.transitions,
		m.resourcesByState,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		m.usageIngested,
		m.quotaUtilization,
		m.reconcileRuns,
		m.driftDetections,
		m.alerts,
		m.leaseContention,
		m.queueDepth,
		m.streamDropped,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Registry exposes the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOrderSubmitted counts an admitted order.
func (m *Metrics) RecordOrderSubmitted(orderType string) {
	if !m.enabled() {
		return
	}
	m.ordersSubmitted.WithLabelValues(orderType).Inc()
}

// RecordOrderCompleted counts an order reaching a terminal status.
func (m *Metrics) RecordOrderCompleted(orderType, status string) {
	if !m.enabled() {
		return
	}
	m.ordersCompleted.WithLabelValues(orderType, status).Inc()
}

// RecordTransition counts a committed transition.
func (m *Metrics) RecordTransition(from, to, outcome string) {
	if !m.enabled() {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to, outcome).Inc()
}

// SetResourceCount sets the number of resources of a backend in a state.
func (m *Metrics) SetResourceCount(backend, state string, count float64) {
	if !m.enabled() {
		return
	}
	m.resourcesByState.WithLabelValues(backend, state).Set(count)
}

// RecordBackendCall records an adapter call with its duration.
func (m *Metrics) RecordBackendCall(backend, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.backendCalls.WithLabelValues(backend, operation).Inc()
	m.backendDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordUsage counts appended ledger lines.
func (m *Metrics) RecordUsage(dimension, kind string, n int) {
	if !m.enabled() || n == 0 {
		return
	}
	m.usageIngested.WithLabelValues(dimension, kind).Add(float64(n))
}

// SetQuotaUtilization publishes usage/limit for a limited quota.
func (m *Metrics) SetQuotaUtilization(scope, dimension string, ratio float64) {
	if !m.enabled() {
		return
	}
	m.quotaUtilization.WithLabelValues(scope, dimension).Set(ratio)
}

// RecordReconcileDecision counts a Reconciler decision.
func (m *Metrics) RecordReconcileDecision(action string) {
	if !m.enabled() {
		return
	}
	m.reconcileRuns.WithLabelValues(action).Inc()
}

// RecordDriftDetection counts a detected divergence.
func (m *Metrics) RecordDriftDetection(severity string) {
	if !m.enabled() {
		return
	}
	m.driftDetections.WithLabelValues(severity).Inc()
}

// RecordAlert counts a raised alert.
func (m *Metrics) RecordAlert(kind, severity string) {
	if !m.enabled() {
		return
	}
	m.alerts.WithLabelValues(kind, severity).Inc()
}

// RecordLeaseContention counts a lease acquisition that found the lease held.
func (m *Metrics) RecordLeaseContention() {
	if !m.enabled() {
		return
	}
	m.leaseContention.Inc()
}

// SetQueueDepth sets the current work queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordStreamFailure counts a batch a sink failed to accept.
func (m *Metrics) RecordStreamFailure(sink string) {
	if !m.enabled() {
		return
	}
	m.streamDropped.WithLabelValues(sink).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MetricsServer serves the metrics endpoint until shut down.
type MetricsServer struct {
	server *http.Server
	errs   chan error
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns a
// nil server when metrics are disabled.
func (m *Metrics) StartMetricsServer() *MetricsServer {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ms := &MetricsServer{
		server: &http.Server{
			Addr:              m.config.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errs: make(chan error, 1),
	}
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.errs <- err
		}
		close(ms.errs)
	}()
	return ms
}

// Errors reports a listener failure; it is closed once the server stops.
func (s *MetricsServer) Errors() <-chan error {
	return s.errs
}

// Shutdown stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
