package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the scheduler. A nil *Metrics or
// one built from a disabled config is a valid no-op collector.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Node metrics
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	// Queue metrics
	queueDepth    *prometheus.GaugeVec
	queueEnqueued *prometheus.CounterVec
	queueDropped  *prometheus.CounterVec

	// Trigger metrics
	triggersFired *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of graph runs started",
			},
			[]string{"graph_id"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of graph runs finished, by final state",
			},
			[]string{"graph_id", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of graph runs in seconds",
				Buckets:   buckets,
			},
			[]string{"graph_id", "status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),

		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_total",
				Help:      "Total number of node executions",
			},
			[]string{"kind", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node executions in seconds",
				Buckets:   buckets,
			},
			[]string{"algorithm"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of items in the work queue",
			},
			[]string{"queue"},
		),
		queueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueued_total",
				Help:      "Total number of items accepted by the work queue",
			},
			[]string{"queue"},
		),
		queueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_dropped_total",
				Help:      "Total number of items dropped by the work queue",
			},
			[]string{"queue", "policy"},
		),

		triggersFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_fired_total",
				Help:      "Total number of trigger firings",
			},
			[]string{"kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodeExecutions,
		m.nodeDuration,
		m.queueDepth,
		m.queueEnqueued,
		m.queueDropped,
		m.triggersFired,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(graphID string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(graphID).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its final state and duration.
func (m *Metrics) RecordRunCompleted(graphID, status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(graphID, status).Inc()
	m.runDuration.WithLabelValues(graphID, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Node Metrics

// RecordNodeExecution records one node execution.
func (m *Metrics) RecordNodeExecution(kind, algorithm, status string, duration time.Duration) {
	if m == nil || m.nodeExecutions == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(kind, status).Inc()
	if algorithm != "" {
		m.nodeDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
	}
}

// Queue Metrics

// SetQueueDepth sets the current depth of a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordQueueEnqueued counts an accepted item.
func (m *Metrics) RecordQueueEnqueued(queue string) {
	if m == nil || m.queueEnqueued == nil {
		return
	}
	m.queueEnqueued.WithLabelValues(queue).Inc()
}

// RecordQueueDropped counts a dropped item.
func (m *Metrics) RecordQueueDropped(queue, policy string) {
	if m == nil || m.queueDropped == nil {
		return
	}
	m.queueDropped.WithLabelValues(queue, policy).Inc()
}

// Trigger Metrics

// RecordTriggerFired counts a trigger firing by kind.
func (m *Metrics) RecordTriggerFired(kind string) {
	if m == nil || m.triggersFired == nil {
		return
	}
	m.triggersFired.WithLabelValues(kind).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// ObserveDuration records the elapsed time on the observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. The returned
// server is nil when metrics are disabled. It stops when ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server
}
