package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the sync service. A nil or
// disabled Metrics is safe to call; every recording method becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry
	config   MetricsConfig

	// Run lifecycle
	runsTotal   *prometheus.CounterVec
	runDuration prometheus.Histogram
	activeRuns  prometheus.Gauge

	// Per-block outcomes
	blocksTotal *prometheus.CounterVec

	// Automation interface calls
	dispatchCalls    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Sink deliveries
	sinkRequests *prometheus.CounterVec
	sinkDuration prometheus.Histogram

	// Error accounting
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
}

// NewMetrics creates the metric collectors on a private registry. When the
// config disables metrics the returned value records nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	registry := prometheus.NewRegistry()
	ns := cfg.Namespace

	m := &Metrics{
		registry: registry,
		config:   cfg,

		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Total number of completed sync runs by status.",
		}, []string{"status"}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of complete sync runs in seconds.",
			Buckets:   cfg.DefaultHistogramBuckets,
		}),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Number of sync runs currently executing.",
		}),

		blocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "blocks_total",
			Help:      "Total number of processed sync blocks by outcome.",
		}, []string{"outcome"}),

		dispatchCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "dispatch_calls_total",
			Help:      "Total automation interface invocations by method and result.",
		}, []string{"method", "result"}),

		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of automation interface invocations in seconds.",
			Buckets:   cfg.DefaultHistogramBuckets,
		}, []string{"method"}),

		sinkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sink_requests_total",
			Help:      "Total spreadsheet sink requests by HTTP status code.",
		}, []string{"code"}),

		sinkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "sink_request_duration_seconds",
			Help:      "Duration of spreadsheet sink requests in seconds.",
			Buckets:   cfg.DefaultHistogramBuckets,
		}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_by_class_total",
			Help:      "Total sync errors by classification.",
		}, []string{"class"}),

		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_by_code_total",
			Help:      "Total sync errors by stable error code.",
		}, []string{"code"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsTotal,
		m.runDuration,
		m.activeRuns,
		m.blocksTotal,
		m.dispatchCalls,
		m.dispatchDuration,
		m.sinkRequests,
		m.sinkDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// enabled reports whether collectors exist to record into.
func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted marks a run as in flight.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordBlockOutcome records the outcome of a single sync block.
func (m *Metrics) RecordBlockOutcome(outcome string) {
	if !m.enabled() {
		return
	}
	m.blocksTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatchCall records one automation interface invocation.
func (m *Metrics) RecordDispatchCall(method, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.dispatchCalls.WithLabelValues(method, result).Inc()
	m.dispatchDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordSinkRequest records one spreadsheet sink request.
func (m *Metrics) RecordSinkRequest(code string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sinkRequests.WithLabelValues(code).Inc()
	m.sinkDuration.Observe(duration.Seconds())
}

// RecordError records a classified sync error.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Handler returns an HTTP handler that serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until the context ends.
// It returns immediately when metrics are disabled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Timer measures elapsed time for metric observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
