package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modkernel/pkg/kernel"
)

// Metrics provides Prometheus metrics for the module kernel. It implements
// kernel.Observer; a Metrics built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Module metrics
	transitions *prometheus.CounterVec
	moduleState *prometheus.GaugeVec
	restarts    *prometheus.GaugeVec
	exhaustions *prometheus.CounterVec
	failures    *prometheus.CounterVec

	// Orchestration metrics
	orchestrations        *prometheus.CounterVec
	orchestrationDuration *prometheus.HistogramVec
	moduleOutcomes        *prometheus.CounterVec

	// Executor metrics
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobsDropped *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ kernel.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_transitions_total",
				Help:      "Total number of module state transitions",
			},
			[]string{"module", "from", "to"},
		),
		moduleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "module_state",
				Help:      "Current module state (1 for the active state, 0 otherwise)",
			},
			[]string{"module", "state"},
		),
		restarts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "module_restart_count",
				Help:      "Restarts counted in the current restart window",
			},
			[]string{"module"},
		),
		exhaustions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_restart_budget_exhausted_total",
				Help:      "Total number of exhausted restart budgets",
			},
			[]string{"module"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_failures_total",
				Help:      "Total number of transitions into the failure state",
			},
			[]string{"module"},
		),

		orchestrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orchestrations_total",
				Help:      "Total number of orchestration runs",
			},
			[]string{"operation"},
		),
		orchestrationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "orchestration_duration_seconds",
				Help:      "Duration of orchestration runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		moduleOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_outcomes_total",
				Help:      "Per-module outcomes of orchestration runs",
			},
			[]string{"operation", "outcome"},
		),

		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_jobs_total",
				Help:      "Total number of executor jobs run",
			},
			[]string{"job", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_job_duration_seconds",
				Help:      "Duration of executor jobs in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"job"},
		),
		jobsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_jobs_dropped_total",
				Help:      "Periodic ticks skipped because the previous run was still active",
			},
			[]string{"job"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.moduleState,
		m.restarts,
		m.exhaustions,
		m.failures,
		m.orchestrations,
		m.orchestrationDuration,
		m.moduleOutcomes,
		m.jobs,
		m.jobDuration,
		m.jobsDropped,
	)

	return m, nil
}

// ObserveStateChange records a module transition.
func (m *Metrics) ObserveStateChange(change kernel.StateChange) {
	if m.transitions == nil {
		return
	}

	m.restarts.WithLabelValues(change.Module).Set(float64(change.RestartCount))
	if change.Exhausted {
		m.exhaustions.WithLabelValues(change.Module).Inc()
		return
	}

	m.transitions.WithLabelValues(change.Module, string(change.OldState), string(change.NewState)).Inc()
	for _, state := range kernel.States() {
		value := 0.0
		if state == change.NewState {
			value = 1.0
		}
		m.moduleState.WithLabelValues(change.Module, string(state)).Set(value)
	}

	if change.NewState == kernel.StateFailure && change.OldState != kernel.StateFailure {
		m.failures.WithLabelValues(change.Module).Inc()
	}
}

// ObserveOrchestration records a finished orchestration run.
func (m *Metrics) ObserveOrchestration(result *kernel.Result) {
	if m.orchestrations == nil || result == nil {
		return
	}
	m.orchestrations.WithLabelValues(result.Operation).Inc()
	m.orchestrationDuration.WithLabelValues(result.Operation).Observe(result.Duration.Seconds())
	for _, module := range result.Modules {
		m.moduleOutcomes.WithLabelValues(result.Operation, string(module.Outcome)).Inc()
	}
}

// ObserveJob records an executor job run or a dropped tick.
func (m *Metrics) ObserveJob(name string, err error, duration time.Duration, dropped bool) {
	if m.jobs == nil {
		return
	}
	if dropped {
		m.jobsDropped.WithLabelValues(name).Inc()
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.jobs.WithLabelValues(name, status).Inc()
	m.jobDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Metrics server listening")
	return nil
}

// Shutdown stops the metrics server, if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
