package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the evaluation service.
type Metrics struct {
	Registry *prometheus.Registry

	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	EvaluationErrors   *prometheus.CounterVec
	ActiveEvaluations  prometheus.Gauge
	SourceDetections   *prometheus.CounterVec
	RuntimesAvailable  *prometheus.GaugeVec
	ConfigReloads      *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	SourceSizeBytes    prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execjs",
				Name:      "evaluations_total",
				Help:      "Total number of evaluations by runtime, mode and status.",
			},
			[]string{"runtime", "mode", "status"},
		),

		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execjs",
				Name:      "evaluation_duration_seconds",
				Help:      "Wall time of evaluations including process start, in seconds.",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"runtime"},
		),

		EvaluationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execjs",
				Name:      "evaluation_errors_total",
				Help:      "Total evaluation errors by kind.",
			},
			[]string{"kind"},
		),

		ActiveEvaluations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execjs",
				Name:      "active_evaluations",
				Help:      "Number of runtime processes currently running.",
			},
		),

		SourceDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execjs",
				Name:      "source_detections_total",
				Help:      "Host-privilege patterns observed in submitted source.",
			},
			[]string{"pattern"},
		),

		RuntimesAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "execjs",
				Name:      "runtime_available",
				Help:      "1 if the runtime's executable is installed, 0 otherwise.",
			},
			[]string{"runtime"},
		),

		ConfigReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execjs",
				Name:      "config_reloads_total",
				Help:      "Runtime configuration reloads by result.",
			},
			[]string{"result"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execjs",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SourceSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "execjs",
				Name:      "source_size_bytes",
				Help:      "Size of submitted source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "execjs",
				Name:      "output_size_bytes",
				Help:      "Size of the JSON-encoded result in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.EvaluationErrors,
		m.ActiveEvaluations,
		m.SourceDetections,
		m.RuntimesAvailable,
		m.ConfigReloads,
		m.RequestsInFlight,
		m.SourceSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordEvaluation records metrics for a completed evaluation.
func (m *Metrics) RecordEvaluation(runtime, mode, status string, durationSec float64) {
	m.EvaluationsTotal.WithLabelValues(runtime, mode, status).Inc()
	m.EvaluationDuration.WithLabelValues(runtime).Observe(durationSec)
}

// RecordError records an evaluation error by kind.
func (m *Metrics) RecordError(kind string) {
	m.EvaluationErrors.WithLabelValues(kind).Inc()
}

// RecordDetection records a source pattern match.
func (m *Metrics) RecordDetection(pattern string) {
	m.SourceDetections.WithLabelValues(pattern).Inc()
}

// SetRuntimeAvailable publishes whether a runtime's executable is installed.
func (m *Metrics) SetRuntimeAvailable(runtime string, installed bool) {
	v := 0.0
	if installed {
		v = 1
	}
	m.RuntimesAvailable.WithLabelValues(runtime).Set(v)
}

// RecordReload records a configuration reload attempt.
func (m *Metrics) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ConfigReloads.WithLabelValues(result).Inc()
}
