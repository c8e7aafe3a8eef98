package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	MemoryPeakMB      *prometheus.HistogramVec
	SubstrateLatency  *prometheus.HistogramVec
	PolicyRejections  *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "executions_total",
				Help:      "Total number of executions by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Name:      "active_executions",
				Help:      "Number of containers currently running.",
			},
		),

		MemoryPeakMB: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "memory_peak_megabytes",
				Help:      "Peak sampled memory of executions in MB.",
				Buckets:   prometheus.ExponentialBuckets(4, 2, 10),
			},
			[]string{"language"},
		),

		SubstrateLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "substrate_operation_duration_seconds",
				Help:      "Duration of container runtime operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"backend", "operation"},
		),

		PolicyRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coderunner",
				Name:      "policy_rejections_total",
				Help:      "Submissions rejected before execution, by reason.",
			},
			[]string{"reason"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "coderunner",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "coderunner",
				Name:      "output_size_bytes",
				Help:      "Size of execution output (stdout plus stderr) in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.MemoryPeakMB,
		m.SubstrateLatency,
		m.PolicyRejections,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(language, status string, duration time.Duration, memoryMB int64, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
	if memoryMB > 0 {
		m.MemoryPeakMB.WithLabelValues(language).Observe(float64(memoryMB))
	}
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordRejection records a submission refused before any record exists.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.PolicyRejections.WithLabelValues(reason).Inc()
}

// ObserveSubstrate records how long one runtime operation took.
func (m *Metrics) ObserveSubstrate(backend, op string, start time.Time) {
	if m == nil {
		return
	}
	m.SubstrateLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// ExecutionStarted bumps the active gauge and returns the matching decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}

// ObserveCodeSize records the size of a submission.
func (m *Metrics) ObserveCodeSize(n int) {
	if m == nil {
		return
	}
	m.CodeSizeBytes.Observe(float64(n))
}
