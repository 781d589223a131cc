package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coderunner"

// Metrics holds all Prometheus metrics for the runner.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionErrors    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	ValidationRejects  *prometheus.CounterVec
	RateLimitDenials   *prometheus.CounterVec
	ViolationsRecorded prometheus.Counter
	BlocksIssued       prometheus.Counter
	BlockedRequests    prometheus.Counter
	StoreErrors        *prometheus.CounterVec
	Sweeps             prometheus.Counter
	TrackedIdentities  prometheus.Gauge
	ActiveBlocks       prometheus.Gauge
	ProbeDetections    *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total submissions by classification.",
			},
			[]string{"classification"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time of sandboxed executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_errors_total",
				Help:      "Executor faults by operation.",
			},
			[]string{"op"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of submissions currently running.",
			},
		),

		ValidationRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sanitizer",
				Name:      "violations_total",
				Help:      "Sanitizer violations by category.",
			},
			[]string{"category"},
		),

		RateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "rate_limited_total",
				Help:      "Requests denied by a rate limit policy.",
			},
			[]string{"policy"},
		),

		ViolationsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "violations_recorded_total",
				Help:      "Violations counted against identities.",
			},
		),

		BlocksIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "blocks_issued_total",
				Help:      "Violations that left the identity blocked.",
			},
		),

		BlockedRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "blocked_requests_total",
				Help:      "Requests refused because the identity is blocked.",
			},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "store_errors_total",
				Help:      "State store failures that were failed open.",
			},
			[]string{"op"},
		),

		Sweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "sweeps_total",
				Help:      "Forced sweeps of idle rate limit state.",
			},
		),

		TrackedIdentities: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "tracked_identities",
				Help:      "Identities with rate limit or violation state, as of the last stats read.",
			},
		),

		ActiveBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "abuse",
				Name:      "active_blocks",
				Help:      "Identities currently blocked, as of the last stats read.",
			},
		),

		ProbeDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_detections_total",
				Help:      "Advisory probe patterns seen in accepted code or output.",
			},
			[]string{"pattern", "severity"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.ValidationRejects,
		m.RateLimitDenials,
		m.ViolationsRecorded,
		m.BlocksIssued,
		m.BlockedRequests,
		m.StoreErrors,
		m.Sweeps,
		m.TrackedIdentities,
		m.ActiveBlocks,
		m.ProbeDetections,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a submission's final classification. Duration is
// observed only for submissions that reached a backend.
func (m *Metrics) RecordExecution(classification, backend string, durationSec float64, ran bool) {
	m.ExecutionsTotal.WithLabelValues(classification).Inc()
	if ran {
		m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
	}
}

func (m *Metrics) RecordError(op string) {
	m.ExecutionErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordViolationCategory(category string) {
	m.ValidationRejects.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordRateLimited(policy string) {
	m.RateLimitDenials.WithLabelValues(policy).Inc()
}

// RecordViolation counts a recorded violation and whether it blocked.
func (m *Metrics) RecordViolation(blocked bool) {
	m.ViolationsRecorded.Inc()
	if blocked {
		m.BlocksIssued.Inc()
	}
}

func (m *Metrics) RecordBlockedRequest() {
	m.BlockedRequests.Inc()
}

// RecordStoreError satisfies abuse.StoreErrorObserver.
func (m *Metrics) RecordStoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordProbe(pattern, severity string) {
	m.ProbeDetections.WithLabelValues(pattern, severity).Inc()
}
