package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the optional metrics sink a Worker/Queue reports to.
// Nil-safety: every call site in queue/store guards on a nil Metrics
// before calling through, so a caller that never constructs one pays
// no cost and needs no no-op stub.
type Metrics interface {
	ClaimAttempted(specID string)
	ClaimSucceeded(specID string)
	TaskResolved(specID string)
	TaskRejected(specID string)
	TaskReset(specID, reason string)
	TaskMalformed(specID string)
	ActiveWorkers(specID string, delta int)
}

// PrometheusMetrics is the default Metrics implementation, registering
// its collectors against the provided registerer (use
// prometheus.DefaultRegisterer for the global registry).
type PrometheusMetrics struct {
	claimsAttempted *prometheus.CounterVec
	claimsSucceeded *prometheus.CounterVec
	resolved        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	reset           *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	activeWorkers   *prometheus.GaugeVec
}

// NewPrometheusMetrics constructs and registers the queue's Prometheus
// collectors under the "taskqueue" namespace.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		claimsAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "claim_attempts_total",
			Help:      "Number of task claim transactions attempted, by spec ID.",
		}, []string{"spec_id"}),
		claimsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "claims_total",
			Help:      "Number of tasks successfully claimed, by spec ID.",
		}, []string{"spec_id"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "resolved_total",
			Help:      "Number of tasks resolved, by spec ID.",
		}, []string{"spec_id"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "rejected_total",
			Help:      "Number of tasks rejected, by spec ID.",
		}, []string{"spec_id"}),
		reset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "reset_total",
			Help:      "Number of tasks reset to their start state, by spec ID and reason.",
		}, []string{"spec_id", "reason"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "malformed_total",
			Help:      "Number of malformed task records rewritten into the error state.",
		}, []string{"spec_id"}),
		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskqueue",
			Name:      "active_workers",
			Help:      "Number of workers currently processing a task, by spec ID.",
		}, []string{"spec_id"}),
	}

	if reg != nil {
		reg.MustRegister(m.claimsAttempted, m.claimsSucceeded, m.resolved, m.rejected, m.reset, m.malformed, m.activeWorkers)
	}

	return m
}

func (m *PrometheusMetrics) ClaimAttempted(specID string) { m.claimsAttempted.WithLabelValues(specID).Inc() }
func (m *PrometheusMetrics) ClaimSucceeded(specID string) { m.claimsSucceeded.WithLabelValues(specID).Inc() }
func (m *PrometheusMetrics) TaskResolved(specID string)   { m.resolved.WithLabelValues(specID).Inc() }
func (m *PrometheusMetrics) TaskRejected(specID string)   { m.rejected.WithLabelValues(specID).Inc() }
func (m *PrometheusMetrics) TaskReset(specID, reason string) {
	m.reset.WithLabelValues(specID, reason).Inc()
}
func (m *PrometheusMetrics) TaskMalformed(specID string) { m.malformed.WithLabelValues(specID).Inc() }
func (m *PrometheusMetrics) ActiveWorkers(specID string, delta int) {
	m.activeWorkers.WithLabelValues(specID).Add(float64(delta))
}

var _ Metrics = (*PrometheusMetrics)(nil)
