// Package metrics exposes Prometheus counters for sync decisions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions *prometheus.CounterVec
	drift     *prometheus.CounterVec
	webhooks  *prometheus.CounterVec
	jobs      *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglsync",
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Sync engine decisions by outcome.",
		}, []string{"decision"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglsync",
			Subsystem: "reconcile",
			Name:      "drift_total",
			Help:      "Entries flipped back to unsynced by reconciliation.",
		}, []string{"reason"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "togglsync",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Inbound Toggl webhooks by action and response status.",
		}, []string{"action", "status"}),
		jobs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "togglsync",
			Subsystem: "scheduler",
			Name:      "recurring_duration_seconds",
			Help:      "Duration of recurring job runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	reg.MustRegister(m.decisions, m.drift, m.webhooks, m.jobs)
	return m
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) Drift(reason string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(reason).Inc()
}

func (m *Metrics) Webhook(action, status string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(action, status).Inc()
}

// ObserveJob records the duration of a recurring job run in seconds.
func (m *Metrics) ObserveJob(job string, seconds float64) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(job).Observe(seconds)
}
