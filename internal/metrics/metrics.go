// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the worker pool, the circuit
// breaker, and the HTTP layer. All job collectors are labelled by queue.
type Metrics struct {
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsActive    *prometheus.GaugeVec
	JobDuration   *prometheus.HistogramVec

	// BreakerState is 0 for closed, 1 for half-open, 2 for open.
	BreakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs accepted into a queue.",
		}, []string{"queue"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Jobs that finished successfully.",
		}, []string{"queue"}),
		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Job attempts that failed transiently and were rescheduled.",
		}, []string{"queue"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Jobs that reached a terminal failed state.",
		}, []string{"queue"}),
		JobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Jobs currently executing in this process.",
		}, []string{"queue"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler execution time per attempt.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		}, []string{"queue"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
	}
	reg.MustRegister(
		m.JobsEnqueued, m.JobsCompleted, m.JobsRetried, m.JobsFailed,
		m.JobsActive, m.JobDuration, m.BreakerState,
	)
	return m
}
