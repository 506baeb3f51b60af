package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for job outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Total number of jobs executed, by job type and terminal status.",
		},
		[]string{"job_type", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_job_duration_seconds",
			Help:    "Wall-clock job execution time in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"job_type"},
	)

	pollFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_poll_failures_total",
			Help: "Total number of indeterminate poll attempts (control plane unreachable).",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(pollFailures)

	// Pre-initialize label combinations so they appear in /metrics from the
	// first scrape.
	for _, jobType := range []string{"training", "generation"} {
		for _, status := range []string{StatusCompleted, StatusFailed} {
			jobsTotal.WithLabelValues(jobType, status)
		}
	}
}

// ObserveJob records one finished job.
func ObserveJob(jobType, status string, d time.Duration) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// ObservePollFailure records one indeterminate poll.
func ObservePollFailure() {
	pollFailures.Inc()
}
