package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	jobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_jobs_created_total",
			Help: "Jobs created, labeled by target.",
		},
		[]string{"target"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_job_runs_total",
			Help: "Worker runs by target and terminal status.",
		},
		[]string{"target", "status"},
	)

	jobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_job_failures_total",
			Help: "Failed runs by error code.",
		},
		[]string{"code"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "surface_job_run_duration_seconds",
			Help:    "Worker run latency distribution.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	documentWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_document_writes_total",
			Help: "Atomic document writes by document and outcome.",
		},
		[]string{"document", "outcome"},
	)

	leaseConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surface_lease_conflicts_total",
			Help: "Worker invocations refused because another run holds the job lease.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsCreated, jobRuns, jobFailures,
			runDuration, documentWrites, leaseConflicts,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncJobCreated(target string) {
	jobsCreated.WithLabelValues(norm(target)).Inc()
}

func ObserveRun(target, status string, elapsed time.Duration) {
	jobRuns.WithLabelValues(norm(target), norm(status)).Inc()
	runDuration.WithLabelValues(norm(target)).Observe(elapsed.Seconds())
}

func IncFailure(code string) {
	jobFailures.WithLabelValues(norm(code)).Inc()
}

func IncDocumentWrite(document string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	documentWrites.WithLabelValues(norm(document), outcome).Inc()
}

func IncLeaseConflict() {
	leaseConflicts.Inc()
}
