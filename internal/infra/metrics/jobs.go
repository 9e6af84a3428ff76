package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(jobsFinishedTotal, jobsRunning, targetOutcomesTotal, jobDurationSeconds)
}

var (
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Jobs that reached a terminal state, labeled by kind and status.",
		},
		[]string{"kind", "status"}, // status: completed|failed|cancelled
	)

	jobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Jobs currently executing, labeled by kind.",
		},
		[]string{"kind"},
	)

	targetOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_target_outcomes_total",
			Help: "Per-target outcomes, labeled by kind, bucket and error class.",
		},
		[]string{"kind", "bucket", "class"},
	)

	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock time from job start to terminal state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"kind"},
	)
)

func JobStarted(kind string) {
	jobsRunning.WithLabelValues(norm(kind)).Inc()
}

func JobFinished(kind, status string, seconds float64) {
	jobsRunning.WithLabelValues(norm(kind)).Dec()
	jobsFinishedTotal.WithLabelValues(norm(kind), norm(status)).Inc()
	jobDurationSeconds.WithLabelValues(norm(kind)).Observe(seconds)
}

// IncOutcome counts one outcome. class is empty for successes.
func IncOutcome(kind, bucket, class string) {
	if class == "" {
		class = "none"
	}
	targetOutcomesTotal.WithLabelValues(norm(kind), norm(bucket), norm(class)).Inc()
}
