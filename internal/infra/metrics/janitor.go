package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(janitorPurgedTotal, janitorSweepsTotal) }

var (
	// what: jobs|tokens
	janitorPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_purged_total",
			Help: "Records removed by the retention sweep.",
		},
		[]string{"what"},
	)

	// result: ok|skipped|error
	janitorSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "janitor_sweeps_total",
			Help: "Retention sweeps by result.",
		},
		[]string{"result"},
	)
)

func AddPurged(what string, n int) {
	if n > 0 {
		janitorPurgedTotal.WithLabelValues(norm(what)).Add(float64(n))
	}
}

func IncSweep(result string) {
	janitorSweepsTotal.WithLabelValues(norm(result)).Inc()
}
