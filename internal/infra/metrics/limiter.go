package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(limiterInFlight, limiterWaitSeconds, limiterGateDenied) }

var (
	limiterInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_limiter_in_flight",
			Help: "Acquired, unreleased rate limiter slots.",
		},
		[]string{"limiter"},
	)

	limiterWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limiter_wait_seconds",
			Help:    "Time spent in Acquire before a slot was granted.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"limiter"},
	)

	limiterGateDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_shared_gate_denied_total",
			Help: "Times the shared (cross-instance) window denied a call.",
		},
		[]string{"limiter"},
	)
)

func SetInFlight(name string, n int) {
	limiterInFlight.WithLabelValues(norm(name)).Set(float64(n))
}

func ObserveAcquireWait(name string, seconds float64) {
	limiterWaitSeconds.WithLabelValues(norm(name)).Observe(seconds)
}

func IncGateDenied(name string) {
	limiterGateDenied.WithLabelValues(norm(name)).Inc()
}
