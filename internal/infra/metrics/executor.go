package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(executorLatencyMs) }

var executorLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "executor_call_latency_ms",
		Help:    "Downstream call latency in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000, 10000, 30000},
	},
	[]string{"executor", "success"},
)

func ObserveExecutorCall(executor string, latencyMs int64, success bool) {
	executorLatencyMs.WithLabelValues(norm(executor), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}
