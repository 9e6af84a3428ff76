package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(handoffIssuedTotal, handoffSubmitsTotal) }

var (
	handoffIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "handoff_tokens_issued_total",
			Help: "Handoff tokens issued.",
		},
	)

	// result: ok|expired|revoked|exhausted|invalid|mismatch|error
	handoffSubmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_submits_total",
			Help: "Handoff submissions by result.",
		},
		[]string{"result"},
	)
)

func IncHandoffIssued() { handoffIssuedTotal.Inc() }

func IncHandoffSubmit(result string) {
	handoffSubmitsTotal.WithLabelValues(norm(result)).Inc()
}
