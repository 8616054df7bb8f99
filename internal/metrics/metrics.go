package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_outcomes_total",
			Help: "Reconciliation results by claim source and outcome",
		},
		[]string{"source", "outcome"},
	)

	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Payment webhook deliveries by result",
		},
		[]string{"result"},
	)

	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Payment gateway fetches by result",
		},
		[]string{"result"},
	)

	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Payment gateway fetch latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollLoops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_loops_total",
			Help: "Finished payment poll loops by final state",
		},
		[]string{"final_state"},
	)

	SideEffects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_effects_total",
			Help: "Downstream dispatches triggered by applied reconciliations",
		},
		[]string{"result"},
	)

	AmountMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_amount_mismatch_total",
			Help: "Claims whose amount differs from the order total",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconcileOutcomes,
		WebhookRequests,
		ProviderRequests,
		ProviderLatency,
		PollLoops,
		SideEffects,
		AmountMismatches,
	)
}
