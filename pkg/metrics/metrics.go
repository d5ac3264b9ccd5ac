// Package metrics holds the gateway's Prometheus collectors.
//
//	gateway_orders_total{network,op}                  orders accepted per operation (post|delete|batch)
//	gateway_submissions_total{network,result}         batch transactions (ok|rejected|error)
//	gateway_correlations_total{network,outcome}       correlation outcomes (matched|unmatched|ambiguous)
//	gateway_reconcile_transitions_total{network,to}   status changes applied by reconciliation
//	gateway_deposits_total{result}                    collateral top-ups (ok|failed)
//	gateway_margin_shortfall{market}                  last assessed shortfall per market
//	gateway_submit_seconds{network}                   submit+confirm latency
//
// Collectors are registered in init() and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_total",
			Help: "Orders accepted by the gateway",
		},
		[]string{"network", "op"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_submissions_total",
			Help: "Batch transactions submitted, by result",
		},
		[]string{"network", "result"},
	)

	Correlations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_correlations_total",
			Help: "Client orders processed by correlation, by outcome",
		},
		[]string{"network", "outcome"},
	)

	ReconcileTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconcile_transitions_total",
			Help: "Status transitions applied from open-order snapshots",
		},
		[]string{"network", "to"},
	)

	Deposits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_deposits_total",
			Help: "Collateral deposits issued by the margin gate",
		},
		[]string{"result"},
	)

	MarginShortfall = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_margin_shortfall",
			Help: "Most recently assessed collateral shortfall per market",
		},
		[]string{"market"},
	)

	SubmitLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_submit_seconds",
			Help:    "Time from submission to finalization",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"network"},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		Submissions,
		Correlations,
		ReconcileTransitions,
		Deposits,
		MarginShortfall,
		SubmitLatency,
	)
}
