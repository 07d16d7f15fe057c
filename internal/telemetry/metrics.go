// Package telemetry registers the service's Prometheus metrics. They are
// exposed on GET /metrics by the main router.
//
// HTTP metrics use the chi route pattern (/v1/admin/api-keys/{id}) as the
// path label so key ids do not blow up cardinality.
//
// Useful queries:
//
//	sum by (code) (rate(sponsor_sign_decisions_total{outcome="rejected"}[5m]))
//	sum(sponsor_reserved_stroops_total) - sum(sponsor_released_stroops_total{outcome="failed"})
//	sum by (status) (rate(sponsor_submissions_total[15m]))
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Signing decisions. outcome is "signed" or "rejected"; code is the rejection
// code and empty for signed envelopes.
var SignDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sponsor_sign_decisions_total",
		Help: "Sign requests by outcome and rejection code.",
	},
	[]string{"outcome", "code"},
)

// Ledger movements, in stroops.
var (
	ReservedStroopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sponsor_reserved_stroops_total",
			Help: "Stroops moved from available to locked by reservations.",
		},
	)

	ReleasedStroopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsor_released_stroops_total",
			Help: "Stroops of settled reservations, by outcome (confirmed stays locked, failed returns to available).",
		},
		[]string{"outcome"},
	)

	InsufficientBudgetTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sponsor_insufficient_budget_total",
			Help: "Reservations refused because the sponsor account had too little available.",
		},
	)
)

// Submission and reconciliation outcomes. status is confirmed, failed,
// not_found or unknown.
var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsor_submissions_total",
			Help: "Transactions submitted to the network, by resulting status.",
		},
		[]string{"status"},
	)

	ReconcileChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sponsor_reconcile_checks_total",
			Help: "Status checks performed by the reconciler, by resulting status.",
		},
		[]string{"status"},
	)

	ReconcileRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sponsor_reconcile_run_duration_seconds",
			Help: "Duration of one background reconciliation pass.",
		},
	)
)

// LedgerObserver feeds ledger movements into the counters above.
type LedgerObserver struct{}

func (LedgerObserver) Reserved(amount int64) {
	ReservedStroopsTotal.Add(float64(amount))
}

func (LedgerObserver) Released(outcome string, amount int64) {
	ReleasedStroopsTotal.WithLabelValues(outcome).Add(float64(amount))
}

func (LedgerObserver) InsufficientBudget() {
	InsufficientBudgetTotal.Inc()
}
