package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		reconciliationRuns,
		reconciliationTransactions,
		reconciliationDuration,
	)
}

var (
	reconciliationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrifin_reconciliation_runs_total",
			Help: "Reconciliation runs by final status.",
		},
		[]string{"status"},
	)

	reconciliationTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrifin_reconciliation_transactions_total",
			Help: "Gateway transactions processed by outcome (verified/corrected/unmatched).",
		},
		[]string{"outcome"},
	)

	reconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agrifin_reconciliation_duration_seconds",
			Help:    "Reconciliation run duration.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
)

// ReconciliationRun records a finished run.
func ReconciliationRun(status string, seconds float64) {
	reconciliationRuns.WithLabelValues(norm(status)).Inc()
	reconciliationDuration.Observe(seconds)
}

// ReconciliationTransaction counts one processed gateway transaction.
func ReconciliationTransaction(outcome string) {
	reconciliationTransactions.WithLabelValues(norm(outcome)).Inc()
}
