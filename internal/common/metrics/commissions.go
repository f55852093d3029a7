package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		commissionTransitions,
		commissionPenalties,
		walletMovements,
	)
}

var (
	commissionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrifin_commission_transitions_total",
			Help: "Commission state transitions by kind and target state.",
		},
		[]string{"kind", "state"},
	)

	commissionPenalties = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agrifin_commission_penalties_total",
			Help: "Commissions accrued with a late-validation penalty.",
		},
	)

	walletMovements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrifin_wallet_movements_fcfa_total",
			Help: "Wallet credits and debits in FCFA.",
		},
		[]string{"direction"},
	)
)

// CommissionTransition counts a commission entering state.
func CommissionTransition(kind, state string, penalty bool) {
	commissionTransitions.WithLabelValues(norm(kind), norm(state)).Inc()
	if penalty {
		commissionPenalties.Inc()
	}
}

// WalletCredited records a wallet increment.
func WalletCredited(amount int64) {
	walletMovements.WithLabelValues("credit").Add(float64(amount))
}

// WalletDebited records a wallet decrement.
func WalletDebited(amount int64) {
	walletMovements.WithLabelValues("debit").Add(float64(amount))
}
