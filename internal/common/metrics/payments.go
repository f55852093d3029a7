package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentTransitions,
		paymentValidatedAmount,
	)
}

var (
	paymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrifin_payment_transitions_total",
			Help: "Payment state transitions by kind and target state.",
		},
		[]string{"kind", "state"},
	)

	paymentValidatedAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrifin_payment_validated_fcfa_total",
			Help: "Sum of validated payment amounts in FCFA by kind.",
		},
		[]string{"kind"},
	)
)

// PaymentTransition counts a payment entering state.
func PaymentTransition(kind, state string) {
	paymentTransitions.WithLabelValues(norm(kind), norm(state)).Inc()
}

// PaymentValidated adds a validated amount.
func PaymentValidated(kind string, amount int64) {
	paymentValidatedAmount.WithLabelValues(norm(kind)).Add(float64(amount))
}
