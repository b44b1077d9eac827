package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WalletOpsTotal counts wallet operations by transaction type.
	WalletOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slabmarket",
			Name:      "wallet_operations_total",
			Help:      "Total wallet ledger operations by transaction type.",
		},
		[]string{"type"},
	)

	// WalletOpDuration observes operation latency by transaction type.
	WalletOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "slabmarket",
			Name:      "wallet_operation_duration_seconds",
			Help:      "Wallet ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// WalletInsufficientFundsTotal counts declined debits.
	WalletInsufficientFundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slabmarket",
			Name:      "wallet_insufficient_funds_total",
			Help:      "Total debits declined for insufficient funds.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WalletOpsTotal,
		WalletOpDuration,
		WalletInsufficientFundsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	WalletOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		WalletOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
