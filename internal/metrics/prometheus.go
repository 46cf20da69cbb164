package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KeysIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_keys_issued_total",
		Help: "Total license keys issued, by duration tier",
	}, []string{"tier"})

	KeyUsageChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_key_usage_checks_total",
		Help: "Total key usage recordings, by outcome",
	}, []string{"result"})

	BalanceDebits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panda_balance_debits_total",
		Help: "Total successful balance debits",
	})

	BalanceDebitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panda_balance_debit_failures_total",
		Help: "Total debits rejected for insufficient balance",
	})

	CodesRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panda_referral_codes_redeemed_total",
		Help: "Total referral codes redeemed",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "panda_expiry_sweep_duration_seconds",
		Help:    "Time to complete one expiry sweep",
		Buckets: prometheus.DefBuckets,
	})

	SweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panda_expiry_sweep_transitions_total",
		Help: "Status transitions detected by the expiry sweeper",
	}, []string{"status"})

	SSEClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panda_sse_clients",
		Help: "Current number of SSE clients connected",
	})
)

func IncKeysIssued(tier string) {
	label := strings.TrimSpace(tier)
	if label == "" {
		label = "unknown"
	}
	KeysIssued.WithLabelValues(label).Inc()
}

func IncKeyUsageCheck(result string) {
	label := strings.TrimSpace(result)
	if label == "" {
		label = "unknown"
	}
	KeyUsageChecks.WithLabelValues(label).Inc()
}

func IncBalanceDebit() {
	BalanceDebits.Inc()
}

func IncBalanceDebitFailure() {
	BalanceDebitFailures.Inc()
}

func IncCodesRedeemed() {
	CodesRedeemed.Inc()
}

func ObserveSweepDuration(duration time.Duration) {
	SweepDuration.Observe(duration.Seconds())
}

func IncSweepTransition(status string) {
	label := strings.TrimSpace(status)
	if label == "" {
		label = "unknown"
	}
	SweepTransitions.WithLabelValues(label).Inc()
}

func SetSSEClients(count int) {
	if count < 0 {
		count = 0
	}
	SSEClients.Set(float64(count))
}
