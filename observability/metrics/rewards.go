package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RewardMetrics aggregates the counters exported by the reward path.
type RewardMetrics struct {
	attemptOutcomes    *prometheus.CounterVec
	chainCheckFailures prometheus.Counter
	vouchersByState    *prometheus.CounterVec
	staleReleased      prometheus.Counter
	vouchersExpired    prometheus.Counter
}

var (
	rewardsOnce     sync.Once
	rewardsRegistry *RewardMetrics
)

// Rewards returns the process-wide reward metrics, registering them on first use.
func Rewards() *RewardMetrics {
	rewardsOnce.Do(func() {
		rewardsRegistry = &RewardMetrics{
			attemptOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reward_attempts_total",
				Help: "Count of daily reward attempts by outcome.",
			}, []string{"outcome"}),
			chainCheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "reward_chain_check_failures_total",
				Help: "Count of on-chain cross-checks that returned unknown.",
			}),
			vouchersByState: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "claim_vouchers_total",
				Help: "Count of claim voucher transitions by state.",
			}, []string{"state"}),
			staleReleased: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "reward_reservations_released_total",
				Help: "Count of abandoned reservations released by the sweep.",
			}),
			vouchersExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "claim_vouchers_expired_total",
				Help: "Count of vouchers expired by the sweep.",
			}),
		}
		prometheus.MustRegister(
			rewardsRegistry.attemptOutcomes,
			rewardsRegistry.chainCheckFailures,
			rewardsRegistry.vouchersByState,
			rewardsRegistry.staleReleased,
			rewardsRegistry.vouchersExpired,
		)
	})
	return rewardsRegistry
}

// ObserveAttempt records one reward attempt outcome.
func (m *RewardMetrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attemptOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveChainCheckFailure records an RPC cross-check that degraded to unknown.
func (m *RewardMetrics) ObserveChainCheckFailure() {
	if m == nil {
		return
	}
	m.chainCheckFailures.Inc()
}

// ObserveVoucher records a voucher state transition.
func (m *RewardMetrics) ObserveVoucher(state string) {
	if m == nil {
		return
	}
	m.vouchersByState.WithLabelValues(state).Inc()
}

// ObserveStaleReleased records reservations freed by the cleanup sweep.
func (m *RewardMetrics) ObserveStaleReleased(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.staleReleased.Add(float64(count))
}

// ObserveVouchersExpired records vouchers expired by the sweep.
func (m *RewardMetrics) ObserveVouchersExpired(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.vouchersExpired.Add(float64(count))
}
