package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type PoolMetrics struct {
	deposited       *prometheus.GaugeVec
	available       *prometheus.GaugeVec
	allocated       *prometheus.GaugeVec
	pendingPremiums *prometheus.GaugeVec
	earnedPremiums  *prometheus.GaugeVec
	vaultBalance    *prometheus.GaugeVec
	providers       *prometheus.GaugeVec
	utilization     *prometheus.GaugeVec
}

var (
	poolOnce     sync.Once
	poolRegistry *PoolMetrics
)

func Pool() *PoolMetrics {
	poolOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			deposited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_deposited",
				Help: "Provider principal per token, in whole tokens.",
			}, []string{"token"}),
			available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_available",
				Help: "Unallocated provider collateral per token, in whole tokens.",
			}, []string{"token"}),
			allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_allocated",
				Help: "Collateral reserved behind active policies per token, in whole tokens.",
			}, []string{"token"}),
			pendingPremiums: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_pending_premiums",
				Help: "Premium shares accrued but not yet distributable, in whole tokens.",
			}, []string{"token"}),
			earnedPremiums: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_earned_premiums",
				Help: "Distributed premium shares awaiting claims, in whole tokens.",
			}, []string{"token"}),
			vaultBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_vault_balance",
				Help: "Premium reserve vault balance per token, in whole tokens.",
			}, []string{"token"}),
			providers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_providers",
				Help: "Count of providers holding an account in the token.",
			}, []string{"token"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pool_utilization",
				Help: "Allocated share of deposited collateral per token, 0 to 1.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			poolRegistry.deposited,
			poolRegistry.available,
			poolRegistry.allocated,
			poolRegistry.pendingPremiums,
			poolRegistry.earnedPremiums,
			poolRegistry.vaultBalance,
			poolRegistry.providers,
			poolRegistry.utilization,
		)
	})
	return poolRegistry
}

// SetLiquidity records one token's collateral buckets and derives utilization.
func (m *PoolMetrics) SetLiquidity(token string, deposited, available, allocated float64) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.deposited.WithLabelValues(token).Set(deposited)
	m.available.WithLabelValues(token).Set(available)
	m.allocated.WithLabelValues(token).Set(allocated)
	if deposited > 0 {
		m.utilization.WithLabelValues(token).Set(allocated / deposited)
	} else {
		m.utilization.WithLabelValues(token).Set(0)
	}
}

// SetPremiums records one token's premium buckets.
func (m *PoolMetrics) SetPremiums(token string, pending, earned, vault float64) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.pendingPremiums.WithLabelValues(token).Set(pending)
	m.earnedPremiums.WithLabelValues(token).Set(earned)
	m.vaultBalance.WithLabelValues(token).Set(vault)
}

// SetProviders records the provider count for a token.
func (m *PoolMetrics) SetProviders(token string, count int) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.providers.WithLabelValues(token).Set(float64(count))
}
