package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type SettlementMetrics struct {
	policiesProcessed *prometheus.CounterVec
	batchLatency      prometheus.Histogram
	payoutSum         *prometheus.GaugeVec
	boundaryLag       prometheus.Gauge
	priceMisses       *prometheus.CounterVec
	priceStaleness    *prometheus.GaugeVec
	pauseEngaged      prometheus.Gauge
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			policiesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_policies_processed_total",
				Help: "Count of policies processed by settlement batches, by result.",
			}, []string{"result"}),
			batchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "settlement_batch_duration_seconds",
				Help:    "Latency distribution for settlement batch runs.",
				Buckets: prometheus.DefBuckets,
			}),
			payoutSum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "settlement_payout_sum",
				Help: "Total collateral paid out per boundary, in whole tokens.",
			}, []string{"boundary"}),
			boundaryLag: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "settlement_boundary_lag_seconds",
				Help: "Seconds between now and the oldest boundary still awaiting settlement.",
			}),
			priceMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_price_misses_total",
				Help: "Count of settlement deferrals caused by missing prices, by token.",
			}, []string{"token"}),
			priceStaleness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "settlement_price_staleness_seconds",
				Help: "Age of the most recent usable quote per token.",
			}, []string{"token"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "settlement_pause_engaged",
				Help: "Whether the settlement scheduler is currently paused.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.policiesProcessed,
			settlementRegistry.batchLatency,
			settlementRegistry.payoutSum,
			settlementRegistry.boundaryLag,
			settlementRegistry.priceMisses,
			settlementRegistry.priceStaleness,
			settlementRegistry.pauseEngaged,
		)
	})
	return settlementRegistry
}

// ObserveBatch records the per-result policy counts and the wall time of one
// settlement batch run.
func (m *SettlementMetrics) ObserveBatch(settled, expired, failed int, seconds float64) {
	if m == nil {
		return
	}
	if settled > 0 {
		m.policiesProcessed.WithLabelValues("settled").Add(float64(settled))
	}
	if expired > 0 {
		m.policiesProcessed.WithLabelValues("expired").Add(float64(expired))
	}
	if failed > 0 {
		m.policiesProcessed.WithLabelValues("failed").Add(float64(failed))
	}
	m.batchLatency.Observe(seconds)
}

// ObservePayout records the cumulative payout of a boundary in whole tokens.
func (m *SettlementMetrics) ObservePayout(boundary uint64, amount float64) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("%d", boundary)
	m.payoutSum.WithLabelValues(label).Set(amount)
}

// SetBoundaryLag records how far behind the scheduler is on due boundaries.
func (m *SettlementMetrics) SetBoundaryLag(seconds float64) {
	if m == nil {
		return
	}
	m.boundaryLag.Set(seconds)
}

// IncPriceMiss counts a boundary deferral caused by a missing quote.
func (m *SettlementMetrics) IncPriceMiss(token string) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.priceMisses.WithLabelValues(token).Inc()
}

// SetPriceStaleness records the age of the newest usable quote for a token.
func (m *SettlementMetrics) SetPriceStaleness(token string, seconds float64) {
	if m == nil {
		return
	}
	if token == "" {
		token = "unknown"
	}
	m.priceStaleness.WithLabelValues(token).Set(seconds)
}

// SetPaused flips the scheduler pause gauge.
func (m *SettlementMetrics) SetPaused(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// InitResults seeds the per-result counters so dashboards render zero series
// before the first batch runs.
func (m *SettlementMetrics) InitResults() {
	if m == nil {
		return
	}
	for _, result := range []string{"settled", "expired", "failed"} {
		m.policiesProcessed.WithLabelValues(result).Add(0)
	}
}
