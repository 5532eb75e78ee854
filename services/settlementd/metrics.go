package settlementd

import (
	"bithedge/core"
	"bithedge/native/audit"
	"bithedge/observability/metrics"
)

// Metrics bundles the Prometheus collectors the daemon publishes.
type Metrics struct {
	Settlement *metrics.SettlementMetrics
	Pool       *metrics.PoolMetrics
	Audit      *metrics.AuditMetrics
}

// NewMetrics returns the lazily initialised metrics handles.
func NewMetrics() *Metrics {
	m := &Metrics{
		Settlement: metrics.Settlement(),
		Pool:       metrics.Pool(),
		Audit:      metrics.Audit(),
	}
	m.Settlement.InitResults()
	return m
}

// ObserveBatch forwards one batch outcome to the settlement collectors.
func (m *Metrics) ObserveBatch(settled, expired, failed int, seconds float64) {
	if m == nil {
		return
	}
	m.Settlement.ObserveBatch(settled, expired, failed, seconds)
}

// ObservePayout records a boundary's total payout in whole tokens.
func (m *Metrics) ObservePayout(boundary uint64, amount float64) {
	if m == nil {
		return
	}
	m.Settlement.ObservePayout(boundary, amount)
}

// SetBoundaryLag records how far behind the scheduler sits.
func (m *Metrics) SetBoundaryLag(seconds float64) {
	if m == nil {
		return
	}
	m.Settlement.SetBoundaryLag(seconds)
}

// SetPaused flips the scheduler pause gauge.
func (m *Metrics) SetPaused(engaged bool) {
	if m == nil {
		return
	}
	m.Settlement.SetPaused(engaged)
}

// IncPriceMiss counts a settlement deferral caused by a missing quote.
func (m *Metrics) IncPriceMiss(token string) {
	if m == nil {
		return
	}
	m.Settlement.IncPriceMiss(token)
}

// RecordPool publishes one token's pool totals to the liquidity gauges.
func (m *Metrics) RecordPool(token string, totals *core.PoolTotals) {
	if m == nil || totals == nil {
		return
	}
	m.Pool.SetLiquidity(token,
		amountToFloat(totals.Deposited),
		amountToFloat(totals.Available),
		amountToFloat(totals.Allocated),
	)
	m.Pool.SetPremiums(token,
		amountToFloat(totals.PendingPremiums),
		amountToFloat(totals.EarnedPremiums),
		amountToFloat(totals.VaultBalance),
	)
	m.Pool.SetProviders(token, totals.Providers)
}

// ObserveSweep publishes one verification sweep's result.
func (m *Metrics) ObserveSweep(report *audit.Report) {
	if m == nil || report == nil {
		return
	}
	m.Audit.ObserveSweep(report.Clean())
	for _, finding := range report.Findings {
		m.Audit.IncFinding(finding.Check)
	}
}
