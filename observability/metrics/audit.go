package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type AuditMetrics struct {
	sweeps    prometheus.Counter
	findings  *prometheus.CounterVec
	lastClean prometheus.Gauge
}

var (
	auditOnce     sync.Once
	auditRegistry *AuditMetrics
)

func Audit() *AuditMetrics {
	auditOnce.Do(func() {
		auditRegistry = &AuditMetrics{
			sweeps: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "audit_sweeps_total",
				Help: "Count of completed ledger verification sweeps.",
			}),
			findings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "audit_findings_total",
				Help: "Count of conservation violations detected, by check.",
			}, []string{"check"}),
			lastClean: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "audit_last_sweep_clean",
				Help: "Whether the most recent verification sweep found no violations.",
			}),
		}
		prometheus.MustRegister(
			auditRegistry.sweeps,
			auditRegistry.findings,
			auditRegistry.lastClean,
		)
	})
	return auditRegistry
}

// ObserveSweep records the completion of one verification sweep.
func (m *AuditMetrics) ObserveSweep(clean bool) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	if clean {
		m.lastClean.Set(1)
		return
	}
	m.lastClean.Set(0)
}

// IncFinding counts a conservation violation under its check name.
func (m *AuditMetrics) IncFinding(check string) {
	if m == nil {
		return
	}
	if check == "" {
		check = "unknown"
	}
	m.findings.WithLabelValues(check).Inc()
}
