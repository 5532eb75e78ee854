package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type adminMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	adminMetricsOnce sync.Once
	adminRegistry    *adminMetrics
)

// AdminMetrics returns the lazily-initialised registry used to record admin
// API activity.
func AdminMetrics() *adminMetrics {
	adminMetricsOnce.Do(func() {
		adminRegistry = &adminMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bithedge",
				Subsystem: "admin",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bithedge",
				Subsystem: "admin",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bithedge",
				Subsystem: "admin",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bithedge",
				Subsystem: "admin",
				Name:      "throttles_total",
				Help:      "Count of admin API requests rejected before reaching a handler.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			adminRegistry.requests,
			adminRegistry.errors,
			adminRegistry.latency,
			adminRegistry.throttles,
		)
	})
	return adminRegistry
}

// Observe records the outcome of an admin request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *adminMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" or
// "unauthorized" so dashboards and alerts remain consistent.
func (m *adminMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}
