// Package observability bundles the Prometheus collectors shared by the
// payout worker and settlement engine.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics
)

// PayoutMetrics wraps collectors tracking payout pipeline health.
type PayoutMetrics struct {
	jobsProcessed *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	settlements   *prometheus.CounterVec
	workerErrors  *prometheus.CounterVec
}

// Payout returns the lazily-initialised metrics registry.
func Payout() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proven",
				Subsystem: "payout",
				Name:      "jobs_total",
				Help:      "Payout jobs processed segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "proven",
				Subsystem: "payout",
				Name:      "job_duration_seconds",
				Help:      "Latency distribution for payout job execution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"type"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "proven",
				Subsystem: "payout",
				Name:      "queue_depth",
				Help:      "Number of payout jobs per queue status.",
			}, []string{"status"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proven",
				Subsystem: "settlement",
				Name:      "days_total",
				Help:      "Daily settlements computed segmented by outcome.",
			}, []string{"outcome"}),
			workerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "proven",
				Subsystem: "payout",
				Name:      "errors_total",
				Help:      "Count of worker failures segmented by type and reason.",
			}, []string{"type", "reason"}),
		}
		prometheus.MustRegister(
			payoutRegistry.jobsProcessed,
			payoutRegistry.jobLatency,
			payoutRegistry.queueDepth,
			payoutRegistry.settlements,
			payoutRegistry.workerErrors,
		)
	})
	return payoutRegistry
}

// ObserveJob records the outcome and latency of one payout job execution.
func (m *PayoutMetrics) ObserveJob(payoutType string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	label := labelType(payoutType)
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.jobsProcessed.WithLabelValues(label, outcome).Inc()
	m.jobLatency.WithLabelValues(label).Observe(d.Seconds())
}

// SetQueueDepth updates the per-status queue depth gauge.
func (m *PayoutMetrics) SetQueueDepth(status string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(labelType(status)).Set(float64(depth))
}

// RecordSettlement counts one settlement attempt.
func (m *PayoutMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(labelType(outcome)).Inc()
}

// RecordError increments the worker error counter for the supplied reason.
func (m *PayoutMetrics) RecordError(payoutType, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.workerErrors.WithLabelValues(labelType(payoutType), reason).Inc()
}

func labelType(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
