package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Billing metrics are registered on the default registry and exposed at /metrics.
var (
	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by provider and response status.",
		},
		[]string{"provider", "status"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Canonical payment events produced by gateway adapters.",
		},
		[]string{"provider", "type"},
	)

	ledgerWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "ledger_write_failures_total",
			Help:      "Ledger rows that could not be written.",
		},
		[]string{"provider"},
	)

	reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "reconciliations_total",
			Help:      "Entitlement reconciliations by action, path and result.",
		},
		[]string{"action", "path", "result"},
	)

	originations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "originations_total",
			Help:      "Checkout and portal sessions started, by provider and outcome.",
		},
		[]string{"kind", "provider", "outcome"},
	)

	gatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of outbound gateway API calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	archiveJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "archive_jobs_total",
			Help:      "Payload archive jobs by final outcome.",
		},
		[]string{"outcome"},
	)

	archiveQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "polaris",
			Subsystem: "billing",
			Name:      "archive_queue_depth",
			Help:      "Payload archive jobs waiting or in flight.",
		},
		[]string{"state"},
	)
)

// ObserveWebhookDelivery counts one inbound delivery and its HTTP status.
func ObserveWebhookDelivery(provider, status string) {
	webhookDeliveries.WithLabelValues(provider, status).Inc()
}

// ObserveWebhookEvent counts one mapped event.
func ObserveWebhookEvent(provider, eventType string) {
	webhookEvents.WithLabelValues(provider, eventType).Inc()
}

func IncLedgerWriteFailure(provider string) {
	ledgerWriteFailures.WithLabelValues(provider).Inc()
}

// ObserveReconciliation records which write path handled an event. result is
// "ok", "skipped" or "failed".
func ObserveReconciliation(action, path, result string) {
	reconciliations.WithLabelValues(action, path, result).Inc()
}

// ObserveOrigination counts checkout/portal starts; outcome is "ok" or "degraded".
func ObserveOrigination(kind, provider, outcome string) {
	originations.WithLabelValues(kind, provider, outcome).Inc()
}

// ObserveGatewayCall records an outbound API call duration in seconds.
func ObserveGatewayCall(provider, operation string, seconds float64) {
	gatewayDuration.WithLabelValues(provider, operation).Observe(seconds)
}

// ObserveArchiveJob counts a finished archive job; outcome is "completed",
// "retrying" or "failed".
func ObserveArchiveJob(outcome string) {
	archiveJobs.WithLabelValues(outcome).Inc()
}

func SetArchiveQueueDepth(state string, n int64) {
	archiveQueueDepth.WithLabelValues(state).Set(float64(n))
}
