// Package metrics holds the Prometheus collectors of the entitlement service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "unipanel"

var (
	// UpgradeRequestsTotal counts upgrade requests by tier and outcome.
	UpgradeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "upgrade_requests_total",
		Help:      "Total upgrade requests by tier and outcome (pending, promotional, conflict, invalid, error).",
	}, []string{"tier", "outcome"})

	// CallbacksTotal counts reconciled payment callbacks by outcome.
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "payment_callbacks_total",
		Help:      "Total payment callbacks by reconciliation outcome.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts payment webhook requests by HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by gateway and HTTP status.",
	}, []string{"gateway", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway"})

	// GateDecisionsTotal counts feature gate decisions.
	GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Feature gate decisions by feature and result.",
	}, []string{"feature", "result"})

	// SnapshotCacheTotal counts snapshot cache lookups.
	SnapshotCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "snapshot_cache_total",
		Help:      "Snapshot cache lookups by result (hit, miss).",
	}, []string{"result"})

	// SweptTotal counts rows touched by the background sweeper.
	SweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "swept_total",
		Help:      "Subscriptions touched by the sweeper by kind (expired, stale_pending).",
	}, []string{"kind"})

	// SubscriptionsByStatus tracks stored rows by payment status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscription rows by payment status.",
	}, []string{"status"})
)
