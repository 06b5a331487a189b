package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts events whose effects were applied
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iap_events_processed_total",
		Help: "Number of purchase events successfully processed.",
	})

	// EventsSkipped counts duplicate deliveries rejected by the
	// idempotency guard
	EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iap_events_skipped_total",
		Help: "Number of duplicate purchase events skipped.",
	})

	// EventsFailed counts events that exhausted retries or carried
	// invalid references
	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iap_events_failed_total",
		Help: "Number of purchase events marked failed.",
	})

	// ReconcileCorrections counts entitlements corrected by the
	// reconciliation scheduler
	ReconcileCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_corrections_total",
		Help: "Number of entitlement corrections applied by reconciliation.",
	})

	// ReconcileChecked counts users sampled by the reconciliation scheduler
	ReconcileChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_checked_total",
		Help: "Number of users re-verified by reconciliation.",
	})
)
