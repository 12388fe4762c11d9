package billingmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of subscriptions in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscriptions by lifecycle status.",
	}, []string{"status"})

	// TransitionsTotal counts lifecycle transitions by event and result.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "transitions_total",
		Help:      "Total subscription transitions by event and result.",
	}, []string{"event", "result"})

	// GuardRejectionsTotal counts billing guard rejections by action and kind.
	GuardRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "guard_rejections_total",
		Help:      "Total billing action guard rejections by action and reason.",
	}, []string{"action", "kind"})

	// VersionConflictsTotal counts optimistic concurrency retries.
	VersionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "version_conflicts_total",
		Help:      "Total subscription version conflicts that forced a retry.",
	}, []string{"event"})

	// ProrationCentsTotal sums booked proration by direction (debit/credit).
	ProrationCentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "proration_cents_total",
		Help:      "Total prorated amount booked, in minor units, by direction.",
	}, []string{"direction"})

	// AccessDecisionsTotal counts access decisions by outcome.
	AccessDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "access_decisions_total",
		Help:      "Total access decisions by outcome.",
	}, []string{"outcome"})

	// EntitlementCacheTotal counts entitlement cache lookups by result (hit/miss).
	EntitlementCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "entitlement_cache_total",
		Help:      "Entitlement cache lookups by result.",
	}, []string{"result"})

	// WebhookEventsTotal counts Stripe events by type and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Total Stripe events by type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks Stripe event processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe event processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// GraceExpirationsTotal counts subscriptions moved to expired by the grace enforcer.
	GraceExpirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "suite",
		Subsystem: "billing",
		Name:      "grace_expirations_total",
		Help:      "Total past-due subscriptions expired after the grace period.",
	})
)
