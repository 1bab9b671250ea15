package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Paddle webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "paddle",
		Name:      "webhook_requests_total",
		Help:      "Total Paddle webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Paddle webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billing",
		Subsystem: "paddle",
		Name:      "webhook_duration_seconds",
		Help:      "Paddle webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookDuplicatesTotal counts deliveries skipped because the event ID was already processed.
	WebhookDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "paddle",
		Name:      "webhook_duplicates_total",
		Help:      "Paddle webhook deliveries skipped as duplicates.",
	})

	// ReconciliationsTotal counts reconciliation handler outcomes.
	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "sync",
		Name:      "reconciliations_total",
		Help:      "Reconciliation handler outcomes by event type.",
	}, []string{"event_type", "outcome"})

	// EntitlementProjectionsTotal counts entitlement writes by projected status.
	EntitlementProjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "sync",
		Name:      "entitlement_projections_total",
		Help:      "Entitlement projections applied to user records by status.",
	}, []string{"status"})

	// TokensConsumedTotal counts tokens debited from user quotas.
	TokensConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "usage",
		Name:      "tokens_consumed_total",
		Help:      "Tokens debited from user quotas.",
	})
)

// Reconciliation outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
	OutcomeInserted = "inserted"
	OutcomeNoop     = "noop"
)
