// Package metrics registers the Prometheus collectors of the fulfillment service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PurchasesCreated counts createPurchase outcomes: created, replayed, rejected.
	PurchasesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcenet_purchases_total",
			Help: "createPurchase calls by outcome",
		},
		[]string{"outcome"},
	)

	// PurchaseTransitions counts applied purchase status transitions.
	PurchaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcenet_purchase_transitions_total",
			Help: "Applied purchase status transitions",
		},
		[]string{"from", "to"},
	)

	// FulfillmentAttempts counts worker attempts by result.
	FulfillmentAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcenet_fulfillment_attempts_total",
			Help: "Fulfillment attempts by result (completed, retry, refunded, escalated, skipped, locked)",
		},
		[]string{"result"},
	)

	// FulfillmentDuration observes the wall time of one fulfillment attempt.
	FulfillmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sourcenet_fulfillment_duration_seconds",
			Help:    "Duration of fulfillment attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// EscrowSettlements counts settlement attempts: released, refunded, rejected.
	EscrowSettlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcenet_escrow_settlements_total",
			Help: "Escrow settlement attempts by outcome",
		},
		[]string{"outcome"},
	)

	// StoreOperations counts encrypted store operations by op and result.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcenet_store_operations_total",
			Help: "Encrypted store operations by op and result",
		},
		[]string{"op", "result"},
	)

	// Alerts counts operator alerts by reason.
	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcenet_alerts_total",
			Help: "Operator alerts raised",
		},
		[]string{"reason"},
	)
)
