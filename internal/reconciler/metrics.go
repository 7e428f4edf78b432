package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Reconciliation events processed, by source and outcome.",
	}, []string{"source", "outcome"})

	duplicateNotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_duplicate_notifications_total",
		Help: "Gateway notifications that arrived for an already-settled session.",
	})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_reconcile_duration_seconds",
		Help:    "Time spent reconciling one inbound event.",
		Buckets: prometheus.DefBuckets,
	})
)

// GetReconciliationsTotal exposes the counter vector for tests.
func GetReconciliationsTotal() *prometheus.CounterVec { return reconciliationsTotal }

// GetDuplicateNotificationsTotal exposes the duplicate counter for tests.
func GetDuplicateNotificationsTotal() prometheus.Counter { return duplicateNotificationsTotal }

// GetReconcileDurationSeconds exposes the duration histogram for tests.
func GetReconcileDurationSeconds() prometheus.Histogram { return reconcileDurationSeconds }
