package initializer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initializationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initializations_total",
		Help: "Payment initialization attempts, by gateway and outcome.",
	}, []string{"gateway", "outcome"})

	initializeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_initialize_duration_seconds",
		Help:    "Time spent initializing one payment, gateway round trip included.",
		Buckets: prometheus.DefBuckets,
	})
)

// GetInitializationsTotal exposes the counter vector for tests.
func GetInitializationsTotal() *prometheus.CounterVec { return initializationsTotal }

// GetInitializeDurationSeconds exposes the duration histogram for tests.
func GetInitializeDurationSeconds() prometheus.Histogram { return initializeDurationSeconds }
