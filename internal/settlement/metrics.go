package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "item_outcomes_total",
		Help:      "Settled items by outcome.",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "pass_duration_seconds",
		Help:      "Duration of settlement passes.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"trigger", "status"})

	lastPassTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix time the last settlement pass finished.",
	})
)
