package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smsmaster"

var (
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	attemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent in one provider call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	occurrencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "occurrences_total",
			Help:      "Finished occurrences by result",
		},
		[]string{"result"},
	)

	rateWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a rate limit permit",
			Buckets:   []float64{0, .1, .5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"provider"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the dispatch queue",
		},
	)
)

func recordAttempt(provider, outcome string, d time.Duration) {
	attemptsTotal.WithLabelValues(provider, outcome).Inc()
	attemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func recordOccurrence(result string) {
	occurrencesTotal.WithLabelValues(result).Inc()
}

func recordRateWait(provider string, d time.Duration) {
	rateWait.WithLabelValues(provider).Observe(d.Seconds())
}
