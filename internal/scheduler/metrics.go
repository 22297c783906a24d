package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsmaster",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler scans by result",
		},
		[]string{"result"},
	)

	claimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smsmaster",
			Subsystem: "scheduler",
			Name:      "claimed_total",
			Help:      "Due occurrences moved to dispatching and enqueued",
		},
	)

	recoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smsmaster",
			Subsystem: "scheduler",
			Name:      "recovered_claims_total",
			Help:      "Dispatching rows handed back to pending after the claim lease ran out",
		},
	)
)
