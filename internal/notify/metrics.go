package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsmaster",
			Subsystem: "notify",
			Name:      "delivered_total",
			Help:      "Outcome deliveries by sink and result",
		},
		[]string{"sink", "result"},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smsmaster",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Outcomes dropped because a sink fell behind",
		},
	)
)
