package fixer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal counts finished fix attempts by outcome.
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heald",
			Subsystem: "fixer",
			Name:      "attempts_total",
			Help:      "Total number of fix attempts by outcome",
		},
		[]string{"outcome"},
	)

	// inFlight is 1 while an error is in FIXING state.
	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "heald",
			Subsystem: "fixer",
			Name:      "in_flight",
			Help:      "Whether a fix attempt is currently in flight",
		},
	)

	// escalations counts errors that exhausted their attempt budget.
	escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heald",
			Subsystem: "fixer",
			Name:      "escalations_total",
			Help:      "Total number of errors escalated after exhausting retries",
		},
	)
)
