package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsPublished counts events by type.
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heald",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total number of events published to the bus",
		},
		[]string{"type"},
	)

	// handlerFailures counts handler panics by event type.
	handlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heald",
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Total number of subscriber handler panics",
		},
		[]string{"type"},
	)
)
