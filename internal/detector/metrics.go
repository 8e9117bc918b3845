package detector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// errorsDetected counts persisted errors by type and severity.
	errorsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "heald",
			Subsystem: "detector",
			Name:      "errors_detected_total",
			Help:      "Total number of errors detected and persisted",
		},
		[]string{"type", "severity"},
	)

	// duplicatesSuppressed counts blocks dropped by the dedup window.
	duplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "heald",
			Subsystem: "detector",
			Name:      "duplicates_suppressed_total",
			Help:      "Total number of error blocks suppressed as recent duplicates",
		},
	)
)
