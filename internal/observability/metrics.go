// Package observability exposes prometheus metrics for the conversation
// core.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_turns_total",
			Help: "Completed conversation turns by intent and final status.",
		},
		[]string{"intent", "status"},
	)

	turnDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypilot_turn_duration_seconds",
			Help:    "Wall-clock duration of a conversation turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"intent"},
	)

	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypilot_stream_events_total",
			Help: "Events forwarded to clients by event name.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(turnsTotal, turnDurationSeconds, streamEventsTotal)
}

// ObserveTurn records one finished turn.
func ObserveTurn(intent, status string, d time.Duration) {
	if intent == "" {
		intent = "unknown"
	}
	turnsTotal.WithLabelValues(intent, status).Inc()
	turnDurationSeconds.WithLabelValues(intent).Observe(d.Seconds())
}

// ObserveStreamEvent counts one event forwarded over the wire.
func ObserveStreamEvent(event string) {
	streamEventsTotal.WithLabelValues(event).Inc()
}
