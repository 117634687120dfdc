// Package metrics holds the Prometheus collectors for the study services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinops_study"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	commandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "commands_total",
			Help:      "Commands dispatched, by command type and outcome code.",
		},
		[]string{"command", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "duration_seconds",
			Help:      "Duration of command dispatch including conflict retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"command"},
	)

	appendConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "append_conflicts_total",
			Help:      "Optimistic concurrency conflicts observed while appending.",
		},
		[]string{"command"},
	)

	projectionApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "events_total",
			Help:      "Events handled by the projection engine, by event type and outcome.",
		},
		[]string{"event_type", "outcome"},
	)

	projectionRedeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "redeliveries_total",
			Help:      "Streams scheduled for redelivery after a transient projection failure.",
		},
	)

	projectionDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "dead_letters_total",
			Help:      "Streams that exhausted their redelivery attempts.",
		},
	)

	projectionLagging = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "lagging_streams",
			Help:      "Streams found behind the journal by the last sweep.",
		},
	)

	pollAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "poll_attempts",
			Help:      "Read-store polls needed before a read-after-write wait finished.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
		[]string{"outcome"},
	)

	resolverOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "resolutions_total",
			Help:      "Identifier resolutions, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		commandsDispatched,
		dispatchDuration,
		appendConflicts,
		projectionApplied,
		projectionRedeliveries,
		projectionDeadLetters,
		projectionLagging,
		pollAttempts,
		resolverOutcomes,
	)
}

// Handler returns an HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordDispatch records a dispatched command and its outcome code.
func RecordDispatch(command, outcome string, duration time.Duration) {
	commandsDispatched.WithLabelValues(command, outcome).Inc()
	dispatchDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordAppendConflict records an optimistic concurrency conflict.
func RecordAppendConflict(command string) {
	appendConflicts.WithLabelValues(command).Inc()
}

// RecordProjection records the outcome of applying one event.
func RecordProjection(eventType, outcome string) {
	projectionApplied.WithLabelValues(eventType, outcome).Inc()
}

// RecordRedelivery records a stream scheduled for redelivery.
func RecordRedelivery() {
	projectionRedeliveries.Inc()
}

// RecordDeadLetter records a stream that exhausted redelivery.
func RecordDeadLetter() {
	projectionDeadLetters.Inc()
}

// SetLaggingStreams records how many streams the last sweep found behind.
func SetLaggingStreams(count int) {
	projectionLagging.Set(float64(count))
}

// RecordPoll records how many polls a read-after-write wait took.
func RecordPoll(outcome string, attempts int) {
	pollAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// RecordResolution records an identifier resolution outcome.
func RecordResolution(outcome string) {
	resolverOutcomes.WithLabelValues(outcome).Inc()
}
