package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Consumer metrics labels
const (
	// Event results
	EventResultInserted = "inserted"
	EventResultUpdated  = "updated"
	EventResultRetract  = "retracted"
	EventResultSkipped  = "skipped"
	EventResultError    = "error"

	// Session lifecycle
	SessionStarted      = "started"
	SessionStopped      = "stopped"
	SessionStartFailed  = "start_failed"
	SessionFromSnapshot = "from_snapshot"
	SessionFresh        = "fresh"
)

var (
	consumerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_consumer_events_total",
			Help: "Total number of input events by apply result",
		},
		[]string{"result"},
	)

	consumerPollErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hacep_consumer_poll_errors_total",
			Help: "Total number of failed polls against the event log",
		},
	)

	consumerSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_consumer_sessions_total",
			Help: "Total number of consumer session lifecycle events",
		},
		[]string{"event"},
	)

	consumerSessionRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_consumer_session_running",
			Help: "1 while a consumer session is polling",
		},
	)

	consumerOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hacep_consumer_offset",
			Help: "Resume position per input partition",
		},
		[]string{"topic", "partition"},
	)

	consumerFactHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_consumer_fact_handles",
			Help: "Number of entries in the fact handle table",
		},
	)
)

func init() {
	MustRegister(
		consumerEventsTotal,
		consumerPollErrors,
		consumerSessionsTotal,
		consumerSessionRunning,
		consumerOffset,
		consumerFactHandles,
	)
}

// RecordConsumerEvent records the result of applying one input event.
func RecordConsumerEvent(result string) {
	consumerEventsTotal.WithLabelValues(result).Inc()
}

// IncrementPollErrors increments the poll error counter.
func IncrementPollErrors() {
	consumerPollErrors.Inc()
}

// RecordSessionEvent records a session lifecycle event.
func RecordSessionEvent(event string) {
	consumerSessionsTotal.WithLabelValues(event).Inc()
}

// SetSessionRunning flips the running gauge.
func SetSessionRunning(running bool) {
	if running {
		consumerSessionRunning.Set(1)
		return
	}
	consumerSessionRunning.Set(0)
}

// SetConsumerOffset publishes the resume position of a partition.
func SetConsumerOffset(topic, partition string, offset float64) {
	consumerOffset.WithLabelValues(topic, partition).Set(offset)
}

// SetFactHandles sets the size of the fact handle table.
func SetFactHandles(n float64) {
	consumerFactHandles.Set(n)
}
