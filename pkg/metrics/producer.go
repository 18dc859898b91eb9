package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Producer metrics label constants
const (
	PublishResultSent    = "sent"
	PublishResultDropped = "dropped"
	PublishResultError   = "error"
)

var (
	producerPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_producer_publish_total",
			Help: "Total number of publish attempts by result",
		},
		[]string{"result"},
	)

	producerArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_producer_armed",
			Help: "1 while the output gate accepts messages",
		},
	)

	producerPublishDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hacep_producer_publish_duration_seconds",
			Help:    "Duration of downstream sends",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	MustRegister(
		producerPublishTotal,
		producerArmed,
		producerPublishDurationSeconds,
	)
}

// RecordPublish records the result of a publish call.
func RecordPublish(result string) {
	producerPublishTotal.WithLabelValues(result).Inc()
}

// SetProducerArmed flips the armed gauge.
func SetProducerArmed(armed bool) {
	if armed {
		producerArmed.Set(1)
		return
	}
	producerArmed.Set(0)
}

// ObservePublishDuration records the duration of a downstream send.
func ObservePublishDuration(seconds float64) {
	producerPublishDurationSeconds.Observe(seconds)
}
