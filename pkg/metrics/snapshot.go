package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot metrics label constants
const (
	SnapshotOpSerialize   = "serialize"
	SnapshotOpDeserialize = "deserialize"

	SnapshotResultSuccess = "success"
	SnapshotResultError   = "error"
	SnapshotResultMissing = "missing"
	SnapshotResultCorrupt = "corrupt"
	SnapshotResultClosed  = "closed"
)

var (
	snapshotOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_snapshot_operations_total",
			Help: "Total number of snapshot operations by type and result",
		},
		[]string{"operation", "result"},
	)

	snapshotOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hacep_snapshot_operation_duration_seconds",
			Help:    "Duration of snapshot operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	snapshotSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_snapshot_size_bytes",
			Help: "Encoded size of the last persisted snapshot",
		},
	)

	snapshotEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_snapshot_epoch",
			Help: "Epoch of the last persisted or restored snapshot",
		},
	)
)

func init() {
	MustRegister(
		snapshotOpsTotal,
		snapshotOpDurationSeconds,
		snapshotSizeBytes,
		snapshotEpoch,
	)
}

// RecordSnapshotOperation records a snapshot operation with its result
func RecordSnapshotOperation(op string, result string) {
	snapshotOpsTotal.WithLabelValues(op, result).Inc()
}

// ObserveSnapshotOperationDuration records the duration of a snapshot operation
func ObserveSnapshotOperationDuration(op string, duration float64) {
	snapshotOpDurationSeconds.WithLabelValues(op).Observe(duration)
}

// SetSnapshotSize sets the size of the last persisted snapshot
func SetSnapshotSize(bytes float64) {
	snapshotSizeBytes.Set(bytes)
}

// SetSnapshotEpoch sets the snapshot epoch gauge
func SetSnapshotEpoch(epoch uint64) {
	snapshotEpoch.Set(float64(epoch))
}
