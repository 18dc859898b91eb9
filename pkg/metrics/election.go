package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Election metrics label constants
const (
	// Operations
	ElectionOpAcquire   = "acquire"
	ElectionOpRelease   = "release"
	ElectionOpWatch     = "watch"
	ElectionOpCallback  = "callback"
	ElectionOpTenure    = "tenure"
	ElectionOpAddVoter  = "add_voter"
	ElectionOpRemove    = "remove_server"
	ElectionOpBootstrap = "bootstrap"

	// Results
	ElectionResultSuccess   = "success"
	ElectionResultError     = "error"
	ElectionResultCanceled  = "canceled"
	ElectionResultLost      = "lost"
	ElectionResultPanic     = "panic"
	ElectionResultNotLeader = "not_leader"
	ElectionResultTimeout   = "timeout"
)

var (
	electionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_election_operations_total",
			Help: "Total number of leader election operations by type and result",
		},
		[]string{"operation", "result"},
	)

	electionOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hacep_election_operation_duration_seconds",
			Help:    "Duration of leader election operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	electionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_election_transitions_total",
			Help: "Total number of local leadership state transitions by target state",
		},
		[]string{"state"},
	)

	electionLeaderChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hacep_election_leader_changes_total",
			Help: "Total number of observed lock holder changes",
		},
	)

	electionIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_election_is_leader",
			Help: "1 while this process holds the leadership lock",
		},
	)

	electionTenure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_election_tenure",
			Help: "Fencing token of the current or last leadership tenure",
		},
	)
)

func init() {
	MustRegister(
		electionOpsTotal,
		electionOpDurationSeconds,
		electionTransitionsTotal,
		electionLeaderChanges,
		electionIsLeader,
		electionTenure,
	)
}

// RecordElectionOperation records an election operation with its result
func RecordElectionOperation(op string, result string) {
	electionOpsTotal.WithLabelValues(op, result).Inc()
}

// ObserveElectionOperationDuration records the duration of an election operation
func ObserveElectionOperationDuration(op string, duration float64) {
	electionOpDurationSeconds.WithLabelValues(op).Observe(duration)
}

// RecordLeadershipTransition counts a transition into state.
func RecordLeadershipTransition(state string) {
	electionTransitionsTotal.WithLabelValues(state).Inc()
}

// IncrementLeaderChanges increments the observed holder change counter
func IncrementLeaderChanges() {
	electionLeaderChanges.Inc()
}

// SetIsLeader flips the leadership gauge.
func SetIsLeader(leader bool) {
	if leader {
		electionIsLeader.Set(1)
		return
	}
	electionIsLeader.Set(0)
}

// SetTenure sets the fencing token gauge.
func SetTenure(token uint64) {
	electionTenure.Set(float64(token))
}
