package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counter for all membership events
	membershipEventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hacep_membership_events_total",
			Help: "Total number of membership events by type and status",
		},
		[]string{"type", "status"},
	)

	membershipMembersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hacep_membership_members_total",
			Help: "Current number of members in the gossip cluster",
		},
	)

	membershipOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hacep_membership_operation_duration_seconds",
			Help:    "Duration of membership operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	MustRegister(
		membershipEventCounter,
		membershipMembersTotal,
		membershipOperationDuration,
	)
}

// RecordMembershipEvent records a membership event with its type and status
func RecordMembershipEvent(eventType string, status string) {
	membershipEventCounter.WithLabelValues(eventType, status).Inc()
}

// SetMembers sets the current number of cluster members
func SetMembers(count float64) {
	membershipMembersTotal.Set(count)
}

// ObserveMembershipOperationDuration records the duration of a membership operation
func ObserveMembershipOperationDuration(operation string, seconds float64) {
	membershipOperationDuration.WithLabelValues(operation).Observe(seconds)
}
