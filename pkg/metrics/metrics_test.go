package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreRegistered(t *testing.T) {
	families, err := Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"hacep_election_is_leader",
		"hacep_election_tenure",
		"hacep_producer_armed",
		"hacep_snapshot_epoch",
		"go_goroutines",
	} {
		assert.True(t, names[want], want)
	}
}

func TestGauges(t *testing.T) {
	SetIsLeader(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(electionIsLeader))
	SetIsLeader(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(electionIsLeader))

	SetTenure(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(electionTenure))

	SetProducerArmed(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(producerArmed))
	SetProducerArmed(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(producerArmed))
}

func TestSnapshotCounters(t *testing.T) {
	before := testutil.ToFloat64(snapshotOpsTotal.WithLabelValues(SnapshotOpSerialize, SnapshotResultCorrupt))
	RecordSnapshotOperation(SnapshotOpSerialize, SnapshotResultCorrupt)
	after := testutil.ToFloat64(snapshotOpsTotal.WithLabelValues(SnapshotOpSerialize, SnapshotResultCorrupt))
	assert.Equal(t, before+1, after)

	SetSnapshotEpoch(9)
	expected := `
# HELP hacep_snapshot_epoch Epoch of the last persisted or restored snapshot
# TYPE hacep_snapshot_epoch gauge
hacep_snapshot_epoch 9
`
	require.NoError(t, testutil.CollectAndCompare(snapshotEpoch, strings.NewReader(expected)))
}
