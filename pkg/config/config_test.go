package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj/hacep/pkg/types"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, c.NodeID)
	assert.Equal(t, "hacep", c.GroupID)
	assert.Equal(t, []string{"events"}, c.InputTopics)
	assert.Equal(t, types.StartEarliest, c.Start())
	assert.Equal(t, time.Second, c.PollTimeout)
	assert.Equal(t, BackendKafka, c.SnapshotBackend)
	assert.Equal(t, "snapshots", c.SnapshotTopic)
	assert.Equal(t, "hacep/hacep", c.LockKey())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("HACEP_NODE_ID", "node-a")
	t.Setenv("HACEP_GROUP_ID", "orders")
	t.Setenv("HACEP_INPUT_TOPICS", "orders,payments")
	t.Setenv("HACEP_START_POSITION", "latest")
	t.Setenv("HACEP_SNAPSHOT_BACKEND", "bolt")
	t.Setenv("HACEP_SNAPSHOT_INTERVAL", "30s")
	t.Setenv("HACEP_GOSSIP_SEEDS", "10.0.0.1:7946,10.0.0.2:7946")
	t.Setenv("HACEP_HTTP_ADDR", "127.0.0.1:9000")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "node-a", c.NodeID)
	assert.Equal(t, []string{"orders", "payments"}, c.InputTopics)
	assert.Equal(t, types.StartLatest, c.Start())
	assert.Equal(t, BackendBolt, c.SnapshotBackend)
	assert.Equal(t, 30*time.Second, c.SnapshotInterval)
	assert.Len(t, c.GossipSeeds, 2)
	assert.Equal(t, "127.0.0.1:9000", c.HTTPAddr)
	assert.Equal(t, "orders-node-a", c.ClientID())
	assert.Equal(t, "orders", c.SnapshotKey())

	host, port, err := c.GossipAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7946, port)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	c := &Config{
		NodeID:          "n",
		GroupID:         "",
		StartPosition:   "middle",
		PollTimeout:     0,
		SnapshotBackend: "s3",
		LockBackend:     LockRaft,
		RaftDataDir:     "data",
		RaftBind:        "nope",
	}
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"group id", "input topic", "start position", "poll timeout", "snapshot backend", "raft bind"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_RejectsBadEnvironment(t *testing.T) {
	t.Setenv("HACEP_POLL_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
}
