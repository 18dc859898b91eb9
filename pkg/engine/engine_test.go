package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj/hacep/pkg/producer"
	"github.com/raj/hacep/pkg/types"
)

func TestMemoryEngine_ApplyRetractAndNotify(t *testing.T) {
	ctx := context.Background()
	sink := producer.NewMemorySink()
	gate := producer.NewGate(nil, sink, producer.GateOptions{Topic: "out"})
	gate.OnLeader()
	e := NewMemoryEngine(nil, gate)

	h1, err := e.Apply(ctx, "k1", []byte("a"))
	require.NoError(t, err)
	h2, err := e.Apply(ctx, "k2", []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, []types.Handle{h1, h2}, e.Handles())

	require.NoError(t, e.Retract(ctx, h1))
	assert.ErrorIs(t, e.Retract(ctx, h1), ErrUnknownHandle)
	assert.Equal(t, []types.Handle{h2}, e.Handles())

	msgs := sink.Messages()
	require.Len(t, msgs, 3)
	var n Notification
	require.NoError(t, json.Unmarshal(msgs[2].Value, &n))
	assert.Equal(t, Notification{Op: "retracted", Key: "k1", Handle: h1}, n)
	assert.Equal(t, "out", msgs[0].Topic)
}

func TestMemoryEngine_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine(nil, nil)
	_, err := e.Apply(ctx, "k1", []byte("a"))
	require.NoError(t, err)
	h2, err := e.Apply(ctx, "k2", []byte("b"))
	require.NoError(t, err)

	state, err := e.SerializeState()
	require.NoError(t, err)

	restored := NewMemoryEngine(nil, nil)
	require.NoError(t, restored.RestoreState(state))
	assert.Equal(t, e.Facts(), restored.Facts())

	// Handles keep increasing after a restore.
	h3, err := restored.Apply(ctx, "k3", nil)
	require.NoError(t, err)
	assert.Greater(t, h3, h2)

	assert.Error(t, restored.RestoreState([]byte("{")))
	assert.Error(t, restored.RestoreState([]byte(`{"next":1,"facts":[{"handle":5,"key":"x"}]}`)))
}

func TestMemoryEngine_Dispose(t *testing.T) {
	e := NewMemoryEngine(nil, nil)
	require.NoError(t, e.Dispose())
	assert.ErrorIs(t, e.Dispose(), ErrDisposed)
	_, err := e.Apply(context.Background(), "k", nil)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = e.SerializeState()
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestHolder_InitAndRestore(t *testing.T) {
	ctx := context.Background()
	h := NewHolder(nil, MemoryFactory(nil, nil))
	assert.Nil(t, h.Engine())
	require.NoError(t, h.Dispose())

	require.NoError(t, h.Init())
	first := h.Engine()
	handle, err := first.Apply(ctx, "k1", []byte("a"))
	require.NoError(t, err)
	h.Table().Put("k1", handle, types.TopicPartition{Topic: "events"}, 0)
	state, err := first.SerializeState()
	require.NoError(t, err)

	snap := &types.Snapshot{
		Version:     types.SnapshotVersion,
		Epoch:       1,
		EngineState: state,
		FactHandles: []types.FactHandleEntry{
			{ExternalKey: "k1", Handle: handle},
			{ExternalKey: "ghost", Handle: 99},
		},
	}
	require.NoError(t, h.InitFromSnapshot(snap))
	assert.NotSame(t, first, h.Engine())
	_, err = first.SerializeState()
	assert.ErrorIs(t, err, ErrDisposed, "previous engine disposed on swap")

	// The orphaned entry is dropped against the restored engine.
	assert.Equal(t, 1, h.Table().Len())
	_, ok := h.Table().Lookup("ghost")
	assert.False(t, ok)

	require.NoError(t, h.Dispose())
	require.NoError(t, h.Dispose())
	assert.Nil(t, h.Engine())
}

func TestHolder_FailedRestoreKeepsCurrentEngine(t *testing.T) {
	h := NewHolder(nil, MemoryFactory(nil, nil))
	require.NoError(t, h.Init())
	current := h.Engine()

	err := h.InitFromSnapshot(&types.Snapshot{Epoch: 2, EngineState: []byte("garbage")})
	require.Error(t, err)
	assert.Same(t, current, h.Engine())
	assert.Error(t, h.InitFromSnapshot(nil))

	failing := NewHolder(nil, func() (StateEngine, error) { return nil, errors.New("no rules") })
	assert.Error(t, failing.Init())
}
