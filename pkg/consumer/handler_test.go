package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj/hacep/pkg/engine"
	"github.com/raj/hacep/pkg/eventlog"
	"github.com/raj/hacep/pkg/types"
)

func rec(key string, offset int64, value []byte) eventlog.Record {
	return eventlog.Record{Topic: topic, Partition: 0, Offset: offset, Key: []byte(key), Value: value}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
		want  types.Event
	}{
		{"insert envelope", []byte(`{"op":"insert","payload":"aGk="}`), types.Event{Op: types.OpInsert, Payload: []byte("hi")}},
		{"retract envelope", []byte(` {"op":"retract"}`), types.Event{Op: types.OpRetract}},
		{"raw bytes", []byte("temperature=21"), types.Event{Op: types.OpInsert, Payload: []byte("temperature=21")}},
		{"json without op", []byte(`{"reading":21}`), types.Event{Op: types.OpInsert, Payload: []byte(`{"reading":21}`)}},
		{"unknown op", []byte(`{"op":"upsert"}`), types.Event{Op: types.OpInsert, Payload: []byte(`{"op":"upsert"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeEvent(tt.value))
		})
	}
}

func TestHandler_ApplyPath(t *testing.T) {
	ctx := context.Background()
	holder := engine.NewHolder(nil, engine.MemoryFactory(nil, nil))
	h := NewHandler(nil, holder)

	_, err := h.Handle(ctx, rec("k1", 0, nil))
	assert.ErrorIs(t, err, engine.ErrNotReady)

	require.NoError(t, holder.Init())
	mem := holder.Engine().(*engine.MemoryEngine)
	table := holder.Table()

	out, err := h.Handle(ctx, rec("k1", 0, []byte("v1")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, out)
	first, ok := table.Lookup("k1")
	require.True(t, ok)

	// Redelivery at or before the recorded offset changes nothing.
	out, err = h.Handle(ctx, rec("k1", 0, []byte("v1")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Len(t, mem.Facts(), 1)
	assert.Equal(t, 1, table.Len())

	out, err = h.Handle(ctx, rec("k1", 3, []byte("v2")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)
	second, _ := table.Lookup("k1")
	assert.NotEqual(t, first.Handle, second.Handle)
	assert.Equal(t, int64(3), second.LastAppliedOffset)
	facts := mem.Facts()
	require.Len(t, facts, 1)
	assert.Equal(t, []byte("v2"), facts[0].Payload)

	out, err = h.Handle(ctx, rec("k1", 2, envelopeBytes(types.OpRetract)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out, "stale retract")

	out, err = h.Handle(ctx, rec("k1", 4, envelopeBytes(types.OpRetract)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetracted, out)
	assert.Empty(t, mem.Facts())
	assert.Zero(t, table.Len())

	out, err = h.Handle(ctx, rec("k1", 5, envelopeBytes(types.OpRetract)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	out, err = h.Handle(ctx, rec("", 6, []byte("v")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Empty(t, mem.Facts())
}

func envelopeBytes(op types.EventOp) []byte {
	return []byte(`{"op":"` + string(op) + `"}`)
}

func TestHandler_KeyAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	holder := engine.NewHolder(nil, engine.MemoryFactory(nil, nil))
	require.NoError(t, holder.Init())
	mem := holder.Engine().(*engine.MemoryEngine)
	h := NewHandler(nil, holder)

	at := func(topic string, partition int32, offset int64, value []byte) eventlog.Record {
		return eventlog.Record{Topic: topic, Partition: partition, Offset: offset, Key: []byte("k"), Value: value}
	}

	out, err := h.Handle(ctx, at("orders", 0, 7, []byte("old")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, out)

	// A lower offset on another topic is a new event, not a redelivery.
	out, err = h.Handle(ctx, at("payments", 0, 2, []byte("new")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)
	facts := mem.Facts()
	require.Len(t, facts, 1)
	assert.Equal(t, []byte("new"), facts[0].Payload)

	entry, ok := holder.Table().Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "payments", entry.Topic)
	assert.Equal(t, int64(2), entry.LastAppliedOffset)

	// Same for another partition of the same topic.
	out, err = h.Handle(ctx, at("payments", 1, 0, []byte("newer")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)

	// Redelivery of the last applied record is still recognised.
	out, err = h.Handle(ctx, at("payments", 1, 0, []byte("newer")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	out, err = h.Handle(ctx, at("payments", 0, 3, envelopeBytes(types.OpRetract)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetracted, out)
	assert.Empty(t, mem.Facts())
	assert.Zero(t, holder.Table().Len())
}

func TestHandler_LegacyEntryIsNeverStale(t *testing.T) {
	ctx := context.Background()
	holder := engine.NewHolder(nil, engine.MemoryFactory(nil, nil))
	require.NoError(t, holder.Init())
	h := NewHandler(nil, holder)

	handle, err := holder.Engine().Apply(ctx, "k", []byte("old"))
	require.NoError(t, err)
	holder.Table().Restore([]types.FactHandleEntry{{ExternalKey: "k", Handle: handle, LastAppliedOffset: 9}})

	out, err := h.Handle(ctx, rec("k", 4, []byte("new")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, out)
}
