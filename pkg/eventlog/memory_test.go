package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj/hacep/pkg/types"
)

func keys(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Key)
	}
	return out
}

func TestMemoryLog_StartPositions(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	for _, k := range []string{"a", "b", "c"} {
		log.Append("events", 0, k, nil)
	}

	earliest, err := log.NewConsumer(ctx, ConsumerOptions{Topics: []string{"events"}, Start: types.StartEarliest})
	require.NoError(t, err)
	recs, err := earliest.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys(recs))
	assert.Equal(t, int64(2), recs[2].Offset)

	resumed, err := log.NewConsumer(ctx, ConsumerOptions{
		Topics:  []string{"events"},
		Offsets: types.Offsets{{Topic: "events", Partition: 0}: 2},
	})
	require.NoError(t, err)
	recs, err = resumed.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, keys(recs))

	latest, err := log.NewConsumer(ctx, ConsumerOptions{Topics: []string{"events"}, Start: types.StartLatest})
	require.NoError(t, err)
	log.Append("events", 0, "d", nil)
	recs, err = latest.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, keys(recs))
}

func TestMemoryLog_PollWaitsForRecords(t *testing.T) {
	log := NewMemoryLog()
	c, err := log.NewConsumer(context.Background(), ConsumerOptions{Topics: []string{"events"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		log.Append("events", 3, "late", nil)
	}()
	recs, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, keys(recs))
	assert.Equal(t, int32(3), recs[0].Partition)
}

func TestMemoryLog_MaxPollAndTopicFilter(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	for i := 0; i < 5; i++ {
		log.Append("events", 0, "e", nil)
	}
	log.Append("other", 0, "o", nil)

	c, err := log.NewConsumer(ctx, ConsumerOptions{Topics: []string{"events"}, MaxPollRecords: 2})
	require.NoError(t, err)
	var total int
	for total < 5 {
		recs, err := c.Poll(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(recs), 2)
		for _, r := range recs {
			assert.Equal(t, "events", r.Topic)
		}
		total += len(recs)
	}
	assert.Equal(t, int64(5), log.EndOffset("events", 0))
}

func TestMemoryLog_CloseAndFailures(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	c, err := log.NewConsumer(ctx, ConsumerOptions{Topics: []string{"events"}})
	require.NoError(t, err)

	boom := errors.New("fetch failed")
	log.FailPolls(boom)
	_, err = c.Poll(ctx)
	assert.ErrorIs(t, err, boom)
	log.FailPolls(nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Poll(ctx)
		done <- err
	}()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Poll did not return after Close")
	}
}
