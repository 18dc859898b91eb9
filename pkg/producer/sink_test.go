package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestKafkaSinkFromClient_LeavesClientOpen(t *testing.T) {
	// Clients dial lazily, so no broker needs to listen here.
	client, err := kgo.NewClient(kgo.SeedBrokers("127.0.0.1:1"), kgo.DefaultProduceTopic("snapshots"))
	require.NoError(t, err)

	sink := NewKafkaSinkFromClient(client)
	err = sink.Send(context.Background(), Message{Key: "k", Value: []byte("v")})
	assert.ErrorContains(t, err, "no topic")

	require.NoError(t, sink.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, client.PollFetches(ctx).IsClientClosed(), "closing the sink closed a shared client")

	client.Close()
	assert.True(t, client.PollFetches(context.Background()).IsClientClosed())
}
