package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_DropsWhileNotLeader(t *testing.T) {
	sink := NewMemorySink()
	g := NewGate(nil, sink, GateOptions{Topic: "out"})

	require.NoError(t, g.Publish(context.Background(), Message{Key: "k", Value: []byte("v")}))
	assert.Empty(t, sink.Messages())
	assert.False(t, g.Armed())
}

func TestGate_FollowsLeadership(t *testing.T) {
	sink := NewMemorySink()
	var tenure atomic.Uint64
	g := NewGate(nil, sink, GateOptions{Topic: "out", Tenure: tenure.Load})
	ctx := context.Background()

	tenure.Store(1)
	g.OnLeader()
	require.NoError(t, g.Publish(ctx, Message{Key: "a"}))

	g.OnReplica()
	require.NoError(t, g.Publish(ctx, Message{Key: "dropped"}))

	tenure.Store(2)
	g.OnLeader()
	require.NoError(t, g.Publish(ctx, Message{Key: "b", Topic: "other"}))

	msgs := sink.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Key)
	assert.Equal(t, "out", msgs[0].Topic)
	assert.Equal(t, "1", msgs[0].Headers[HeaderTenure])
	assert.Equal(t, "b", msgs[1].Key)
	assert.Equal(t, "other", msgs[1].Topic)
	assert.Equal(t, "2", msgs[1].Headers[HeaderTenure])
}

func TestGate_ReportsSendFailure(t *testing.T) {
	sink := NewMemorySink()
	g := NewGate(nil, sink, GateOptions{Topic: "out"})
	g.OnLeader()

	boom := errors.New("broker down")
	sink.FailWith(boom)
	err := g.Publish(context.Background(), Message{Key: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, sink.Messages())
}

func TestGate_StopIsTerminal(t *testing.T) {
	sink := NewMemorySink()
	g := NewGate(nil, sink, GateOptions{})
	g.OnLeader()
	require.NoError(t, g.Stop())
	require.NoError(t, g.Stop())

	g.OnLeader()
	assert.False(t, g.Armed())
	require.NoError(t, g.Publish(context.Background(), Message{Key: "k"}))
	assert.Empty(t, sink.Messages())
}

// blockingSink blocks sends until released, to observe OnReplica waiting for
// in-flight publishes.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (s *blockingSink) Send(ctx context.Context, _ Message) error {
	s.entered <- struct{}{}
	<-s.release
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestGate_OnReplicaWaitsForInFlightPublish(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	g := NewGate(nil, sink, GateOptions{})
	g.OnLeader()

	go func() { _ = g.Publish(context.Background(), Message{Key: "k"}) }()
	<-sink.entered

	demoted := make(chan struct{})
	go func() {
		g.OnReplica()
		close(demoted)
	}()

	select {
	case <-demoted:
		t.Fatal("OnReplica returned while a publish was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)
	select {
	case <-demoted:
	case <-time.After(time.Second):
		t.Fatal("OnReplica did not return")
	}
	assert.False(t, g.Armed())
	sink.mu.Lock()
	assert.Equal(t, 1, sink.sent)
	sink.mu.Unlock()
}
