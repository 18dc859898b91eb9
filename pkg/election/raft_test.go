package election

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRaftLock(t *testing.T, opts RaftOptions) *RaftLock {
	t.Helper()
	opts.ServerID = "node-a"
	opts.Bootstrap = true
	opts.HeartbeatTimeout = 50 * time.Millisecond
	opts.ElectionTimeout = 50 * time.Millisecond
	lock, err := NewRaftLock(nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Close() })
	return lock
}

func TestRaftLock_SingleMemberTenures(t *testing.T) {
	lock := newTestRaftLock(t, RaftOptions{InMemory: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := lock.Acquire(ctx, testKey, "node-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Token())
	assert.True(t, lock.IsLeader())
	assert.Equal(t, uint64(1), lock.CommittedTenure(testKey))

	require.NoError(t, lock.Release(ctx, first))
	second, err := lock.Acquire(ctx, testKey, "node-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Token())
	assert.ErrorIs(t, lock.Release(ctx, fakeLease{}), ErrUnknownLease)
}

func TestRaftLock_WatchReportsLeader(t *testing.T) {
	lock := newTestRaftLock(t, RaftOptions{InMemory: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := lock.Watch(ctx, testKey)
	require.NoError(t, err)
	for {
		select {
		case own := <-ch:
			if own.Holder == "node-a" {
				return
			}
		case <-ctx.Done():
			t.Fatal("leader never observed")
		}
	}
}

func TestRaftLock_DrivesMonitor(t *testing.T) {
	dir := t.TempDir()
	lock := newTestRaftLock(t, RaftOptions{DataDir: dir, BindAddr: "127.0.0.1:0"})
	rec := &recorder{}
	m := NewMonitor(nil, lock, fastOptions("node-a"), rec.callback("gate"))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, m.IsLeader, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), m.Tenure())
	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"gate.leader", "gate.replica"}, rec.get())
}

func TestRaftLock_CloseFailsAcquire(t *testing.T) {
	lock := newTestRaftLock(t, RaftOptions{InMemory: true})
	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close())
	_, err := lock.Acquire(context.Background(), testKey, "node-a")
	assert.ErrorIs(t, err, ErrLockClosed)
}

func TestNotLeaderError(t *testing.T) {
	var err error = &NotLeaderError{LeaderID: "node-b", LeaderAddr: "10.0.0.2:7000"}
	ne, ok := IsNotLeader(fmt.Errorf("add voter: %w", err))
	require.True(t, ok)
	assert.Equal(t, "node-b", ne.LeaderID)
	_, ok = IsNotLeader(assert.AnError)
	assert.False(t, ok)
}
