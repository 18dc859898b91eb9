package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireAsync(lock Lock, identity string) <-chan Lease {
	ch := make(chan Lease, 1)
	go func() {
		l, err := lock.Acquire(context.Background(), testKey, identity)
		if err == nil {
			ch <- l
		}
	}()
	return ch
}

func TestMemoryLock_ExclusiveUntilRelease(t *testing.T) {
	ctx := context.Background()
	lock := NewMemoryLockService(0)

	a, err := lock.Acquire(ctx, testKey, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Token())
	assert.Equal(t, "a", lock.Holder(testKey))

	waiting := acquireAsync(lock, "b")
	select {
	case <-waiting:
		t.Fatal("granted a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, lock.Release(ctx, a))
	select {
	case b := <-waiting:
		assert.Equal(t, uint64(2), b.Token())
		assert.Equal(t, "b", b.Holder())
	case <-time.After(time.Second):
		t.Fatal("lock not granted after release")
	}
}

func TestMemoryLock_ExpiryIsFencedUntilRelease(t *testing.T) {
	ctx := context.Background()
	lock := NewMemoryLockService(0)

	a, err := lock.Acquire(ctx, testKey, "a")
	require.NoError(t, err)
	require.True(t, lock.Expire(testKey))
	assert.False(t, lock.Expire(testKey))

	select {
	case <-a.Lost():
	default:
		t.Fatal("expired lease not marked lost")
	}
	assert.Empty(t, lock.Holder(testKey))

	waiting := acquireAsync(lock, "b")
	select {
	case <-waiting:
		t.Fatal("granted before the expired holder acknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, lock.Release(ctx, a))
	select {
	case b := <-waiting:
		assert.Greater(t, b.Token(), a.Token())
	case <-time.After(time.Second):
		t.Fatal("lock not granted after release")
	}
}

func TestMemoryLock_GraceEndsFence(t *testing.T) {
	ctx := context.Background()
	lock := NewMemoryLockService(20 * time.Millisecond)
	_, err := lock.Acquire(ctx, testKey, "a")
	require.NoError(t, err)
	lock.Expire(testKey)

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	b, err := lock.Acquire(acquireCtx, testKey, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", b.Holder())
}

func TestMemoryLock_WatchAndClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lock := NewMemoryLockService(0)

	ch, err := lock.Watch(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, Ownership{Key: testKey}, <-ch)

	a, err := lock.Acquire(ctx, testKey, "a")
	require.NoError(t, err)
	assert.Equal(t, Ownership{Key: testKey, Holder: "a"}, <-ch)

	require.NoError(t, lock.Release(ctx, a))
	assert.Equal(t, Ownership{Key: testKey}, <-ch)

	require.NoError(t, lock.Close())
	for range ch {
	}
	_, err = lock.Acquire(ctx, testKey, "b")
	assert.ErrorIs(t, err, ErrLockClosed)
	assert.ErrorIs(t, lock.Release(ctx, fakeLease{}), ErrUnknownLease)
}

type fakeLease struct{}

func (fakeLease) Key() string           { return testKey }
func (fakeLease) Holder() string        { return "x" }
func (fakeLease) Token() uint64         { return 0 }
func (fakeLease) Lost() <-chan struct{} { return nil }
