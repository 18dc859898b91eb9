// Package election turns an external distributed lock into a local
// leadership state machine and fans transitions out to callbacks.
package election

import (
	"context"
	"errors"
)

var (
	ErrLockClosed   = errors.New("lock service closed")
	ErrLeaseLost    = errors.New("lease lost")
	ErrUnknownLease = errors.New("lease not issued by this lock")
)

// Callback is implemented by every component that reacts to leadership
// transitions. Implementations must not block for long: they run on the
// election goroutine and delay the next transition.
type Callback interface {
	OnLeader()
	OnReplica()
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are no-ops.
type CallbackFuncs struct {
	Leader  func()
	Replica func()
}

func (c CallbackFuncs) OnLeader() {
	if c.Leader != nil {
		c.Leader()
	}
}

func (c CallbackFuncs) OnReplica() {
	if c.Replica != nil {
		c.Replica()
	}
}

// Lease is proof of lock ownership.
type Lease interface {
	Key() string
	Holder() string
	// Token is a fencing token, strictly increasing across tenures of a key.
	Token() uint64
	// Lost is closed when ownership ends without an explicit Release,
	// e.g. on session expiry or a network partition.
	Lost() <-chan struct{}
}

// Ownership is one holder change observed on a lock key. Holder is empty
// while the lock is free.
type Ownership struct {
	Key    string
	Holder string
}

// Lock is the distributed lock service consumed by the Monitor.
type Lock interface {
	// Acquire blocks until identity holds key or ctx is done.
	Acquire(ctx context.Context, key, identity string) (Lease, error)
	// Watch streams ownership changes of key until ctx is done. The channel
	// is closed when the stream ends.
	Watch(ctx context.Context, key string) (<-chan Ownership, error)
	// Release gives the lease back. Releasing a lost lease acknowledges the
	// loss so the lock service may grant the key to another holder.
	Release(ctx context.Context, lease Lease) error
}
