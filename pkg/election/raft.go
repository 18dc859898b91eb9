package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	raft "github.com/hashicorp/raft"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/tracing"
)

const defaultApplyTimeout = 5 * time.Second

// RaftLock is a Lock backed by a hashicorp/raft group: the raft leader holds
// the lock. Every acquisition commits a tenure entry, and the committed
// counter is the lease token, so tokens are totally ordered across the group.
type RaftLock struct {
	logger       *slog.Logger
	raft         *raft.Raft
	fsm          *tenureFSM
	localAddr    raft.ServerAddress
	applyTimeout time.Duration
	closers      []func() error

	mu      sync.Mutex
	leader  bool
	lease   *raftLease
	changed chan struct{}
	closed  bool
}

type raftLease struct {
	key      string
	holder   string
	token    uint64
	lost     chan struct{}
	lostOnce sync.Once
}

func (l *raftLease) Key() string           { return l.key }
func (l *raftLease) Holder() string        { return l.holder }
func (l *raftLease) Token() uint64         { return l.token }
func (l *raftLease) Lost() <-chan struct{} { return l.lost }

func (l *raftLease) markLost() { l.lostOnce.Do(func() { close(l.lost) }) }

func newRaftLock(logger *slog.Logger, r *raft.Raft, fsm *tenureFSM, addr raft.ServerAddress, applyTimeout time.Duration, closers []func() error) *RaftLock {
	if applyTimeout <= 0 {
		applyTimeout = defaultApplyTimeout
	}
	return &RaftLock{
		logger:       logger.With("component", "raft_lock"),
		raft:         r,
		fsm:          fsm,
		localAddr:    addr,
		applyTimeout: applyTimeout,
		closers:      closers,
		changed:      make(chan struct{}),
	}
}

// observe consumes raft leadership notifications and revokes the lease as
// soon as this member steps down.
func (l *RaftLock) observe(notify <-chan bool) {
	for isLeader := range notify {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.leader = isLeader
		if !isLeader && l.lease != nil {
			l.lease.markLost()
			l.lease = nil
		}
		close(l.changed)
		l.changed = make(chan struct{})
		l.mu.Unlock()
		l.logger.Info("raft leadership changed", "leader", isLeader)
	}
}

// Acquire blocks until this member leads the raft group, then commits a new
// tenure for key.
func (l *RaftLock) Acquire(ctx context.Context, key, identity string) (Lease, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrLockClosed
		}
		if l.leader && l.lease == nil {
			lease := &raftLease{key: key, holder: identity, lost: make(chan struct{})}
			l.lease = lease
			l.mu.Unlock()

			token, err := l.commitTenure(ctx, key, identity)
			if err != nil {
				l.drop(lease)
				return nil, err
			}
			lease.token = token
			return lease, nil
		}
		ch := l.changed
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *RaftLock) commitTenure(ctx context.Context, key, identity string) (uint64, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveElectionOperationDuration(metrics.ElectionOpTenure, time.Since(start).Seconds())
	}()

	tracer := otel.Tracer(tracing.TracerElection)
	_, span := tracer.Start(ctx, tracing.SpanElectionTenure, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key), attribute.String("lock.holder", identity))

	// Everything committed by previous leaders must be applied before the
	// counter is read.
	if err := l.raft.Barrier(l.applyTimeout).Error(); err != nil {
		metrics.RecordElectionOperation(metrics.ElectionOpTenure, metrics.ElectionResultError)
		span.SetStatus(codes.Error, "barrier failed")
		return 0, l.leadershipErr(err)
	}
	data, err := json.Marshal(&tenureEntry{Key: key, Holder: identity})
	if err != nil {
		return 0, err
	}
	f := l.raft.Apply(data, l.applyTimeout)
	done := make(chan error, 1)
	go func() { done <- f.Error() }()
	select {
	case <-ctx.Done():
		metrics.RecordElectionOperation(metrics.ElectionOpTenure, metrics.ElectionResultTimeout)
		span.SetStatus(codes.Error, "canceled")
		return 0, ctx.Err()
	case err := <-done:
		if err != nil {
			metrics.RecordElectionOperation(metrics.ElectionOpTenure, metrics.ElectionResultError)
			span.SetStatus(codes.Error, "raft apply failed")
			return 0, l.leadershipErr(err)
		}
	}
	switch resp := f.Response().(type) {
	case uint64:
		metrics.RecordElectionOperation(metrics.ElectionOpTenure, metrics.ElectionResultSuccess)
		span.SetAttributes(attribute.Int64("lock.token", int64(resp)))
		span.SetStatus(codes.Ok, "")
		return resp, nil
	case error:
		metrics.RecordElectionOperation(metrics.ElectionOpTenure, metrics.ElectionResultError)
		span.SetStatus(codes.Error, "tenure entry rejected")
		return 0, resp
	default:
		return 0, fmt.Errorf("unexpected tenure response %T", resp)
	}
}

func (l *RaftLock) leadershipErr(err error) error {
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
		addr, id := l.raft.LeaderWithID()
		return &NotLeaderError{LeaderID: string(id), LeaderAddr: string(addr)}
	}
	return err
}

func (l *RaftLock) drop(lease *raftLease) {
	l.mu.Lock()
	if l.lease == lease {
		l.lease = nil
	}
	l.mu.Unlock()
	lease.markLost()
}

// Release gives up the lease. If this member still leads the group, raft
// leadership is transferred so another member can take over promptly.
func (l *RaftLock) Release(ctx context.Context, lease Lease) error {
	rl, ok := lease.(*raftLease)
	if !ok {
		return ErrUnknownLease
	}
	l.mu.Lock()
	current := l.lease == rl
	if current {
		l.lease = nil
	}
	stillLeader := current && l.leader && !l.closed
	l.mu.Unlock()
	rl.markLost()

	if !stillLeader {
		return nil
	}
	f := l.raft.LeadershipTransfer()
	done := make(chan error, 1)
	go func() { done <- f.Error() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			// A single-member group has nobody to transfer to.
			l.logger.Debug("leadership transfer skipped", "error", err)
		}
		return nil
	}
}

// Watch streams the raft leader's server ID as lock holder.
func (l *RaftLock) Watch(ctx context.Context, key string) (<-chan Ownership, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrLockClosed
	}

	obsCh := make(chan raft.Observation, 16)
	observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	l.raft.RegisterObserver(observer)

	out := make(chan Ownership, 1)
	go func() {
		defer close(out)
		defer l.raft.DeregisterObserver(observer)
		_, id := l.raft.LeaderWithID()
		select {
		case out <- Ownership{Key: key, Holder: string(id)}:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case o := <-obsCh:
				lo, ok := o.Data.(raft.LeaderObservation)
				if !ok {
					continue
				}
				select {
				case out <- Ownership{Key: key, Holder: string(lo.LeaderID)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// LeaderAddress returns the current raft leader address if known.
func (l *RaftLock) LeaderAddress() string {
	addr, _ := l.raft.LeaderWithID()
	return string(addr)
}

// LocalAddress returns the raft transport address of this member.
func (l *RaftLock) LocalAddress() string { return string(l.localAddr) }

// IsLeader reports whether this member leads the raft group.
func (l *RaftLock) IsLeader() bool { return l.raft.State() == raft.Leader }

// CommittedTenure returns the last committed fencing token for key.
func (l *RaftLock) CommittedTenure(key string) uint64 { return l.fsm.tenure(key).Token }

// AddVoter adds a server to the lock group. Must be called on the leader.
func (l *RaftLock) AddVoter(ctx context.Context, id string, addr string) error {
	start := time.Now()
	defer func() {
		metrics.ObserveElectionOperationDuration(metrics.ElectionOpAddVoter, time.Since(start).Seconds())
	}()
	if l.raft.State() != raft.Leader {
		metrics.RecordElectionOperation(metrics.ElectionOpAddVoter, metrics.ElectionResultNotLeader)
		leaderAddr, leaderID := l.raft.LeaderWithID()
		return &NotLeaderError{LeaderID: string(leaderID), LeaderAddr: string(leaderAddr)}
	}
	f := l.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 5*time.Second)
	select {
	case <-ctx.Done():
		metrics.RecordElectionOperation(metrics.ElectionOpAddVoter, metrics.ElectionResultTimeout)
		return ctx.Err()
	case err := <-asyncErr(f):
		if err != nil {
			metrics.RecordElectionOperation(metrics.ElectionOpAddVoter, metrics.ElectionResultError)
			return l.leadershipErr(err)
		}
		metrics.RecordElectionOperation(metrics.ElectionOpAddVoter, metrics.ElectionResultSuccess)
		return nil
	}
}

// RemoveServer removes a server from the lock group. Must be called on the
// leader.
func (l *RaftLock) RemoveServer(ctx context.Context, id string) error {
	if l.raft.State() != raft.Leader {
		metrics.RecordElectionOperation(metrics.ElectionOpRemove, metrics.ElectionResultNotLeader)
		leaderAddr, leaderID := l.raft.LeaderWithID()
		return &NotLeaderError{LeaderID: string(leaderID), LeaderAddr: string(leaderAddr)}
	}
	f := l.raft.RemoveServer(raft.ServerID(id), 0, 5*time.Second)
	select {
	case <-ctx.Done():
		metrics.RecordElectionOperation(metrics.ElectionOpRemove, metrics.ElectionResultTimeout)
		return ctx.Err()
	case err := <-asyncErr(f):
		if err != nil {
			metrics.RecordElectionOperation(metrics.ElectionOpRemove, metrics.ElectionResultError)
			return l.leadershipErr(err)
		}
		metrics.RecordElectionOperation(metrics.ElectionOpRemove, metrics.ElectionResultSuccess)
		return nil
	}
}

// Close shuts the raft member down and releases its stores. Outstanding
// leases are marked lost.
func (l *RaftLock) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.lease != nil {
		l.lease.markLost()
		l.lease = nil
	}
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	err := l.raft.Shutdown().Error()
	for i := len(l.closers) - 1; i >= 0; i-- {
		if cerr := l.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func asyncErr(f raft.Future) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- f.Error() }()
	return ch
}
