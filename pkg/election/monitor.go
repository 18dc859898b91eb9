package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/types"
)

// ErrStopped is returned by Start once the monitor reached STOPPED.
var ErrStopped = errors.New("leadership monitor stopped")

const (
	defaultMinBackoff     = 100 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultReleaseTimeout = 5 * time.Second
)

// Options configures a Monitor.
type Options struct {
	// Key is the lock key, usually "<namespace>/<group>".
	Key string
	// Identity is the holder name this process campaigns with.
	Identity string

	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ReleaseTimeout time.Duration
}

// Monitor runs the leadership state machine on top of a Lock:
//
//	INIT -> CANDIDATE -> LEADER -> CANDIDATE -> ... -> STOPPED
//
// Callbacks run synchronously on the election goroutine in registration
// order. OnReplica callbacks complete before the lease is handed back to the
// lock service, so no other process can be granted the lock while this one
// still acts as leader.
type Monitor struct {
	logger *slog.Logger
	lock   Lock
	opts   Options

	state  atomic.Int32
	tenure atomic.Uint64
	holder atomic.Pointer[string]

	mu        sync.Mutex
	callbacks []Callback
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	runDone   chan struct{}
	watchDone chan struct{}
}

// NewMonitor builds a monitor for lock. Callbacks are registered in the
// given order.
func NewMonitor(logger *slog.Logger, lock Lock, opts Options, callbacks ...Callback) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = defaultReleaseTimeout
	}
	m := &Monitor{
		logger: logger.With("component", "leadership_monitor", "identity", opts.Identity, "key", opts.Key),
		lock:   lock,
		opts:   opts,
	}
	m.state.Store(int32(types.StateInit))
	m.callbacks = append(m.callbacks, callbacks...)
	return m
}

// AddCallbacks appends callbacks after the ones already registered.
func (m *Monitor) AddCallbacks(callbacks ...Callback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, callbacks...)
	m.mu.Unlock()
}

// Start begins campaigning for the lock and watching its holder. The
// monitor runs until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.runDone = make(chan struct{})
	m.watchDone = make(chan struct{})
	m.setState(types.StateCandidate)
	go m.run(runCtx)
	go m.watch(runCtx)
	m.logger.Info("leadership monitor started")
	return nil
}

// Stop demotes the process if it leads, releases the lease and moves to
// STOPPED. Further calls are no-ops.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel, runDone, watchDone := m.cancel, m.runDone, m.watchDone
	m.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		for _, done := range []chan struct{}{runDone, watchDone} {
			select {
			case <-done:
			case <-ctx.Done():
				err = fmt.Errorf("waiting for election loop: %w", ctx.Err())
			}
			if err != nil {
				break
			}
		}
	}
	m.setState(types.StateStopped)
	metrics.SetIsLeader(false)
	m.logger.Info("leadership monitor stopped")
	return err
}

// State returns the locally observed leadership state. A candidate that
// sees another holder reports REPLICA.
func (m *Monitor) State() types.LeadershipState {
	s := types.LeadershipState(m.state.Load())
	if s == types.StateCandidate {
		if h := m.Leader(); h != "" && h != m.opts.Identity {
			return types.StateReplica
		}
	}
	return s
}

// IsLeader reports whether this process currently holds the lock.
func (m *Monitor) IsLeader() bool { return m.State() == types.StateLeader }

// Leader returns the last observed lock holder, empty if unknown.
func (m *Monitor) Leader() string {
	if h := m.holder.Load(); h != nil {
		return *h
	}
	return ""
}

// Identity returns the holder name this process campaigns with.
func (m *Monitor) Identity() string { return m.opts.Identity }

// Tenure returns the fencing token of the current or most recent tenure.
func (m *Monitor) Tenure() uint64 { return m.tenure.Load() }

func (m *Monitor) run(ctx context.Context) {
	defer close(m.runDone)
	backoff := m.opts.MinBackoff
	for ctx.Err() == nil {
		start := time.Now()
		lease, err := m.lock.Acquire(ctx, m.opts.Key, m.opts.Identity)
		metrics.ObserveElectionOperationDuration(metrics.ElectionOpAcquire, time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				metrics.RecordElectionOperation(metrics.ElectionOpAcquire, metrics.ElectionResultCanceled)
				return
			}
			metrics.RecordElectionOperation(metrics.ElectionOpAcquire, metrics.ElectionResultError)
			m.logger.Warn("lock acquire failed; retrying", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.opts.MaxBackoff)
			continue
		}
		metrics.RecordElectionOperation(metrics.ElectionOpAcquire, metrics.ElectionResultSuccess)
		backoff = m.opts.MinBackoff
		if ctx.Err() != nil {
			m.release(lease)
			return
		}

		m.becomeLeader(lease)
		select {
		case <-lease.Lost():
			metrics.RecordElectionOperation(metrics.ElectionOpAcquire, metrics.ElectionResultLost)
			m.logger.Warn("leadership lost", "tenure", lease.Token())
		case <-ctx.Done():
		}
		m.becomeCandidate()
		m.release(lease)
	}
}

func (m *Monitor) becomeLeader(lease Lease) {
	m.tenure.Store(lease.Token())
	metrics.SetTenure(lease.Token())
	m.logger.Info("leadership acquired", "tenure", lease.Token())
	for _, cb := range m.snapshotCallbacks() {
		m.invoke("on_leader", cb.OnLeader)
	}
	m.setState(types.StateLeader)
	metrics.SetIsLeader(true)
}

func (m *Monitor) becomeCandidate() {
	m.setState(types.StateCandidate)
	metrics.SetIsLeader(false)
	for _, cb := range m.snapshotCallbacks() {
		m.invoke("on_replica", cb.OnReplica)
	}
	m.logger.Info("leadership relinquished", "tenure", m.tenure.Load())
}

func (m *Monitor) release(lease Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ReleaseTimeout)
	defer cancel()
	if err := m.lock.Release(ctx, lease); err != nil {
		metrics.RecordElectionOperation(metrics.ElectionOpRelease, metrics.ElectionResultError)
		m.logger.Warn("lock release failed", "error", err, "tenure", lease.Token())
		return
	}
	metrics.RecordElectionOperation(metrics.ElectionOpRelease, metrics.ElectionResultSuccess)
}

func (m *Monitor) watch(ctx context.Context) {
	defer close(m.watchDone)
	backoff := m.opts.MinBackoff
	for ctx.Err() == nil {
		ch, err := m.lock.Watch(ctx, m.opts.Key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordElectionOperation(metrics.ElectionOpWatch, metrics.ElectionResultError)
			m.logger.Warn("lock watch failed; retrying", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.opts.MaxBackoff)
			continue
		}
		backoff = m.opts.MinBackoff
		for own := range ch {
			holder := own.Holder
			if prev := m.holder.Swap(&holder); prev == nil || *prev != holder {
				metrics.IncrementLeaderChanges()
				m.logger.Info("lock holder changed", "holder", holder)
			}
		}
		if ctx.Err() == nil {
			metrics.RecordElectionOperation(metrics.ElectionOpWatch, metrics.ElectionResultLost)
			m.logger.Warn("lock watch stream ended; re-watching")
			if !sleepCtx(ctx, backoff) {
				return
			}
		}
	}
}

func (m *Monitor) invoke(name string, fn func()) {
	start := time.Now()
	defer func() {
		metrics.ObserveElectionOperationDuration(metrics.ElectionOpCallback, time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.RecordElectionOperation(metrics.ElectionOpCallback, metrics.ElectionResultPanic)
			m.logger.Error("leadership callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

func (m *Monitor) snapshotCallbacks() []Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Callback, len(m.callbacks))
	copy(cp, m.callbacks)
	return cp
}

// setState moves to s unless the monitor is already STOPPED.
func (m *Monitor) setState(s types.LeadershipState) {
	for {
		cur := m.state.Load()
		if types.LeadershipState(cur) == types.StateStopped || cur == int32(s) {
			return
		}
		if m.state.CompareAndSwap(cur, int32(s)) {
			metrics.RecordLeadershipTransition(s.String())
			return
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
