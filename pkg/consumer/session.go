package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raj/hacep/pkg/engine"
	"github.com/raj/hacep/pkg/eventlog"
	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/snapshot"
	"github.com/raj/hacep/pkg/types"
)

// SessionConfig configures a consumer session.
type SessionConfig struct {
	Topics         []string
	Start          types.StartPosition
	PollTimeout    time.Duration
	MaxPollRecords int
	// SnapshotEvery takes a snapshot after this many applied events; zero
	// disables the count trigger.
	SnapshotEvery int
	// SnapshotInterval takes a snapshot when this much time passed since the
	// last one and events were applied; zero disables the time trigger.
	SnapshotInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.Start == "" {
		c.Start = types.StartEarliest
	}
	return c
}

// Session owns one log consumer bound to the current engine. It is created
// for a leadership tenure and discarded afterwards.
type Session struct {
	logger  *slog.Logger
	cfg     SessionConfig
	holder  *engine.Holder
	store   *snapshot.Store
	handler *Handler

	// mu is held while applying a batch and while snapshotting, so offsets
	// and engine state are always read as a matched pair.
	mu            sync.Mutex
	offsets       types.Offsets
	sinceSnapshot int
	lastSnapshot  time.Time

	consumer eventlog.Consumer
	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
	err      atomic.Pointer[error]
}

func newSession(logger *slog.Logger, cfg SessionConfig, holder *engine.Holder, store *snapshot.Store) *Session {
	return &Session{
		logger:       logger.With("component", "consumer_session"),
		cfg:          cfg.withDefaults(),
		holder:       holder,
		store:        store,
		handler:      NewHandler(logger, holder),
		offsets:      make(types.Offsets),
		lastSnapshot: time.Now(),
		done:         make(chan struct{}),
	}
}

// Offsets returns a copy of the current resume positions.
func (s *Session) Offsets() types.Offsets {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets.Clone()
}

// Err returns the error that ended the poll loop, if any.
func (s *Session) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed when the poll loop exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Halted reports whether the poll loop exited without Stop being called,
// which happens when the engine rejected an event.
func (s *Session) Halted() bool {
	select {
	case <-s.done:
		return !s.stopping.Load()
	default:
		return false
	}
}

func (s *Session) run(ctx context.Context, consumer eventlog.Consumer) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.consumer = consumer
	metrics.SetSessionRunning(true)
	go s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	defer metrics.SetSessionRunning(false)

	for !s.stopping.Load() {
		pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
		recs, err := s.consumer.Poll(pollCtx)
		cancel()
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
			case errors.Is(err, eventlog.ErrClosed):
				return
			default:
				metrics.IncrementPollErrors()
				s.logger.Warn("poll failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.PollTimeout):
				}
			}
			s.maybeSnapshot(ctx)
			continue
		}
		if err := s.apply(ctx, recs); err != nil {
			s.err.Store(&err)
			s.logger.Error("consumer session halted; engine rejected an event", "error", err)
			return
		}
		s.maybeSnapshot(ctx)
	}
}

func (s *Session) apply(ctx context.Context, recs []eventlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if s.stopping.Load() {
			return nil
		}
		outcome, err := s.handler.Handle(ctx, rec)
		if err != nil {
			if s.stopping.Load() {
				return nil
			}
			metrics.RecordConsumerEvent(metrics.EventResultError)
			return fmt.Errorf("event %s@%d: %w", rec.TopicPartition(), rec.Offset, err)
		}
		metrics.RecordConsumerEvent(outcome.String())
		next := rec.Offset + 1
		s.offsets[rec.TopicPartition()] = next
		metrics.SetConsumerOffset(rec.Topic, strconv.Itoa(int(rec.Partition)), float64(next))
		if outcome != OutcomeSkipped {
			s.sinceSnapshot++
		}
	}
	if table := s.holder.Table(); table != nil {
		metrics.SetFactHandles(float64(table.Len()))
	}
	return nil
}

func (s *Session) maybeSnapshot(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinceSnapshot == 0 || s.stopping.Load() {
		return
	}
	due := (s.cfg.SnapshotEvery > 0 && s.sinceSnapshot >= s.cfg.SnapshotEvery) ||
		(s.cfg.SnapshotInterval > 0 && time.Since(s.lastSnapshot) >= s.cfg.SnapshotInterval)
	if !due {
		return
	}
	if _, err := s.snapshotLocked(ctx); err != nil {
		s.logger.Error("periodic snapshot failed", "error", err)
	}
}

// Snapshot persists the current engine state with the offsets it reflects.
func (s *Session) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(ctx)
}

func (s *Session) snapshotLocked(ctx context.Context) (*types.Snapshot, error) {
	e := s.holder.Engine()
	table := s.holder.Table()
	if e == nil || table == nil {
		return nil, engine.ErrNotReady
	}
	state, err := e.SerializeState()
	if err != nil {
		return nil, fmt.Errorf("serialize engine state: %w", err)
	}
	snap, err := s.store.Serialize(ctx, state, table.SnapshotView(), s.offsets.Clone())
	if err != nil {
		return nil, err
	}
	s.sinceSnapshot = 0
	s.lastSnapshot = time.Now()
	return snap, nil
}

// Stop ends the poll loop, waits for it to exit and closes the consumer.
// No event is applied once Stop was called.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.consumer != nil {
			s.stopErr = s.consumer.Close()
		}
		metrics.RecordSessionEvent(metrics.SessionStopped)
		s.logger.Info("consumer session stopped", "offsets", s.Offsets().List())
	})
	return s.stopErr
}
