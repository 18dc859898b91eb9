// Package snapshot persists and restores point-in-time checkpoints of the
// state engine together with the log offsets and fact handle table they
// reflect.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/tracing"
	"github.com/raj/hacep/pkg/types"
)

var ErrClosed = errors.New("snapshot store closed")

// Backend is a durable key/value sink where the latest value per key wins
// on read.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the latest value of key and whether one exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Close() error
}

// Store serializes snapshots of one engine instance under a single key.
type Store struct {
	logger  *slog.Logger
	backend Backend
	key     string
	nodeID  string

	mu         sync.Mutex
	epoch      uint64
	epochKnown bool
	closed     bool
	closeErr   error
}

// NewStore returns a store writing under key. nodeID is recorded in every
// snapshot for diagnostics.
func NewStore(logger *slog.Logger, backend Backend, key, nodeID string) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger.With("component", "snapshot_store", "key", key),
		backend: backend,
		key:     key,
		nodeID:  nodeID,
	}
}

// Key returns the backend key snapshots are written under.
func (s *Store) Key() string { return s.key }

// Serialize persists a new snapshot with the next epoch. Callers must
// guarantee engineState and offsets form a matched pair.
func (s *Store) Serialize(ctx context.Context, engineState []byte, handles []types.FactHandleEntry, offsets types.Offsets) (*types.Snapshot, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveSnapshotOperationDuration(metrics.SnapshotOpSerialize, time.Since(start).Seconds())
	}()
	ctx, span := otel.Tracer(tracing.TracerSnapshot).Start(ctx, tracing.SpanSnapshotSerialize)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpSerialize, metrics.SnapshotResultClosed)
		return nil, ErrClosed
	}
	if !s.epochKnown {
		if _, err := s.load(ctx); err != nil {
			metrics.RecordSnapshotOperation(metrics.SnapshotOpSerialize, metrics.SnapshotResultError)
			span.SetStatus(codes.Error, "seed epoch failed")
			return nil, fmt.Errorf("seed snapshot epoch: %w", err)
		}
	}

	if handles == nil {
		handles = []types.FactHandleEntry{}
	}
	snap := &types.Snapshot{
		Version:         types.SnapshotVersion,
		Epoch:           s.epoch + 1,
		NodeID:          s.nodeID,
		CreatedUnixNano: types.NowUnixNano(),
		Offsets:         offsets.List(),
		EngineState:     engineState,
		FactHandles:     handles,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpSerialize, metrics.SnapshotResultError)
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.backend.Put(ctx, s.key, data); err != nil {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpSerialize, metrics.SnapshotResultError)
		span.SetStatus(codes.Error, "backend put failed")
		return nil, fmt.Errorf("persist snapshot epoch %d: %w", snap.Epoch, err)
	}
	s.epoch = snap.Epoch
	s.epochKnown = true

	span.SetAttributes(attribute.Int64("snapshot.epoch", int64(snap.Epoch)), attribute.Int("snapshot.bytes", len(data)))
	metrics.RecordSnapshotOperation(metrics.SnapshotOpSerialize, metrics.SnapshotResultSuccess)
	metrics.SetSnapshotSize(float64(len(data)))
	metrics.SetSnapshotEpoch(snap.Epoch)
	s.logger.Info("snapshot persisted", "epoch", snap.Epoch, "offsets", snap.Offsets, "facts", len(handles), "bytes", len(data))
	return snap, nil
}

// Deserialize returns the most recent snapshot, or nil if none exists or
// the stored record cannot be decoded. Backend failures are returned.
func (s *Store) Deserialize(ctx context.Context) (*types.Snapshot, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveSnapshotOperationDuration(metrics.SnapshotOpDeserialize, time.Since(start).Seconds())
	}()
	ctx, span := otel.Tracer(tracing.TracerSnapshot).Start(ctx, tracing.SpanSnapshotRestore)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpDeserialize, metrics.SnapshotResultClosed)
		return nil, ErrClosed
	}
	snap, err := s.load(ctx)
	if err != nil {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpDeserialize, metrics.SnapshotResultError)
		span.SetStatus(codes.Error, "backend get failed")
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	span.SetAttributes(attribute.Int64("snapshot.epoch", int64(snap.Epoch)))
	metrics.RecordSnapshotOperation(metrics.SnapshotOpDeserialize, metrics.SnapshotResultSuccess)
	metrics.SetSnapshotEpoch(snap.Epoch)
	return snap, nil
}

// load reads and decodes the latest record and advances the known epoch.
// Must be called with mu held.
func (s *Store) load(ctx context.Context) (*types.Snapshot, error) {
	data, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	s.epochKnown = true
	if !ok {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpDeserialize, metrics.SnapshotResultMissing)
		s.logger.Info("no snapshot found")
		return nil, nil
	}
	snap, err := Decode(data)
	if err != nil {
		metrics.RecordSnapshotOperation(metrics.SnapshotOpDeserialize, metrics.SnapshotResultCorrupt)
		s.logger.Warn("snapshot unreadable; treating as absent, state will be rebuilt from the configured start position",
			"error", err, "bytes", len(data))
		return nil, nil
	}
	if snap.Epoch > s.epoch {
		s.epoch = snap.Epoch
	}
	return snap, nil
}

// Close releases the backend. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	s.closeErr = s.backend.Close()
	return s.closeErr
}

// Decode parses a persisted snapshot record and checks its invariants.
func Decode(data []byte) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version < 1 || snap.Version > types.SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if snap.Epoch == 0 {
		return nil, errors.New("snapshot without epoch")
	}
	for _, po := range snap.Offsets {
		if po.Offset < 0 {
			return nil, fmt.Errorf("negative offset %d for %s/%d", po.Offset, po.Topic, po.Partition)
		}
	}
	seen := make(map[string]struct{}, len(snap.FactHandles))
	for _, e := range snap.FactHandles {
		if e.ExternalKey == "" {
			return nil, errors.New("fact handle entry without key")
		}
		if _, dup := seen[e.ExternalKey]; dup {
			return nil, fmt.Errorf("duplicate fact handle key %q", e.ExternalKey)
		}
		seen[e.ExternalKey] = struct{}{}
	}
	return &snap, nil
}
