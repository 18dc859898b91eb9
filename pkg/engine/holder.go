package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raj/hacep/pkg/facthandles"
	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/types"
)

// Holder owns the current engine instance together with its fact handle
// table. Both are replaced as a pair on every (re)initialization.
type Holder struct {
	logger  *slog.Logger
	factory Factory

	mu     sync.RWMutex
	engine StateEngine
	table  *facthandles.Table
}

// NewHolder returns an empty holder that builds engines with factory.
func NewHolder(logger *slog.Logger, factory Factory) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{
		logger:  logger.With("component", "engine_holder"),
		factory: factory,
	}
}

// Init replaces the current engine with a fresh one from the baseline
// configuration and an empty table.
func (h *Holder) Init() error {
	e, err := h.factory()
	if err != nil {
		return fmt.Errorf("create state engine: %w", err)
	}
	h.swap(e, facthandles.New())
	h.logger.Info("state engine initialized fresh")
	return nil
}

// InitFromSnapshot builds a new engine, restores it from snap and rebuilds
// the fact handle table from the snapshot entries.
func (h *Holder) InitFromSnapshot(snap *types.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	e, err := h.factory()
	if err != nil {
		return fmt.Errorf("create state engine: %w", err)
	}
	if err := e.RestoreState(snap.EngineState); err != nil {
		_ = e.Dispose()
		return fmt.Errorf("restore state engine from epoch %d: %w", snap.Epoch, err)
	}
	table := facthandles.New()
	table.Restore(snap.FactHandles)
	if lister, ok := e.(HandleLister); ok {
		orphans, unmapped := table.Reconcile(lister.Handles())
		if len(orphans) > 0 || len(unmapped) > 0 {
			h.logger.Warn("fact handle table disagrees with restored engine",
				"epoch", snap.Epoch, "orphans", orphans, "unmapped", len(unmapped))
		}
	}
	h.swap(e, table)
	h.logger.Info("state engine restored from snapshot", "epoch", snap.Epoch, "facts", table.Len())
	return nil
}

func (h *Holder) swap(e StateEngine, table *facthandles.Table) {
	h.mu.Lock()
	prev := h.engine
	h.engine = e
	h.table = table
	h.mu.Unlock()
	metrics.SetFactHandles(float64(table.Len()))
	if prev != nil {
		if err := prev.Dispose(); err != nil {
			h.logger.Warn("disposing previous state engine failed", "error", err)
		}
	}
}

// Engine returns the current engine, nil before Init.
func (h *Holder) Engine() StateEngine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine
}

// Table returns the fact handle table bound to the current engine.
func (h *Holder) Table() *facthandles.Table {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.table
}

// Dispose releases the current engine. It is safe to call repeatedly.
func (h *Holder) Dispose() error {
	h.mu.Lock()
	e := h.engine
	h.engine = nil
	h.mu.Unlock()
	if e == nil {
		return nil
	}
	if err := e.Dispose(); err != nil {
		return fmt.Errorf("dispose state engine: %w", err)
	}
	h.logger.Info("state engine disposed")
	return nil
}
