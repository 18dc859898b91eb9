// Package consumer runs the single leadership-gated log consumer that feeds
// the state engine, and keeps the fact handle table and offsets in step with
// it.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raj/hacep/pkg/engine"
	"github.com/raj/hacep/pkg/eventlog"
	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/types"
)

// Outcome is what applying one record did to the engine.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeRetracted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return metrics.EventResultInserted
	case OutcomeUpdated:
		return metrics.EventResultUpdated
	case OutcomeRetracted:
		return metrics.EventResultRetract
	default:
		return metrics.EventResultSkipped
	}
}

// Handler applies input records to the engine held by a Holder. Redelivered
// records are recognised through the fact handle table and never mutate the
// engine twice.
type Handler struct {
	logger *slog.Logger
	holder *engine.Holder
}

// NewHandler binds a handler to holder.
func NewHandler(logger *slog.Logger, holder *engine.Holder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger.With("component", "event_handler"), holder: holder}
}

// DecodeEvent reads the event envelope of a record value. A value that is
// not an envelope is an insert of the raw bytes.
func DecodeEvent(value []byte) types.Event {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var ev types.Event
		if err := json.Unmarshal(trimmed, &ev); err == nil && (ev.Op == types.OpInsert || ev.Op == types.OpRetract) {
			return ev
		}
	}
	return types.Event{Op: types.OpInsert, Payload: value}
}

// Handle applies rec. Records without a key cannot be tracked and are
// skipped.
func (h *Handler) Handle(ctx context.Context, rec eventlog.Record) (Outcome, error) {
	e := h.holder.Engine()
	table := h.holder.Table()
	if e == nil || table == nil {
		return OutcomeSkipped, engine.ErrNotReady
	}
	key := string(rec.Key)
	if key == "" {
		h.logger.Warn("skipping record without key", "partition", rec.TopicPartition().String(), "offset", rec.Offset)
		return OutcomeSkipped, nil
	}

	ev := DecodeEvent(rec.Value)
	entry, known := table.Lookup(key)
	if known && entry.Covers(rec.TopicPartition(), rec.Offset) {
		h.logger.Debug("skipping redelivered event", "key", key, "partition", rec.TopicPartition().String(),
			"offset", rec.Offset, "applied", entry.LastAppliedOffset)
		return OutcomeSkipped, nil
	}

	switch ev.Op {
	case types.OpRetract:
		if !known {
			return OutcomeSkipped, nil
		}
		if err := e.Retract(ctx, entry.Handle); err != nil {
			if !errors.Is(err, engine.ErrUnknownHandle) {
				return OutcomeSkipped, fmt.Errorf("retract %q: %w", key, err)
			}
			h.logger.Warn("fact already gone from engine", "key", key, "handle", entry.Handle)
		}
		table.Remove(key)
		return OutcomeRetracted, nil

	default:
		outcome := OutcomeInserted
		if known {
			if err := e.Retract(ctx, entry.Handle); err != nil {
				if !errors.Is(err, engine.ErrUnknownHandle) {
					return OutcomeSkipped, fmt.Errorf("retract previous fact of %q: %w", key, err)
				}
				h.logger.Warn("previous fact already gone from engine", "key", key, "handle", entry.Handle)
			}
			table.Remove(key)
			outcome = OutcomeUpdated
		}
		handle, err := e.Apply(ctx, key, ev.Payload)
		if err != nil {
			return OutcomeSkipped, fmt.Errorf("apply %q: %w", key, err)
		}
		table.Put(key, handle, rec.TopicPartition(), rec.Offset)
		return outcome, nil
	}
}
