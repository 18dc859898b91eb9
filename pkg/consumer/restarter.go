package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/raj/hacep/pkg/election"
	"github.com/raj/hacep/pkg/engine"
	"github.com/raj/hacep/pkg/eventlog"
	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/snapshot"
	"github.com/raj/hacep/pkg/tracing"
	"github.com/raj/hacep/pkg/types"
)

var (
	ErrNoSession      = errors.New("no consumer session running")
	ErrSessionRunning = errors.New("consumer session already running")
)

// Restarter owns the consumer session and rebuilds it, together with the
// engine, on every start.
type Restarter struct {
	logger *slog.Logger
	cfg    SessionConfig
	log    eventlog.Log
	holder *engine.Holder
	store  *snapshot.Store

	mu         sync.Mutex
	session    *Session
	controller *Controller
}

// NewRestarter returns a restarter reading from log into the engine held by
// holder, checkpointing to store.
func NewRestarter(logger *slog.Logger, cfg SessionConfig, log eventlog.Log, holder *engine.Holder, store *snapshot.Store) *Restarter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Restarter{
		logger: logger.With("component", "restarter"),
		cfg:    cfg.withDefaults(),
		log:    log,
		holder: holder,
		store:  store,
	}
	r.controller = NewController(logger, r)
	return r
}

// CreateSession builds a session bound to the snapshot store and the fact
// handle table of the current engine. It does not start consuming.
func (r *Restarter) CreateSession(cfg SessionConfig) *Session {
	return newSession(r.logger, cfg, r.holder, r.store)
}

// Start initializes the engine from snap, or fresh when snap is nil, and
// starts consuming from the matching position. A snapshot the engine cannot
// restore is treated like a missing one.
func (r *Restarter) Start(ctx context.Context, snap *types.Snapshot) error {
	ctx, span := otel.Tracer(tracing.TracerConsumer).Start(ctx, tracing.SpanSessionStart)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		if !r.session.Halted() {
			return ErrSessionRunning
		}
		r.logger.Warn("replacing halted consumer session", "error", r.session.Err())
		if err := r.session.Stop(); err != nil {
			r.logger.Warn("closing halted consumer failed", "error", err)
		}
		r.session = nil
	}

	session := r.CreateSession(r.cfg)
	if snap != nil {
		if err := r.holder.InitFromSnapshot(snap); err != nil {
			r.logger.Warn("snapshot restore failed; state will be rebuilt from the configured start position",
				"epoch", snap.Epoch, "error", err, "start", r.cfg.Start)
			snap = nil
		}
	}
	if snap != nil {
		session.offsets = snap.OffsetMap()
		metrics.RecordSessionEvent(metrics.SessionFromSnapshot)
		span.SetAttributes(attribute.Int64("snapshot.epoch", int64(snap.Epoch)))
	} else {
		if err := r.holder.Init(); err != nil {
			span.SetStatus(codes.Error, "engine init failed")
			return err
		}
		metrics.RecordSessionEvent(metrics.SessionFresh)
	}

	consumer, err := r.log.NewConsumer(ctx, eventlog.ConsumerOptions{
		Topics:         r.cfg.Topics,
		Offsets:        session.offsets.Clone(),
		Start:          r.cfg.Start,
		MaxPollRecords: r.cfg.MaxPollRecords,
	})
	if err != nil {
		span.SetStatus(codes.Error, "consumer creation failed")
		return fmt.Errorf("create log consumer: %w", err)
	}

	session.run(context.WithoutCancel(ctx), consumer)
	r.session = session
	metrics.RecordSessionEvent(metrics.SessionStarted)
	r.logger.Info("consumer session started", "topics", r.cfg.Topics, "offsets", session.offsets.List(), "from_snapshot", snap != nil)
	return nil
}

// StartSession starts from the latest snapshot, if any.
func (r *Restarter) StartSession(ctx context.Context) error {
	snap, err := r.store.Deserialize(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return r.Start(ctx, snap)
}

// StopSession stops the running session. Durable state is left untouched.
func (r *Restarter) StopSession() error {
	r.mu.Lock()
	session := r.session
	r.session = nil
	r.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Stop()
}

// Running reports whether a session is consuming. A session that halted
// on an engine error is not running even though it is still held.
func (r *Restarter) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil && !r.session.Halted()
}

// Session returns the current session or nil. It may have halted; see
// Session.Halted.
func (r *Restarter) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Snapshot checkpoints the running session on demand.
func (r *Restarter) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	session := r.Session()
	if session == nil {
		return nil, ErrNoSession
	}
	return session.Snapshot(ctx)
}

// Callback returns the controller mapping leadership onto session
// start and stop.
func (r *Restarter) Callback() election.Callback { return r.controller }

// Controller returns the same controller as Callback.
func (r *Restarter) Controller() *Controller { return r.controller }
