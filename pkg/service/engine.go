// Package service wires the leadership monitor, consumer, output gate and
// snapshot store into one highly available engine process.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/raj/hacep/pkg/consumer"
	"github.com/raj/hacep/pkg/election"
	"github.com/raj/hacep/pkg/engine"
	"github.com/raj/hacep/pkg/httpserver"
	"github.com/raj/hacep/pkg/membership"
	"github.com/raj/hacep/pkg/producer"
	"github.com/raj/hacep/pkg/snapshot"
	"github.com/raj/hacep/pkg/types"
)

// Deps are the components an Engine is assembled from. Everything except
// Cluster and Closers is required.
type Deps struct {
	Monitor   *election.Monitor
	Holder    *engine.Holder
	Restarter *consumer.Restarter
	Gate      *producer.Gate
	Store     *snapshot.Store
	// Cluster, when set, follows leadership to keep the lock group in step
	// with gossip membership and resolves the leader's HTTP address.
	Cluster *membership.Cluster
	// Closers run after the ordered shutdown, in order.
	Closers []io.Closer
}

// Engine is one process of the fleet.
type Engine struct {
	logger *slog.Logger
	deps   Deps

	stopOnce sync.Once
	stopErr  error
}

// New registers the output gate and then the consumer controller on the
// monitor, so output is armed before consumption starts and disarmed before
// it stops.
func New(logger *slog.Logger, deps Deps) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Monitor == nil || deps.Holder == nil || deps.Restarter == nil || deps.Gate == nil || deps.Store == nil {
		return nil, errors.New("service: monitor, holder, restarter, gate and store are required")
	}
	deps.Monitor.AddCallbacks(deps.Gate, deps.Restarter.Callback())
	if deps.Cluster != nil {
		deps.Monitor.AddCallbacks(deps.Cluster)
	}
	return &Engine{logger: logger.With("component", "engine_service"), deps: deps}, nil
}

// Start begins campaigning for leadership.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.deps.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("start leadership monitor: %w", err)
	}
	e.logger.Info("engine started", "identity", e.deps.Monitor.Identity())
	return nil
}

// Stop shuts the process down in a fixed order. Every step runs even if an
// earlier one failed; all failures are returned together.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		var result *multierror.Error
		step := func(name string, fn func() error) {
			if err := fn(); err != nil {
				e.logger.Warn("shutdown step failed", "step", name, "error", err)
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			}
		}
		step("stop leadership monitor", func() error { return e.deps.Monitor.Stop(ctx) })
		step("dispose state engine", e.deps.Holder.Dispose)
		step("stop consumer session", e.deps.Restarter.StopSession)
		step("stop output gate", e.deps.Gate.Stop)
		step("close snapshot store", e.deps.Store.Close)
		step("clear consumer controller", e.deps.Restarter.Controller().Clear)
		if e.deps.Cluster != nil {
			step("leave cluster", e.deps.Cluster.Close)
		}
		for _, c := range e.deps.Closers {
			step("close", c.Close)
		}
		e.stopErr = result.ErrorOrNil()
		e.logger.Info("engine stopped", "error", e.stopErr)
	})
	return e.stopErr
}

// Status reports the local leadership view.
func (e *Engine) Status() httpserver.Status {
	m := e.deps.Monitor
	st := httpserver.Status{
		NodeID:         m.Identity(),
		State:          m.State().String(),
		Leader:         m.Leader(),
		Tenure:         m.Tenure(),
		SessionRunning: e.deps.Restarter.Running(),
		OutputArmed:    e.deps.Gate.Armed(),
	}
	if s := e.deps.Restarter.Session(); s != nil {
		st.Offsets = s.Offsets().List()
		if err := s.Err(); err != nil {
			st.SessionError = err.Error()
		}
	}
	if e.deps.Cluster != nil && st.Leader != "" {
		if peer, ok := e.deps.Cluster.Lookup(st.Leader); ok {
			st.LeaderHTTPAddr = peer.HTTPAddr
		}
	}
	return st
}

// Snapshot checkpoints the running session. Only the leader has one.
func (e *Engine) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	return e.deps.Restarter.Snapshot(ctx)
}

// IsLeader reports whether this process currently leads.
func (e *Engine) IsLeader() bool { return e.deps.Monitor.IsLeader() }
