package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raj/hacep/pkg/metrics"
)

const defaultStartTimeout = 30 * time.Second

// SessionRunner is what the controller drives.
type SessionRunner interface {
	StartSession(ctx context.Context) error
	StopSession() error
	Running() bool
}

// Controller starts the consumer session on leadership and stops it on
// demotion. Both transitions are idempotent.
type Controller struct {
	logger *slog.Logger
	runner SessionRunner

	// StartTimeout bounds loading the snapshot and creating the consumer.
	StartTimeout time.Duration

	mu      sync.Mutex
	cleared bool
}

// NewController returns a controller for runner.
func NewController(logger *slog.Logger, runner SessionRunner) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		logger:       logger.With("component", "consumer_controller"),
		runner:       runner,
		StartTimeout: defaultStartTimeout,
	}
}

// OnLeader starts a session unless one is running. A failed start is not
// retried; the tenure stays without a consumer until leadership moves.
func (c *Controller) OnLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleared || c.runner.Running() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.StartTimeout)
	defer cancel()
	if err := c.runner.StartSession(ctx); err != nil {
		metrics.RecordSessionEvent(metrics.SessionStartFailed)
		c.logger.Error("consumer session failed to start; tenure will not consume", "error", err)
	}
}

// OnReplica stops the session, if any, including one that halted.
func (c *Controller) OnReplica() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.runner.StopSession(); err != nil {
		c.logger.Warn("closing consumer failed", "error", err)
	}
}

// Clear stops any session and ignores later leadership transitions.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = true
	return c.runner.StopSession()
}
