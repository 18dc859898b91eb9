// Package producer publishes engine output downstream, gated on leadership.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raj/hacep/pkg/metrics"
	"github.com/raj/hacep/pkg/tracing"
)

// HeaderTenure carries the fencing token of the tenure that produced a message.
const HeaderTenure = "hacep-tenure"

var ErrSinkClosed = errors.New("sink closed")

// Message is one downstream record.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Sink is the downstream publish channel.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// GateOptions configures a Gate.
type GateOptions struct {
	// Topic is applied to messages that do not name one.
	Topic string
	// Tenure, when set, stamps each message with the current fencing token.
	Tenure func() uint64
}

// Gate forwards messages to its sink only while armed. It is armed by
// OnLeader and disarmed by OnReplica; messages published while disarmed are
// dropped, never buffered.
type Gate struct {
	logger *slog.Logger
	sink   Sink
	opts   GateOptions

	// mu is held shared by in-flight publishes and exclusively by
	// transitions, so OnReplica returns only after they completed.
	mu      sync.RWMutex
	armed   atomic.Bool
	stopped bool

	closeOnce sync.Once
	closeErr  error
}

// NewGate returns a disarmed gate in front of sink.
func NewGate(logger *slog.Logger, sink Sink, opts GateOptions) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger: logger.With("component", "output_gate"),
		sink:   sink,
		opts:   opts,
	}
}

// Publish sends msg if the gate is armed and drops it otherwise. Send
// failures are returned to the caller and never retried.
func (g *Gate) Publish(ctx context.Context, msg Message) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.armed.Load() {
		metrics.RecordPublish(metrics.PublishResultDropped)
		g.logger.Debug("dropping message while not leader", "key", msg.Key)
		return nil
	}

	if msg.Topic == "" {
		msg.Topic = g.opts.Topic
	}
	if g.opts.Tenure != nil {
		headers := make(map[string]string, len(msg.Headers)+1)
		for k, v := range msg.Headers {
			headers[k] = v
		}
		headers[HeaderTenure] = strconv.FormatUint(g.opts.Tenure(), 10)
		msg.Headers = headers
	}

	tracer := otel.Tracer(tracing.TracerProducer)
	ctx, span := tracer.Start(ctx, tracing.SpanProducerPublish, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("messaging.destination", msg.Topic))

	start := time.Now()
	err := g.sink.Send(ctx, msg)
	metrics.ObservePublishDuration(time.Since(start).Seconds())
	if err != nil {
		metrics.RecordPublish(metrics.PublishResultError)
		span.SetStatus(codes.Error, "send failed")
		g.logger.Error("publish failed", "error", err, "topic", msg.Topic, "key", msg.Key)
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	metrics.RecordPublish(metrics.PublishResultSent)
	return nil
}

// OnLeader arms the gate.
func (g *Gate) OnLeader() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.armed.Store(true)
	metrics.SetProducerArmed(true)
	g.logger.Info("output gate armed")
}

// OnReplica disarms the gate. It returns once in-flight publishes finished.
func (g *Gate) OnReplica() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.armed.Swap(false) {
		g.logger.Info("output gate disarmed")
	}
	metrics.SetProducerArmed(false)
}

// Armed reports whether Publish currently forwards messages.
func (g *Gate) Armed() bool { return g.armed.Load() }

// Stop disarms the gate permanently and closes the sink.
func (g *Gate) Stop() error {
	g.mu.Lock()
	g.stopped = true
	g.armed.Store(false)
	g.mu.Unlock()
	metrics.SetProducerArmed(false)
	g.closeOnce.Do(func() { g.closeErr = g.sink.Close() })
	return g.closeErr
}
