// Package engine defines the contract of the opaque state engine driven by
// the consumer session, and the holder that owns its lifecycle.
package engine

import (
	"context"
	"errors"

	"github.com/raj/hacep/pkg/producer"
	"github.com/raj/hacep/pkg/types"
)

var (
	ErrDisposed      = errors.New("state engine disposed")
	ErrUnknownHandle = errors.New("unknown fact handle")
	ErrNotReady      = errors.New("state engine not initialized")
)

// StateEngine performs the actual event semantics. SerializeState and
// RestoreState must only be called while no Apply or Retract is in flight.
type StateEngine interface {
	Apply(ctx context.Context, key string, payload []byte) (types.Handle, error)
	Retract(ctx context.Context, h types.Handle) error
	SerializeState() ([]byte, error)
	RestoreState(data []byte) error
	Dispose() error
}

// HandleLister is implemented by engines that can enumerate live facts. It
// lets a restore verify the fact handle table against the engine.
type HandleLister interface {
	Handles() []types.Handle
}

// Publisher is the output path available to engines.
type Publisher interface {
	Publish(ctx context.Context, msg producer.Message) error
}

// Factory builds an engine in its baseline configuration.
type Factory func() (StateEngine, error)
