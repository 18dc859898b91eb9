package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/raj/hacep/pkg/producer"
	"github.com/raj/hacep/pkg/types"
)

// Fact is one live fact of a MemoryEngine.
type Fact struct {
	Handle  types.Handle `json:"handle"`
	Key     string       `json:"key"`
	Payload []byte       `json:"payload"`
}

// Notification is emitted downstream on every fact mutation.
type Notification struct {
	Op     string       `json:"op"`
	Key    string       `json:"key"`
	Handle types.Handle `json:"handle"`
}

type memoryState struct {
	Next  types.Handle `json:"next"`
	Facts []Fact       `json:"facts"`
}

// MemoryEngine is the reference StateEngine: a fact store without rules. It
// announces inserted and retracted facts through its Publisher.
type MemoryEngine struct {
	logger *slog.Logger
	out    Publisher

	mu       sync.Mutex
	facts    map[types.Handle]Fact
	next     types.Handle
	disposed bool
}

// NewMemoryEngine returns an empty engine. out may be nil.
func NewMemoryEngine(logger *slog.Logger, out Publisher) *MemoryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEngine{
		logger: logger.With("component", "memory_engine"),
		out:    out,
		facts:  make(map[types.Handle]Fact),
	}
}

// MemoryFactory returns a Factory producing MemoryEngines bound to out.
func MemoryFactory(logger *slog.Logger, out Publisher) Factory {
	return func() (StateEngine, error) { return NewMemoryEngine(logger, out), nil }
}

func (e *MemoryEngine) Apply(ctx context.Context, key string, payload []byte) (types.Handle, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return 0, ErrDisposed
	}
	e.next++
	h := e.next
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.facts[h] = Fact{Handle: h, Key: key, Payload: cp}
	e.mu.Unlock()

	e.emit(ctx, Notification{Op: "inserted", Key: key, Handle: h})
	return h, nil
}

func (e *MemoryEngine) Retract(ctx context.Context, h types.Handle) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	f, ok := e.facts[h]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(e.facts, h)
	e.mu.Unlock()

	e.emit(ctx, Notification{Op: "retracted", Key: f.Key, Handle: h})
	return nil
}

func (e *MemoryEngine) emit(ctx context.Context, n Notification) {
	if e.out == nil {
		return
	}
	value, err := json.Marshal(n)
	if err != nil {
		e.logger.Error("encode notification failed", "error", err)
		return
	}
	if err := e.out.Publish(ctx, producer.Message{Key: n.Key, Value: value}); err != nil {
		e.logger.Error("publish notification failed", "error", err, "key", n.Key, "op", n.Op)
	}
}

func (e *MemoryEngine) SerializeState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil, ErrDisposed
	}
	st := memoryState{Next: e.next, Facts: e.sortedFacts()}
	return json.Marshal(&st)
}

func (e *MemoryEngine) RestoreState(data []byte) error {
	var st memoryState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode engine state: %w", err)
	}
	facts := make(map[types.Handle]Fact, len(st.Facts))
	for _, f := range st.Facts {
		if f.Handle > st.Next {
			return fmt.Errorf("fact handle %d beyond allocator %d", f.Handle, st.Next)
		}
		facts[f.Handle] = f
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	e.facts = facts
	e.next = st.Next
	return nil
}

func (e *MemoryEngine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	e.disposed = true
	e.facts = nil
	return nil
}

// Handles implements HandleLister.
func (e *MemoryEngine) Handles() []types.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Handle, 0, len(e.facts))
	for h := range e.facts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Facts returns the live facts ordered by handle.
func (e *MemoryEngine) Facts() []Fact {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedFacts()
}

func (e *MemoryEngine) sortedFacts() []Fact {
	out := make([]Fact, 0, len(e.facts))
	for _, f := range e.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}
