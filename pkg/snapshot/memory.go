package snapshot

import (
	"context"
	"sync"
)

// MemoryBackend keeps records in process memory. It is shared between
// stores in tests to stand in for a durable topic.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	puts    int
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

func (b *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	b.mu.Lock()
	b.records[key] = cp
	b.puts++
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.records[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Close is a no-op; a MemoryBackend outlives the stores using it.
func (b *MemoryBackend) Close() error { return nil }

// Puts returns how many records were written.
func (b *MemoryBackend) Puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}
