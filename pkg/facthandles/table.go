// Package facthandles keeps the mapping from caller-supplied external keys to
// the engine handles of live facts. The engine never reconstructs this
// mapping itself, so it travels inside every snapshot.
package facthandles

import (
	"sort"
	"sync"

	"github.com/raj/hacep/pkg/types"
)

// Table is a concurrency-safe externalKey -> handle index.
type Table struct {
	mu      sync.RWMutex
	entries map[string]types.FactHandleEntry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[string]types.FactHandleEntry)}
}

// Put records that key is live under handle as of offset in tp.
func (t *Table) Put(key string, handle types.Handle, tp types.TopicPartition, offset int64) {
	t.mu.Lock()
	t.entries[key] = types.FactHandleEntry{
		ExternalKey:       key,
		Handle:            handle,
		Topic:             tp.Topic,
		Partition:         tp.Partition,
		LastAppliedOffset: offset,
	}
	t.mu.Unlock()
}

// Lookup returns the entry for key.
func (t *Table) Lookup(key string) (types.FactHandleEntry, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	return e, ok
}

// Remove deletes key and reports whether it was present.
func (t *Table) Remove(key string) bool {
	t.mu.Lock()
	_, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()
	return ok
}

// Len returns the number of live keys.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// SnapshotView returns a copy of all entries ordered by external key.
func (t *Table) SnapshotView() []types.FactHandleEntry {
	t.mu.RLock()
	out := make([]types.FactHandleEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalKey < out[j].ExternalKey })
	return out
}

// Restore replaces the table content with entries. A later duplicate of a
// key wins.
func (t *Table) Restore(entries []types.FactHandleEntry) {
	m := make(map[string]types.FactHandleEntry, len(entries))
	for _, e := range entries {
		m[e.ExternalKey] = e
	}
	t.mu.Lock()
	t.entries = m
	t.mu.Unlock()
}

// Reconcile drops entries whose handle is not in live and returns the
// dropped keys together with the live handles that no key points to.
func (t *Table) Reconcile(live []types.Handle) (orphans []string, unmapped []types.Handle) {
	liveSet := make(map[types.Handle]struct{}, len(live))
	for _, h := range live {
		liveSet[h] = struct{}{}
	}
	t.mu.Lock()
	mapped := make(map[types.Handle]struct{}, len(t.entries))
	for k, e := range t.entries {
		if _, ok := liveSet[e.Handle]; !ok {
			delete(t.entries, k)
			orphans = append(orphans, k)
			continue
		}
		mapped[e.Handle] = struct{}{}
	}
	t.mu.Unlock()
	for _, h := range live {
		if _, ok := mapped[h]; !ok {
			unmapped = append(unmapped, h)
		}
	}
	sort.Strings(orphans)
	return orphans, unmapped
}
