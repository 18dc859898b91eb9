package election

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	raft "github.com/hashicorp/raft"
)

// tenureEntry is the only command written to the raft log: a claim of a new
// tenure on a lock key by holder.
type tenureEntry struct {
	Key    string `json:"key"`
	Holder string `json:"holder"`
}

// tenureFSM implements raft.FSM. It keeps the committed tenure counter per
// lock key; the counter is the fencing token handed out with each lease.
type tenureFSM struct {
	mu      sync.RWMutex
	tenures map[string]tenureState
}

type tenureState struct {
	Token  uint64 `json:"token"`
	Holder string `json:"holder"`
}

func newTenureFSM() *tenureFSM {
	return &tenureFSM{tenures: make(map[string]tenureState)}
}

func (f *tenureFSM) Apply(log *raft.Log) any {
	var entry tenureEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("decode tenure entry: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.tenures[entry.Key]
	st.Token++
	st.Holder = entry.Holder
	f.tenures[entry.Key] = st
	return st.Token
}

func (f *tenureFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := make(map[string]tenureState, len(f.tenures))
	for k, v := range f.tenures {
		cp[k] = v
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *tenureFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var cp map[string]tenureState
	if err := json.NewDecoder(rc).Decode(&cp); err != nil {
		return err
	}
	if cp == nil {
		cp = make(map[string]tenureState)
	}
	f.mu.Lock()
	f.tenures = cp
	f.mu.Unlock()
	return nil
}

func (f *tenureFSM) tenure(key string) tenureState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tenures[key]
}

type fsmSnapshot struct{ data []byte }

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
