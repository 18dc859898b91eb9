package election

import "time"

// RaftOptions carries the raft lock group configuration used by NewRaftLock.
type RaftOptions struct {
	ServerID string
	DataDir  string
	BindAddr string
	// AdvertiseAddr is announced to peers when BindAddr is not routable.
	AdvertiseAddr string
	Bootstrap     bool
	// InMemory keeps log, stable and snapshot stores in memory and uses an
	// in-memory transport. Intended for tests and single-process demos.
	InMemory bool

	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	ApplyTimeout      time.Duration
}
