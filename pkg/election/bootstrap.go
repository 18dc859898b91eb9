package election

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/raj/hacep/pkg/metrics"
)

// NewRaftLock starts a raft group member whose leadership serves as the
// distributed lock. DataDir must exist unless InMemory is set. BindAddr like
// "127.0.0.1:12000".
func NewRaftLock(logger *slog.Logger, o RaftOptions) (*RaftLock, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if o.ServerID == "" {
		return nil, fmt.Errorf("raft server id is required")
	}
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(o.ServerID)
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Info,
		Output: os.Stderr,
	})
	if o.SnapshotInterval > 0 {
		cfg.SnapshotInterval = o.SnapshotInterval
	}
	if o.SnapshotThreshold > 0 {
		cfg.SnapshotThreshold = o.SnapshotThreshold
	}
	if o.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = o.HeartbeatTimeout
		if cfg.LeaderLeaseTimeout > o.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = o.HeartbeatTimeout
		}
	}
	if o.ElectionTimeout > 0 {
		cfg.ElectionTimeout = o.ElectionTimeout
	}
	notify := make(chan bool, 16)
	cfg.NotifyCh = notify

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
		transport   raft.Transport
		closers     []func() error
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	if o.InMemory {
		store := raft.NewInmemStore()
		logStore, stableStore = store, store
		snapshots = raft.NewInmemSnapshotStore()
		_, tr := raft.NewInmemTransport(raft.ServerAddress(o.BindAddr))
		transport = tr
		closers = append(closers, tr.Close)
	} else {
		ls, err := raftboltdb.NewBoltStore(filepath.Join(o.DataDir, "raft-log.bolt"))
		if err != nil {
			return nil, fmt.Errorf("open raft log store: %w", err)
		}
		closers = append(closers, ls.Close)
		ss, err := raftboltdb.NewBoltStore(filepath.Join(o.DataDir, "raft-stable.bolt"))
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open raft stable store: %w", err)
		}
		closers = append(closers, ss.Close)
		logStore, stableStore = ls, ss

		snapshots, err = raft.NewFileSnapshotStore(o.DataDir, 3, os.Stderr)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open raft snapshot store: %w", err)
		}

		var advertise net.Addr
		if o.AdvertiseAddr != "" {
			advertise, err = net.ResolveTCPAddr("tcp", o.AdvertiseAddr)
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("resolve advertise address: %w", err)
			}
		}
		tr, err := raft.NewTCPTransport(o.BindAddr, advertise, 3, 10*time.Second, os.Stderr)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open raft transport: %w", err)
		}
		transport = tr
		closers = append(closers, tr.Close)
	}

	fsm := newTenureFSM()
	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		metrics.RecordElectionOperation(metrics.ElectionOpBootstrap, metrics.ElectionResultError)
		cleanup()
		return nil, err
	}
	lock := newRaftLock(logger, r, fsm, transport.LocalAddr(), o.ApplyTimeout, closers)
	go lock.observe(notify)

	// Bootstrap if requested and fresh
	future := r.GetConfiguration()
	if err := future.Error(); err != nil {
		_ = lock.Close()
		return nil, err
	}
	if o.Bootstrap && len(future.Configuration().Servers) == 0 {
		cfg := raft.Configuration{Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}}}
		if err := r.BootstrapCluster(cfg).Error(); err != nil {
			metrics.RecordElectionOperation(metrics.ElectionOpBootstrap, metrics.ElectionResultError)
			_ = lock.Close()
			return nil, err
		}
	}
	metrics.RecordElectionOperation(metrics.ElectionOpBootstrap, metrics.ElectionResultSuccess)
	return lock, nil
}
