package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/raj/hacep/pkg/config"
	"github.com/raj/hacep/pkg/consumer"
	"github.com/raj/hacep/pkg/election"
	"github.com/raj/hacep/pkg/engine"
	"github.com/raj/hacep/pkg/eventlog"
	"github.com/raj/hacep/pkg/membership"
	"github.com/raj/hacep/pkg/producer"
	"github.com/raj/hacep/pkg/snapshot"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Build assembles an Engine from cfg using the Kafka event log and output
// topic, the configured snapshot backend and lock service, and gossip
// membership when the raft lock is used.
func Build(logger *slog.Logger, cfg *config.Config) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []io.Closer
	fail := func(err error) (*Engine, error) {
		var result *multierror.Error
		result = multierror.Append(result, err)
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		return nil, result.ErrorOrNil()
	}

	var (
		lock     election.Lock
		raftLock *election.RaftLock
	)
	switch cfg.LockBackend {
	case config.LockRaft:
		if err := os.MkdirAll(cfg.RaftDataDir, 0o755); err != nil {
			return fail(fmt.Errorf("create raft data dir: %w", err))
		}
		rl, err := election.NewRaftLock(logger, election.RaftOptions{
			ServerID:      cfg.NodeID,
			DataDir:       cfg.RaftDataDir,
			BindAddr:      cfg.RaftBind,
			AdvertiseAddr: cfg.RaftAdvertise,
			Bootstrap:     cfg.RaftBootstrap,
		})
		if err != nil {
			return fail(fmt.Errorf("open raft lock: %w", err))
		}
		lock, raftLock = rl, rl
		closers = append(closers, rl)
	case config.LockMemory:
		ml := election.NewMemoryLockService(0)
		lock = ml
		closers = append(closers, ml)
	default:
		return fail(fmt.Errorf("unknown lock backend %q", cfg.LockBackend))
	}
	// The lock closes after the ordered shutdown so a graceful release can
	// still commit.
	lockCloser := closers[0]

	monitor := election.NewMonitor(logger, lock, election.Options{Key: cfg.LockKey(), Identity: cfg.NodeID})

	backend, err := openBackend(logger, cfg)
	if err != nil {
		return fail(err)
	}
	store := snapshot.NewStore(logger, backend, cfg.SnapshotKey(), cfg.NodeID)
	closers = append(closers, store)

	// The gate stops before the store closes, so output can share the
	// snapshot producer's client.
	var sink producer.Sink
	if kb, ok := backend.(*snapshot.KafkaBackend); ok {
		sink = producer.NewKafkaSinkFromClient(kb.Client())
	} else {
		ks, err := producer.NewKafkaSink(cfg.Brokers, cfg.ClientID())
		if err != nil {
			return fail(err)
		}
		sink = ks
	}
	gate := producer.NewGate(logger, sink, producer.GateOptions{Topic: cfg.OutputTopic, Tenure: monitor.Tenure})
	closers = append(closers, closerFunc(gate.Stop))

	holder := engine.NewHolder(logger, engine.MemoryFactory(logger, gate))
	restarter := consumer.NewRestarter(logger, consumer.SessionConfig{
		Topics:           cfg.InputTopics,
		Start:            cfg.Start(),
		PollTimeout:      cfg.PollTimeout,
		MaxPollRecords:   cfg.MaxPollRecords,
		SnapshotEvery:    cfg.SnapshotEveryEvents,
		SnapshotInterval: cfg.SnapshotInterval,
	}, eventlog.NewKafkaLog(logger, cfg.Brokers, cfg.ClientID()), holder, store)

	deps := Deps{
		Monitor:   monitor,
		Holder:    holder,
		Restarter: restarter,
		Gate:      gate,
		Store:     store,
	}

	if raftLock != nil && cfg.GossipBind != "" {
		cluster, err := membership.New(logger, membership.Config{
			NodeName: cfg.NodeID,
			BindAddr: cfg.GossipBind,
			Seeds:    cfg.GossipSeeds,
			RaftAddr: raftLock.LocalAddress(),
			HTTPAddr: cfg.HTTPAddr,
		}, raftLock)
		if err != nil {
			return fail(fmt.Errorf("join gossip cluster: %w", err))
		}
		deps.Cluster = cluster
	}
	deps.Closers = []io.Closer{lockCloser}

	return New(logger, deps)
}

func openBackend(logger *slog.Logger, cfg *config.Config) (snapshot.Backend, error) {
	switch cfg.SnapshotBackend {
	case config.BackendBolt:
		b, err := snapshot.OpenBoltBackend(cfg.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt snapshot backend: %w", err)
		}
		return b, nil
	case config.BackendKafka:
		b, err := snapshot.NewKafkaBackend(logger, cfg.Brokers, cfg.SnapshotTopic, cfg.ClientID())
		if err != nil {
			return nil, fmt.Errorf("open kafka snapshot backend: %w", err)
		}
		return b, nil
	case config.BackendMemory:
		return snapshot.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}
