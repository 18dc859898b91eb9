// Package config loads process configuration from HACEP_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"

	"github.com/raj/hacep/pkg/types"
)

// Prefix of every environment variable read by Load.
const Prefix = "hacep"

const (
	BackendBolt   = "bolt"
	BackendKafka  = "kafka"
	BackendMemory = "memory"

	LockRaft   = "raft"
	LockMemory = "memory"
)

type Config struct {
	// NodeID identifies this process in the lock group and in snapshots.
	// Defaults to a random UUID.
	NodeID  string   `envconfig:"NODE_ID"`
	GroupID string   `split_words:"true" default:"hacep"`
	Brokers []string `default:"localhost:9092"`

	InputTopics    []string      `split_words:"true" default:"events"`
	OutputTopic    string        `split_words:"true" default:"control"`
	StartPosition  string        `split_words:"true" default:"earliest"`
	PollTimeout    time.Duration `split_words:"true" default:"1s"`
	MaxPollRecords int           `split_words:"true" default:"500"`

	// SnapshotBackend defaults to kafka, the only backend every process of
	// the fleet can read. bolt keeps snapshots on the local host.
	SnapshotBackend     string        `split_words:"true" default:"kafka"`
	SnapshotTopic       string        `split_words:"true" default:"snapshots"`
	SnapshotPath        string        `split_words:"true" default:"hacep-snapshots.db"`
	SnapshotEveryEvents int           `split_words:"true" default:"1000"`
	SnapshotInterval    time.Duration `split_words:"true" default:"1m"`

	LockBackend   string `split_words:"true" default:"raft"`
	LockNamespace string `split_words:"true" default:"hacep"`

	RaftDataDir   string `split_words:"true" default:"data/raft"`
	RaftBind      string `split_words:"true" default:"127.0.0.1:7000"`
	RaftAdvertise string `split_words:"true"`
	RaftBootstrap bool   `split_words:"true"`

	GossipBind  string   `split_words:"true" default:"127.0.0.1:7946"`
	GossipSeeds []string `split_words:"true"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
}

// Load reads the environment, fills defaults and validates the result.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.NodeID == "" {
		add("node id is required")
	}
	if c.GroupID == "" {
		add("group id is required")
	}
	if len(c.InputTopics) == 0 {
		add("at least one input topic is required")
	}
	for _, t := range c.InputTopics {
		if t == "" {
			add("input topics must not be empty")
		}
	}
	if _, err := types.ParseStartPosition(c.StartPosition); err != nil {
		result = multierror.Append(result, err)
	}
	if c.PollTimeout <= 0 {
		add("poll timeout must be positive, got %s", c.PollTimeout)
	}
	if c.SnapshotEveryEvents < 0 {
		add("snapshot event interval must not be negative")
	}
	if c.SnapshotInterval < 0 {
		add("snapshot interval must not be negative")
	}

	switch c.SnapshotBackend {
	case BackendBolt:
		if c.SnapshotPath == "" {
			add("snapshot path is required for the bolt backend")
		}
	case BackendKafka:
		if c.SnapshotTopic == "" {
			add("snapshot topic is required for the kafka backend")
		}
	case BackendMemory:
	default:
		add("unknown snapshot backend %q", c.SnapshotBackend)
	}

	switch c.LockBackend {
	case LockRaft:
		if c.RaftDataDir == "" {
			add("raft data dir is required")
		}
		if _, _, err := net.SplitHostPort(c.RaftBind); err != nil {
			add("raft bind address %q: %v", c.RaftBind, err)
		}
	case LockMemory:
	default:
		add("unknown lock backend %q", c.LockBackend)
	}

	if c.usesKafka() && len(c.Brokers) == 0 {
		add("brokers are required")
	}
	if c.GossipBind != "" {
		if _, _, err := net.SplitHostPort(c.GossipBind); err != nil {
			add("gossip bind address %q: %v", c.GossipBind, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) usesKafka() bool {
	return len(c.InputTopics) > 0 || c.SnapshotBackend == BackendKafka
}

// LockKey is the lock key the fleet campaigns on.
func (c *Config) LockKey() string { return c.LockNamespace + "/" + c.GroupID }

// Start returns the parsed start position.
func (c *Config) Start() types.StartPosition {
	p, err := types.ParseStartPosition(c.StartPosition)
	if err != nil {
		return types.StartEarliest
	}
	return p
}

// ClientID is the Kafka client id of this process.
func (c *Config) ClientID() string { return c.GroupID + "-" + c.NodeID }

// SnapshotKey is the backend key snapshots of this group are stored under.
func (c *Config) SnapshotKey() string { return c.GroupID }

var errNoGossip = errors.New("gossip disabled")

// GossipAddr splits GossipBind into host and port.
func (c *Config) GossipAddr() (string, int, error) {
	if c.GossipBind == "" {
		return "", 0, errNoGossip
	}
	host, port, err := net.SplitHostPort(c.GossipBind)
	if err != nil {
		return "", 0, err
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return "", 0, fmt.Errorf("gossip port %q: %w", port, err)
	}
	return host, p, nil
}
