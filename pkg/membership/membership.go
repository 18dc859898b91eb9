// Package membership discovers fleet peers over gossip and grows or shrinks
// the raft lock group as they come and go.
package membership

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	hmemberlist "github.com/hashicorp/memberlist"

	"github.com/raj/hacep/pkg/metrics"
)

const voterTimeout = 10 * time.Second

// Voters is the part of the lock group membership can change. Only the
// current group leader may add or remove servers.
type Voters interface {
	IsLeader() bool
	AddVoter(ctx context.Context, id, addr string) error
	RemoveServer(ctx context.Context, id string) error
}

// Member is one live peer.
type Member struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	RaftAddr string `json:"raftAddr,omitempty"`
	HTTPAddr string `json:"httpAddr,omitempty"`
}

type nodeMeta struct {
	RaftAddr string `json:"raftAddr,omitempty"`
	HTTPAddr string `json:"httpAddr,omitempty"`
}

// Cluster is this process's view of the fleet.
type Cluster struct {
	logger *slog.Logger
	cfg    Config
	voters Voters
	meta   []byte

	ml *hmemberlist.Memberlist

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New joins the gossip pool. voters may be nil when the lock is not raft
// backed.
func New(logger *slog.Logger, cfg Config, voters Voters) (*Cluster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	meta, err := json.Marshal(nodeMeta{RaftAddr: cfg.RaftAddr, HTTPAddr: cfg.HTTPAddr})
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		logger: logger.With("component", "membership", "node", cfg.NodeName),
		cfg:    cfg,
		voters: voters,
		meta:   meta,
	}

	mlCfg := hmemberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlCfg.Name = cfg.NodeName
	}
	c.cfg.NodeName = mlCfg.Name
	if cfg.BindAddr != "" {
		host, port, err := ParseAddr(cfg.BindAddr)
		if err != nil {
			return nil, err
		}
		mlCfg.BindAddr, mlCfg.BindPort = host, port
		mlCfg.AdvertisePort = port
	}
	if cfg.GossipInterval > 0 {
		mlCfg.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlCfg.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.KeyHex != "" {
		b, err := hex.DecodeString(cfg.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid gossip key: %w", err)
		}
		kr, err := hmemberlist.NewKeyring([][]byte{b}, b)
		if err != nil {
			return nil, err
		}
		mlCfg.Keyring = kr
	}
	mlCfg.Logger = log.New(io.Discard, "", 0)

	d := &delegate{c: c, live: make(map[string]struct{})}
	mlCfg.Delegate = d
	mlCfg.Events = d

	ml, err := hmemberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	c.ml = ml

	if len(cfg.Seeds) > 0 {
		start := time.Now()
		n, err := ml.Join(cfg.Seeds)
		metrics.ObserveMembershipOperationDuration("join", time.Since(start).Seconds())
		if err != nil {
			metrics.RecordMembershipEvent("join", "error")
			c.logger.Warn("joining seeds failed; continuing alone", "seeds", cfg.Seeds, "error", err)
		} else {
			metrics.RecordMembershipEvent("join", "success")
			c.logger.Info("joined gossip pool", "contacted", n)
		}
	}
	return c, nil
}

// LocalAddr is the gossip address peers can join through.
func (c *Cluster) LocalAddr() string {
	n := c.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Members returns the live peers ordered by name, this process included.
func (c *Cluster) Members() []Member {
	nodes := c.ml.Members()
	out := make([]Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toMember(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the live peer called name.
func (c *Cluster) Lookup(name string) (Member, bool) {
	for _, n := range c.ml.Members() {
		if n.Name == name {
			return toMember(n), true
		}
	}
	return Member{}, false
}

func toMember(n *hmemberlist.Node) Member {
	m := Member{Name: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))}
	var meta nodeMeta
	if len(n.Meta) > 0 && json.Unmarshal(n.Meta, &meta) == nil {
		m.RaftAddr = meta.RaftAddr
		m.HTTPAddr = meta.HTTPAddr
	}
	return m
}

// OnLeader adds every known peer to the lock group. It returns at once; the
// work happens in the background.
func (c *Cluster) OnLeader() {
	c.async(func() {
		for _, m := range c.Members() {
			if m.Name != c.cfg.NodeName {
				c.addVoter(m)
			}
		}
	})
}

// OnReplica is a no-op: only the leader changes the lock group.
func (c *Cluster) OnReplica() {}

func (c *Cluster) addVoter(m Member) {
	if c.voters == nil || m.RaftAddr == "" || !c.voters.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), voterTimeout)
	defer cancel()
	start := time.Now()
	err := c.voters.AddVoter(ctx, m.Name, m.RaftAddr)
	metrics.ObserveMembershipOperationDuration("add_voter", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordMembershipEvent("add_voter", "error")
		c.logger.Warn("adding peer to lock group failed", "peer", m.Name, "raft_addr", m.RaftAddr, "error", err)
		return
	}
	metrics.RecordMembershipEvent("add_voter", "success")
	c.logger.Info("peer added to lock group", "peer", m.Name, "raft_addr", m.RaftAddr)
}

func (c *Cluster) removeServer(name string) {
	if c.voters == nil || !c.voters.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), voterTimeout)
	defer cancel()
	start := time.Now()
	err := c.voters.RemoveServer(ctx, name)
	metrics.ObserveMembershipOperationDuration("remove_server", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordMembershipEvent("remove_server", "error")
		c.logger.Warn("removing peer from lock group failed", "peer", name, "error", err)
		return
	}
	metrics.RecordMembershipEvent("remove_server", "success")
	c.logger.Info("peer removed from lock group", "peer", name)
}

// async runs fn off the memberlist goroutines, which must not block.
func (c *Cluster) async(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close leaves the pool and shuts gossip down.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.ml.Leave(time.Second); err != nil {
		c.logger.Warn("leaving gossip pool failed", "error", err)
	}
	err := c.ml.Shutdown()
	c.wg.Wait()
	return err
}

type delegate struct {
	c *Cluster

	mu   sync.Mutex
	live map[string]struct{}
}

func (d *delegate) NodeMeta(limit int) []byte {
	if len(d.c.meta) > limit {
		return nil
	}
	return d.c.meta
}

func (d *delegate) NotifyMsg([]byte)                           {}
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *delegate) LocalState(join bool) []byte                { return nil }
func (d *delegate) MergeRemoteState(buf []byte, join bool)     {}

func (d *delegate) NotifyJoin(n *hmemberlist.Node) {
	metrics.RecordMembershipEvent("member", "join")
	d.track(n.Name, true)
	if n.Name == d.c.cfg.NodeName {
		return
	}
	m := toMember(n)
	d.c.logger.Info("peer joined", "peer", m.Name, "addr", m.Addr)
	d.c.async(func() { d.c.addVoter(m) })
}

func (d *delegate) NotifyLeave(n *hmemberlist.Node) {
	metrics.RecordMembershipEvent("member", "leave")
	d.track(n.Name, false)
	if n.Name == d.c.cfg.NodeName {
		return
	}
	d.c.logger.Info("peer left", "peer", n.Name)
	name := n.Name
	d.c.async(func() { d.c.removeServer(name) })
}

func (d *delegate) NotifyUpdate(n *hmemberlist.Node) {
	metrics.RecordMembershipEvent("member", "update")
}

func (d *delegate) track(name string, alive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if alive {
		d.live[name] = struct{}{}
	} else {
		delete(d.live, name)
	}
	metrics.SetMembers(float64(len(d.live)))
}

// ParseAddr splits host:port into host and port.
func ParseAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse port of %q: %w", addr, err)
	}
	return host, port, nil
}
