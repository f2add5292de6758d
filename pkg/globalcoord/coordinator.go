// Package globalcoord implements the global tier's leader election and
// replicated domain topology: which underlayers (domains, or the local
// tiers beneath a domain) exist, replicated across the global tier's
// peers via Raft so that topology survives a leader failover. The
// leader is the only process that pushes UpdateSchedTopoView down to a
// domain's Underlayer Manager after a commit, so followers never race
// to deliver duplicate updates.
package globalcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/fnsched/pkg/log"
	"github.com/cuemby/fnsched/pkg/metrics"
	"github.com/cuemby/fnsched/pkg/tierlink"
)

// Config carries the Raft tunables and identity for one global-tier
// process.
type Config struct {
	NodeID  string
	BindAddr string
	DataDir string
	// Bootstrap is true for the first node of a new cluster; every other
	// node joins an existing leader via Join.
	Bootstrap bool

	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration
	ApplyTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 50 * time.Millisecond
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c
}

// Coordinator owns one node's Raft participation in the global tier. It
// replicates domain topology and, while leader, forwards each committed
// change to the affected domain over router.
type Coordinator struct {
	cfg    Config
	router *tierlink.Router

	raft *raft.Raft
	fsm  *FSM

	onLeaderChange func(isLeader bool)
}

// New creates a Coordinator and starts its Raft participation. If
// cfg.Bootstrap is set, it bootstraps a brand new single-node cluster;
// otherwise it starts Raft ready to be added as a voter by an existing
// leader via Join. onLeaderChange, if non-nil, is called from a
// background goroutine every time this node's leadership status
// changes; cmd/fnsched uses it to set the flag that gates the global
// endpoint's Schedule and ForwardSchedule handlers (and the health
// checker's readiness), so only the current leader ever makes a
// scheduling decision.
func New(cfg Config, router *tierlink.Router, onLeaderChange func(isLeader bool)) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	c := &Coordinator{cfg: cfg, router: router, onLeaderChange: onLeaderChange}
	c.fsm = newFSM(c.pushTopology)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftConfig.ElectionTimeout = cfg.ElectionTimeout
	raftConfig.CommitTimeout = cfg.CommitTimeout
	raftConfig.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("globalcoord: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("globalcoord: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("globalcoord: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("globalcoord: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("globalcoord: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, c.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("globalcoord: create raft: %w", err)
	}
	c.raft = r

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("globalcoord: bootstrap cluster: %w", err)
		}
	}

	go c.watchLeadership()
	return c, nil
}

func (c *Coordinator) watchLeadership() {
	for leader := range c.raft.LeaderCh() {
		if leader {
			metrics.RaftLeader.Set(1)
		} else {
			metrics.RaftLeader.Set(0)
		}
		if c.onLeaderChange != nil {
			c.onLeaderChange(leader)
		}
	}
}

// IsLeader reports whether this node currently holds Raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's bind address, or "" if none
// is known.
func (c *Coordinator) LeaderAddr() string {
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// Join admits nodeID/addr as a voter. It must be called against the
// current leader. Unlike the teacher's gRPC-based join RPC, fnsched has
// no standalone transport protocol (spec.md's Non-goals exclude one):
// a joining node instead reaches the leader through tierlink, the same
// in-process dispatch every other inter-tier call uses, and the leader
// answers by calling AddVoter here.
func (c *Coordinator) Join(nodeID, addr string) error {
	if !c.IsLeader() {
		return fmt.Errorf("globalcoord: not leader, current leader is %q", c.LeaderAddr())
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// Leave removes nodeID from the voter set. Must be called against the
// current leader.
func (c *Coordinator) Leave(nodeID string) error {
	if !c.IsLeader() {
		return fmt.Errorf("globalcoord: not leader, current leader is %q", c.LeaderAddr())
	}
	return c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

func (c *Coordinator) apply(cmd Command) ([]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("globalcoord: marshal command: %w", err)
	}
	future := c.raft.Apply(data, c.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("globalcoord: apply command: %w", err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	members, _ := resp.([]string)
	return members, nil
}

// RegisterUnderlayer proposes adding name to domain's replicated
// membership set, returning the membership once committed. Must be
// called on the leader; a follower returns raft.ErrNotLeader.
func (c *Coordinator) RegisterUnderlayer(domain, name string) ([]string, error) {
	data, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	return c.apply(Command{Op: OpRegisterUnderlayer, Domain: domain, Data: data})
}

// RemoveUnderlayer proposes dropping name from domain's membership.
func (c *Coordinator) RemoveUnderlayer(domain, name string) ([]string, error) {
	data, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	return c.apply(Command{Op: OpRemoveUnderlayer, Domain: domain, Data: data})
}

// Members returns domain's currently replicated membership set.
func (c *Coordinator) Members(domain string) []string {
	return c.fsm.store.members(domain)
}

// pushTopology is the FSM's onApply callback: after every committed
// topology change, the leader alone forwards the new membership to the
// affected domain's Underlayer Manager.
func (c *Coordinator) pushTopology(domain string, members []string) {
	if !c.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ApplyTimeout)
	defer cancel()
	if _, err := c.router.Send(ctx, domain, "UpdateSchedTopoView", &tierlink.UpdateSchedTopoViewRequest{Members: members}); err != nil {
		log.WithComponent("globalcoord").Warn().Err(err).Str("domain", domain).Msg("failed to push topology to domain")
	}
}

// Stats reports a snapshot of Raft's internal counters, for diagnostics.
func (c *Coordinator) Stats() map[string]string {
	return c.raft.Stats()
}

// Shutdown stops this node's Raft participation.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}
