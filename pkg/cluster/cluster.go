// Package cluster provides a thin hashicorp/raft-based leader election
// shell: in a multi-replica deployment, procmand starts a replica's
// routers only once that replica is the raft leader. Leadership is
// checked only before the routers start; nothing here stops them if the
// replica later loses leadership. Raft here replicates nothing about the runtime's
// own state (no events, no commands, no acks) — only a leader-epoch
// counter used to detect and log failovers.
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/fluxline/procman/pkg/log"
	"github.com/fluxline/procman/pkg/metrics"
)

// Peer is one other member of the raft group, known up front (static
// membership; dynamic join/leave is out of scope).
type Peer struct {
	ID   string
	Addr string
}

// Config configures a single replica's participation in leader
// election.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool // true for the node that forms the initial cluster
	Peers     []Peer
}

// Cluster wraps a raft.Raft instance dedicated to leader election.
type Cluster struct {
	raft      *raft.Raft
	fsm       *epochFSM
	nodeID    string
	leaderCh  chan bool
}

// New opens (or creates) a raft node's on-disk state and starts
// participating in the cluster described by cfg.
func New(cfg Config) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	leaderCh := make(chan bool, 1)
	raftConfig.NotifyCh = leaderCh

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: open raft stable store: %w", err)
	}

	fsm := newEpochFSM()
	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: start raft: %w", err)
	}

	c := &Cluster{raft: r, fsm: fsm, nodeID: cfg.NodeID, leaderCh: leaderCh}

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}}
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("cluster: bootstrap: %w", err)
		}
	}

	return c, nil
}

// IsLeader reports whether this replica currently holds raft
// leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// BumpEpoch replicates a leader-epoch increment through raft. Only
// meaningful when called by the current leader.
func (c *Cluster) BumpEpoch(timeout time.Duration) (uint64, error) {
	data, err := json.Marshal(epochCommand{Op: "bump_epoch"})
	if err != nil {
		return 0, err
	}
	future := c.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("cluster: apply epoch bump: %w", err)
	}
	epoch, _ := future.Response().(uint64)
	return epoch, nil
}

// Epoch returns the last epoch this replica's FSM has observed.
func (c *Cluster) Epoch() uint64 {
	return c.fsm.Epoch()
}

// Shutdown leaves the raft cluster and releases on-disk resources.
func (c *Cluster) Shutdown() error {
	return c.raft.Shutdown().Error()
}

// WatchLeadership updates the procman_cluster_is_leader gauge for every
// named process-manager definition this replica is responsible for,
// every time raft's leadership notification fires. It runs until
// stopCh is closed.
func (c *Cluster) WatchLeadership(processManagerNames []string, stopCh <-chan struct{}) {
	logger := log.WithField("node_id", c.nodeID).With().Str("component", "cluster").Logger()
	for {
		select {
		case isLeader := <-c.leaderCh:
			value := 0.0
			if isLeader {
				value = 1.0
				if _, err := c.BumpEpoch(5 * time.Second); err != nil {
					logger.Error().Err(err).Msg("failed to bump leader epoch")
				}
			}
			logger.Info().Bool("is_leader", isLeader).Msg("leadership changed")
			for _, name := range processManagerNames {
				metrics.ClusterIsLeader.WithLabelValues(name).Set(value)
			}
		case <-stopCh:
			return
		}
	}
}
