/*
Package gridha is the supplemental leader-election layer addressing
spec.md §1's "one or more cluster servers" fault-tolerance statement,
which the distilled spec otherwise leaves unspecified (SPEC_FULL.md's
DOMAIN STACK section). Exactly one cluster server in a grid is allowed
to run §4.3's atomic config rewrite at a time; gridha elects that one
server via hashicorp/raft and flips mgmserver.Server.IsMaster on every
leadership change, redirecting standbys through the existing
§4.4.4 "try another address" path.

Grounded on the teacher's pkg/manager (Bootstrap/Join/IsLeader) for
the raft wiring shape, tuned to the same failover-oriented timeouts;
gridha carries no cluster-object state of its own, so its FSM (fsm.go)
is a no-op and there is no equivalent of the teacher's WarrenFSM.Apply.
*/
package gridha

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/iclaustron/gridctl/pkg/log"
	"github.com/iclaustron/gridctl/pkg/metrics"
	"github.com/iclaustron/gridctl/pkg/mgmserver"
)

// Config configures one grid's leader election.
type Config struct {
	Grid     string
	NodeID   string
	BindAddr string
	DataDir  string
}

// Election runs one raft group electing the master cluster server for
// a single grid, and keeps an *mgmserver.Server's IsMaster/Policy in
// sync with the outcome.
type Election struct {
	cfg   Config
	raft  *raft.Raft
	peers *PeerStore

	mu      sync.RWMutex
	leader  raft.ServerAddress
	servers []*mgmserver.Server

	stopCh chan struct{}
}

// New opens the election's durable stores and constructs the raft
// instance, but does not bootstrap or join a cluster; call Bootstrap
// next to form a new group.
func New(cfg Config) (*Election, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("gridha: creating data dir: %w", err)
	}

	peers, err := OpenPeerStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	// Same failover tuning as the teacher's pkg/manager: edge/LAN
	// deployments, not WAN, so the hashicorp/raft WAN-oriented defaults
	// are slower than this grid needs.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		peers.Close()
		return nil, fmt.Errorf("gridha: resolving bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		peers.Close()
		return nil, fmt.Errorf("gridha: creating transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		peers.Close()
		return nil, fmt.Errorf("gridha: creating snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		peers.Close()
		return nil, fmt.Errorf("gridha: creating log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		peers.Close()
		return nil, fmt.Errorf("gridha: creating stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, &leaderFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		peers.Close()
		return nil, fmt.Errorf("gridha: starting raft: %w", err)
	}

	e := &Election{cfg: cfg, raft: r, peers: peers, stopCh: make(chan struct{})}
	go e.watchLeadership()
	return e, nil
}

// Bootstrap forms a brand-new raft group containing exactly servers.
// It is only valid the first time a grid's cluster servers start.
func (e *Election) Bootstrap(servers []Peer) error {
	raftServers := make([]raft.Server, 0, len(servers))
	for _, s := range servers {
		raftServers = append(raftServers, raft.Server{ID: raft.ServerID(fmt.Sprint(s.NodeID)), Address: raft.ServerAddress(s.Addr)})
	}
	future := e.raft.BootstrapCluster(raft.Configuration{Servers: raftServers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("gridha: bootstrapping cluster: %w", err)
	}
	return e.peers.Save(e.cfg.Grid, servers)
}

// IsLeader reports whether this process currently holds the grid's
// leadership.
func (e *Election) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current leader, or ""
// if none is known.
func (e *Election) LeaderAddr() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return string(e.leader)
}

// Attach registers an mgmserver.Server whose IsMaster/Policy should
// track this election's leadership. Call once per cluster server
// process; safe to call before or after leadership is first decided.
func (e *Election) Attach(srv *mgmserver.Server) {
	e.mu.Lock()
	e.servers = append(e.servers, srv)
	leader := e.leader
	isLeader := e.IsLeader()
	e.mu.Unlock()
	e.apply(srv, isLeader, leader)
}

// Shutdown stops the raft instance and closes the peer store.
func (e *Election) Shutdown() error {
	close(e.stopCh)
	if err := e.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("gridha: shutting down raft: %w", err)
	}
	return e.peers.Close()
}

// watchLeadership drains raft's leadership-change channel for the
// life of the election, applying each change to every attached
// server and to GridHALeader.
func (e *Election) watchLeadership() {
	ch := e.raft.LeaderCh()
	for {
		select {
		case isLeader, ok := <-ch:
			if !ok {
				return
			}
			e.mu.Lock()
			e.leader = e.raft.Leader()
			leader := e.leader
			servers := append([]*mgmserver.Server(nil), e.servers...)
			e.mu.Unlock()

			if isLeader {
				metrics.GridHALeader.Set(1)
			} else {
				metrics.GridHALeader.Set(0)
			}
			log.Info(fmt.Sprintf("gridha: leadership changed, is_leader=%v leader_addr=%s", isLeader, leader))
			for _, srv := range servers {
				e.apply(srv, isLeader, leader)
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Election) apply(srv *mgmserver.Server, isLeader bool, leaderAddr raft.ServerAddress) {
	srv.IsMaster = isLeader
	srv.Policy = mgmserver.DefaultPolicy{Addr: string(leaderAddr)}
}
