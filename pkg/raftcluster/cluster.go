// Package raftcluster wraps hashicorp/raft into Conreg's cluster core
// (spec C2) and admin surface (spec C6): bootstrap, join, membership
// changes, status reporting, and graceful shutdown.
package raftcluster

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// dataDirFormatMagic/Version stamp a sidecar marker file in every node's
// data directory. raft-boltdb and raft's file snapshot store fully own the
// byte layout of the files they write, so conreg can't prefix a header onto
// raft-log.db/raft-stable.db/snapshots the way store.go does inside its own
// bbolt file; a small marker file next to them serves the same purpose.
const (
	dataDirFormatMagic   = "CNRGRAFT"
	dataDirFormatVersion = byte(1)
	dataDirMarkerFile    = "conreg-version"
)

func checkOrWriteDataDirMarker(dataDir string) error {
	path := filepath.Join(dataDir, dataDirMarkerFile)
	want := append([]byte(dataDirFormatMagic), dataDirFormatVersion)

	existing, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return os.WriteFile(path, want, 0o644)
	}
	if err != nil {
		return fmt.Errorf("read data dir marker: %w", err)
	}
	if !bytes.Equal(existing, want) {
		return fmt.Errorf("%s: data dir was created by an incompatible conreg version", path)
	}
	return nil
}

// Election/heartbeat tuning per spec §4.2. hashicorp/raft randomises both
// the follower heartbeat timeout and the candidate election timeout in
// [t, 2t), so setting both to electionTimeoutMin gives election timeouts in
// [150ms, 300ms). The library has no separate leader heartbeat setting: a
// leader sends heartbeats at a tenth of HeartbeatTimeout, i.e. every
// 15-30ms here. LeaderLeaseTimeout may not exceed HeartbeatTimeout.
const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond // upper bound of the resulting range, 2 × electionTimeoutMin
	commitTimeout      = 25 * time.Millisecond
	leaderLeaseTimeout = 100 * time.Millisecond

	// DefaultMaxLag is the max permitted log-index gap between a learner
	// and the leader before promote() will accept it (spec §4.6).
	DefaultMaxLag = 50
)

// Config holds the parameters needed to stand up a Cluster.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Cluster owns a raft.Raft instance plus its log/stable/snapshot stores and
// the Config FSM, and exposes the membership and status operations used by
// the coordinator's admin routes and conregctl.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft      *raft.Raft
	fsm       *fsm.ConfigFSM
	transport *raft.NetworkTransport

	// replicationMu guards replicationReports, the leader's view of how far
	// each follower/learner has applied, self-reported over the
	// /peer/replication-report RPC (see coordinator.replicationReportLoop).
	// hashicorp/raft does not expose per-follower match index publicly, so
	// this is conreg's own application-level substitute.
	replicationMu      sync.Mutex
	replicationReports map[string]uint64
}

// New builds a Cluster around the given FSM, without starting Raft. Call
// Bootstrap or StartFollower to actually start the node.
func New(cfg Config, f *fsm.ConfigFSM) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := checkOrWriteDataDirMarker(cfg.DataDir); err != nil {
		return nil, err
	}
	return &Cluster{
		nodeID:             cfg.NodeID,
		bindAddr:           cfg.BindAddr,
		dataDir:            cfg.DataDir,
		fsm:                f,
		replicationReports: make(map[string]uint64),
	}, nil
}

// NodeID returns this cluster member's Raft server ID.
func (c *Cluster) NodeID() string {
	return c.nodeID
}

// LeaderCh exposes the underlying raft.Raft leadership-change channel: it
// receives true when this node becomes leader and false when it steps down,
// and is closed on Shutdown. Used by coordinator.leaderWatchLoop to drive
// the registry's leader-handover grace period (spec §4.4).
func (c *Cluster) LeaderCh() <-chan bool {
	return c.raft.LeaderCh()
}

// ReportApplied records a follower or learner's self-reported applied log
// index, called by the leader's /peer/replication-report handler. It is the
// only source of truth replicationProgress has for match index, since
// hashicorp/raft keeps that state private to its own replication goroutines.
func (c *Cluster) ReportApplied(nodeID string, index uint64) {
	c.replicationMu.Lock()
	defer c.replicationMu.Unlock()
	if c.replicationReports == nil {
		c.replicationReports = make(map[string]uint64)
	}
	c.replicationReports[nodeID] = index
}

func (c *Cluster) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.nodeID)
	cfg.HeartbeatTimeout = electionTimeoutMin
	cfg.ElectionTimeout = electionTimeoutMin
	cfg.CommitTimeout = commitTimeout
	cfg.LeaderLeaseTimeout = leaderLeaseTimeout
	cfg.Logger = nil
	return cfg
}

func (c *Cluster) newRaft() (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(c.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	c.transport = transport

	snapshotStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(c.raftConfig(), c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	return r, nil
}

// Bootstrap starts Raft (or reuses it if StartFollower already started it)
// and commits the initial single-voter (or multi-voter, for a pre-seeded
// members list) configuration. It only succeeds when the node's on-disk
// membership is empty, per spec §4.2's "admin RPCs for cluster init are
// accepted by any node only when the node has empty membership".
func (c *Cluster) Bootstrap(members []types.Member) error {
	if c.raft == nil {
		r, err := c.newRaft()
		if err != nil {
			return err
		}
		c.raft = r
	}

	servers := make([]raft.Server, 0, len(members)+1)
	if len(members) == 0 {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(c.nodeID),
			Address: c.transport.LocalAddr(),
		})
	} else {
		for _, m := range members {
			suffrage := raft.Voter
			if m.Role == types.RoleLearner {
				suffrage = raft.Nonvoter
			}
			servers = append(servers, raft.Server{
				ID:       raft.ServerID(m.ID),
				Address:  raft.ServerAddress(m.Address),
				Suffrage: suffrage,
			})
		}
	}

	future := c.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return apierr.New(apierr.Conflict, "bootstrap cluster: %v", err)
	}

	log.WithNodeID(c.nodeID).Info().Msg("cluster bootstrapped")
	return nil
}

// StartFollower starts Raft on a node that will join an existing cluster via
// AddVoter/AddLearner issued by the leader; it does not bootstrap any
// configuration itself.
func (c *Cluster) StartFollower() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

// AddLearner installs a non-voting replica that begins catch-up
// replication. Requires the local node to be leader.
func (c *Cluster) AddLearner(nodeID, addr string) error {
	if !c.IsLeader() {
		return apierr.Redirectf(c.LeaderID(), c.LeaderAddr())
	}
	future := c.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return apierr.New(apierr.Internal, "add learner: %v", err)
	}
	return nil
}

// Promote turns a caught-up learner into a voter. It fails with CONFLICT if
// the learner's match index lags the leader's last index by more than
// maxLag entries (spec §4.6 default 50).
func (c *Cluster) Promote(nodeID string, maxLag uint64) error {
	if !c.IsLeader() {
		return apierr.Redirectf(c.LeaderID(), c.LeaderAddr())
	}
	if maxLag == 0 {
		maxLag = DefaultMaxLag
	}

	progress, err := c.replicationProgress()
	if err != nil {
		return apierr.New(apierr.Internal, "read replication stats: %v", err)
	}
	lastIndex := c.raft.LastIndex()
	var matchIndex uint64
	found := false
	for _, p := range progress {
		if p.ID == nodeID {
			matchIndex = p.MatchIndex
			found = true
			break
		}
	}
	if !found {
		return apierr.NotFoundf("node %q is not a known learner", nodeID)
	}
	if lastIndex > matchIndex && lastIndex-matchIndex > maxLag {
		return apierr.New(apierr.Conflict, "node %q is %d entries behind, exceeds max_lag %d", nodeID, lastIndex-matchIndex, maxLag)
	}

	future := c.raft.AddVoter(raft.ServerID(nodeID), c.addressOf(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return apierr.New(apierr.Internal, "promote: %v", err)
	}
	return nil
}

func (c *Cluster) addressOf(nodeID string) raft.ServerAddress {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return ""
	}
	for _, s := range future.Configuration().Servers {
		if s.ID == raft.ServerID(nodeID) {
			return s.Address
		}
	}
	return ""
}

// RemoveServer removes a voter or learner. Refuses to drop the group to
// zero voters.
func (c *Cluster) RemoveServer(nodeID string) error {
	if !c.IsLeader() {
		return apierr.Redirectf(c.LeaderID(), c.LeaderAddr())
	}

	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return apierr.New(apierr.Internal, "read configuration: %v", err)
	}
	voters := 0
	for _, s := range future.Configuration().Servers {
		if s.Suffrage == raft.Voter {
			voters++
		}
	}
	for _, s := range future.Configuration().Servers {
		if string(s.ID) == nodeID && s.Suffrage == raft.Voter && voters <= 1 {
			return apierr.New(apierr.Conflict, "cannot remove the last voter")
		}
	}

	rf := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := rf.Error(); err != nil {
		return apierr.New(apierr.Internal, "remove server: %v", err)
	}
	return nil
}

// AppliedIndex returns the local node's last applied Raft log index. Every
// node can read its own value directly from its raft.Raft instance; it is
// only the *leader's view of other nodes'* applied index that needs the
// self-reporting mechanism (see ReportApplied).
func (c *Cluster) AppliedIndex() uint64 {
	if c.raft == nil {
		return 0
	}
	return c.raft.AppliedIndex()
}

// Peers returns the current membership minus this node, for use by the
// coordinator's anti-entropy and replication-report loops which need to
// dial every other member directly.
func (c *Cluster) Peers() ([]types.Member, error) {
	servers, err := c.GetClusterServers()
	if err != nil {
		return nil, err
	}
	out := make([]types.Member, 0, len(servers))
	for _, s := range servers {
		if string(s.ID) == c.nodeID {
			continue
		}
		role := types.RoleVoter
		if s.Suffrage == raft.Nonvoter {
			role = types.RoleLearner
		}
		out = append(out, types.Member{ID: string(s.ID), Address: string(s.Address), Role: role})
	}
	return out, nil
}

// GetClusterServers returns the raw raft.Server list from the current
// configuration.
func (c *Cluster) GetClusterServers() ([]raft.Server, error) {
	if c.raft == nil {
		return nil, apierr.New(apierr.Unavailable, "raft not started")
	}
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, apierr.New(apierr.Internal, "get configuration: %v", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, or "" if
// there is none.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the current leader's node id, or "" if there is none.
func (c *Cluster) LeaderID() string {
	if c.raft == nil {
		return ""
	}
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// Apply proposes a command to the Raft log and blocks until it is
// committed and applied, returning the FSM's typed response.
func (c *Cluster) Apply(data []byte, timeout time.Duration) error {
	if !c.IsLeader() {
		return apierr.Redirectf(c.LeaderID(), c.LeaderAddr())
	}
	future := c.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return apierr.New(apierr.Internal, "apply: %v", err)
	}
	resp := future.Response()
	if resp == nil {
		return nil
	}
	if err, ok := resp.(error); ok && err != nil {
		return apierr.As(err)
	}
	return nil
}

// replicationProgress reports each known server's last self-reported applied
// index. The leader's own entry always reads its own AppliedIndex (it never
// needs to self-report to itself); every other server defaults to 0 until it
// has reported at least once, so a learner that has never sent a report
// looks maximally behind rather than falsely caught up.
func (c *Cluster) replicationProgress() ([]types.ReplicationProgress, error) {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}

	c.replicationMu.Lock()
	reports := make(map[string]uint64, len(c.replicationReports))
	for k, v := range c.replicationReports {
		reports[k] = v
	}
	c.replicationMu.Unlock()

	out := make([]types.ReplicationProgress, 0, len(future.Configuration().Servers))
	for _, s := range future.Configuration().Servers {
		matchIndex := reports[string(s.ID)]
		if string(s.ID) == c.nodeID {
			matchIndex = c.raft.AppliedIndex()
		}
		out = append(out, types.ReplicationProgress{
			ID:         string(s.ID),
			MatchIndex: matchIndex,
		})
	}
	return out, nil
}

// Status reports the cluster status shape from spec §4.6.
func (c *Cluster) Status() (types.ClusterStatus, error) {
	if c.raft == nil {
		return types.ClusterStatus{}, apierr.New(apierr.Unavailable, "raft not started")
	}
	servers, err := c.GetClusterServers()
	if err != nil {
		return types.ClusterStatus{}, err
	}
	members := make([]types.Member, 0, len(servers))
	for _, s := range servers {
		role := types.RoleVoter
		if s.Suffrage == raft.Nonvoter {
			role = types.RoleLearner
		}
		members = append(members, types.Member{ID: string(s.ID), Address: string(s.Address), Role: role})
	}
	progress, err := c.replicationProgress()
	if err != nil {
		return types.ClusterStatus{}, apierr.New(apierr.Internal, "%v", err)
	}

	term, _ := strconv.ParseUint(c.raft.Stats()["term"], 10, 64)

	return types.ClusterStatus{
		NodeID:       c.nodeID,
		Role:         c.raft.State().String(),
		Term:         term,
		Leader:       c.LeaderID(),
		LastLogIndex: c.raft.LastIndex(),
		LastApplied:  c.raft.AppliedIndex(),
		Members:      members,
		Replication:  progress,
	}, nil
}

// Shutdown stops Raft. Callers are responsible for draining in-flight
// requests (see the coordinator's graceful-shutdown sequencing) before
// calling this.
func (c *Cluster) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	future := c.raft.Shutdown()
	if err := future.Error(); err != nil {
		return fmt.Errorf("shutdown raft: %w", err)
	}
	return nil
}
