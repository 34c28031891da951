// Package admin implements Conreg's cluster admin surface (spec C6): init,
// add-learner, promote, remove-node, and status, layered over
// pkg/raftcluster's membership primitives. It is consumed by both the
// coordinator's /api/cluster/* HTTP routes and the conregctl CLI.
package admin

import (
	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/raftcluster"
	"github.com/conreg/conreg/pkg/types"
)

// Admin wraps a raftcluster.Cluster with the admin operations exposed at
// the coordinator boundary.
type Admin struct {
	cluster *raftcluster.Cluster
}

// New builds an Admin over the given cluster.
func New(cluster *raftcluster.Cluster) *Admin {
	return &Admin{cluster: cluster}
}

// Init establishes the initial voter set in a single commit. It is only
// valid on a node whose on-disk membership is empty and which is not
// already part of a running cluster (spec §4.6); raftcluster.Bootstrap
// enforces this by refusing BootstrapCluster once a configuration exists.
func (a *Admin) Init(members []types.Member) error {
	return a.cluster.Bootstrap(members)
}

// AddLearner installs a non-voting replica that begins catch-up
// replication. Requires the local node to be leader.
func (a *Admin) AddLearner(id, addr string) error {
	if id == "" || addr == "" {
		return apierr.New(apierr.InvalidArg, "id and addr are required")
	}
	return a.cluster.AddLearner(id, addr)
}

// Promote turns a caught-up learner into a voter, failing with CONFLICT if
// the learner is more than maxLag entries behind (0 uses the spec default
// of 50).
func (a *Admin) Promote(id string, maxLag uint64) error {
	if id == "" {
		return apierr.New(apierr.InvalidArg, "id is required")
	}
	return a.cluster.Promote(id, maxLag)
}

// RemoveNode removes a voter or learner from the cluster. Refuses to drop
// the group to zero voters; if the target is the current leader, Raft
// steps it down as part of committing the removal.
func (a *Admin) RemoveNode(id string) error {
	if id == "" {
		return apierr.New(apierr.InvalidArg, "id is required")
	}
	return a.cluster.RemoveServer(id)
}

// Status reports {node_id, role, term, leader, last_log_index,
// last_applied, members[], replication_progress[]} per spec §4.6.
func (a *Admin) Status() (types.ClusterStatus, error) {
	return a.cluster.Status()
}
