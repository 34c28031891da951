package coordinator

import (
	"encoding/json"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/types"
	"github.com/gin-gonic/gin"
)

// peerEnvelope wraps every peer RPC body with {term, from_id} per spec §6.
type peerEnvelope struct {
	Term   uint64          `json:"term"`
	FromID string          `json:"from_id"`
	Body   json.RawMessage `json:"body"`
}

// handlePeerRegistryDigest returns this node's registry digest (spec §4.4
// anti-entropy): the leader polls every follower's digest on
// registry.DefaultAntiEntropyInterval and reconciles mismatches via
// RegistryDelta.
func (s *Server) handlePeerRegistryDigest(c *gin.Context) {
	ok(c, s.registry.BuildDigest())
}

// registryDeltaEntry is one resolved instance pushed by the leader to bring
// a follower's registry table up to date after a digest mismatch.
type registryDeltaEntry struct {
	Namespace string                `json:"ns"`
	Service   string                `json:"service"`
	Instance  types.ServiceInstance `json:"instance"`
	Removed   bool                  `json:"removed"`
}

func (s *Server) handlePeerRegistryDelta(c *gin.Context) {
	var env peerEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	var entries []registryDeltaEntry
	if err := json.Unmarshal(env.Body, &entries); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	for _, e := range entries {
		if e.Removed {
			s.registry.Deregister(e.Namespace, e.Service, e.Instance.Address, e.Instance.Port)
			continue
		}
		inst := e.Instance
		s.registry.Register(e.Namespace, e.Service, &inst)
	}
	ok(c, nil)
}

// replicationReportBody is one follower/learner's self-reported applied
// index, posted to the leader on replicationReportInterval (spec §8's
// learner promotion guard: hashicorp/raft does not expose per-follower
// match index, so the leader relies entirely on these reports).
type replicationReportBody struct {
	NodeID       string `json:"node_id"`
	AppliedIndex uint64 `json:"applied_index"`
}

func (s *Server) handlePeerReplicationReport(c *gin.Context) {
	var env peerEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	var body replicationReportBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	s.cluster.ReportApplied(body.NodeID, body.AppliedIndex)
	ok(c, nil)
}

func (s *Server) handlePeerForwardWrite(c *gin.Context) {
	var env peerEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	applyErr := s.cluster.Apply(env.Body, s.applyTimeout)
	if applyErr != nil {
		fail(c, applyErr)
		return
	}
	ok(c, nil)
}
