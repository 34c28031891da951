package coordinator

import (
	"encoding/json"
	"time"

	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/registry"
	"github.com/conreg/conreg/pkg/types"
)

// replicationReportInterval is how often a non-leader node POSTs its
// applied index to the current leader (spec §8's learner promotion guard).
const replicationReportInterval = 2 * time.Second

// peerResponseEnvelope decodes a peer's {code,msg,data} response without
// going through gin binding; Data is kept raw so callers can unmarshal it
// into whatever shape that particular route returns.
type peerResponseEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Server) replicationReportLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(replicationReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.reportReplicationOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) reportReplicationOnce() {
	if s.cluster.IsLeader() {
		return
	}
	leaderAddr := s.cluster.LeaderAddr()
	if leaderAddr == "" {
		return
	}
	body, err := json.Marshal(replicationReportBody{
		NodeID:       s.cluster.NodeID(),
		AppliedIndex: s.cluster.AppliedIndex(),
	})
	if err != nil {
		return
	}
	env, err := json.Marshal(peerEnvelope{FromID: s.cluster.NodeID(), Body: body})
	if err != nil {
		return
	}
	if _, _, err := s.forwardRequest("POST", "/peer/replication-report", env, leaderAddr); err != nil {
		log.WithComponent("coordinator").Debug().Err(err).Msg("replication report to leader failed")
	}
}

// antiEntropyLoop runs the leader-only digest/delta reconciliation spec
// §4.4 requires every DefaultAntiEntropyInterval, backstopping any register/
// deregister/heartbeat delta that a peer missed.
func (s *Server) antiEntropyLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(registry.DefaultAntiEntropyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.antiEntropyOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) antiEntropyOnce() {
	if !s.cluster.IsLeader() {
		return
	}
	peers, err := s.cluster.Peers()
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Msg("anti-entropy: read cluster membership failed")
		return
	}
	for _, p := range peers {
		s.reconcileRegistryWithPeer(p)
	}
}

func (s *Server) reconcileRegistryWithPeer(peer types.Member) {
	logger := log.WithComponent("coordinator")

	status, respBody, err := s.forwardRequest("GET", "/peer/registry-digest", nil, peer.Address)
	if err != nil {
		logger.Debug().Err(err).Str("peer", peer.ID).Msg("anti-entropy: fetch digest failed")
		return
	}
	var env peerResponseEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil || status != 200 {
		logger.Warn().Str("peer", peer.ID).Msg("anti-entropy: malformed digest response")
		return
	}
	var remote registry.Digest
	if err := json.Unmarshal(env.Data, &remote); err != nil {
		logger.Warn().Err(err).Str("peer", peer.ID).Msg("anti-entropy: decode digest failed")
		return
	}

	delta := s.registry.ReconcileDigest(remote)
	if len(delta) == 0 {
		return
	}

	entries := make([]registryDeltaEntry, 0, len(delta))
	for _, d := range delta {
		entries = append(entries, registryDeltaEntry{
			Namespace: d.NamespaceID,
			Service:   d.ServiceID,
			Instance:  d.Instance,
			Removed:   d.Removed,
		})
	}
	s.pushRegistryDelta(peer.Address, entries)
}

// pushRegistryDelta sends resolved registry entries to one peer, used both
// by anti-entropy reconciliation and by the write handlers pushing a fresh
// register/deregister/heartbeat out immediately after applying it locally.
func (s *Server) pushRegistryDelta(peerRaftAddr string, entries []registryDeltaEntry) {
	body, err := json.Marshal(entries)
	if err != nil {
		return
	}
	env, err := json.Marshal(peerEnvelope{FromID: s.cluster.NodeID(), Body: body})
	if err != nil {
		return
	}
	if _, _, err := s.forwardRequest("POST", "/peer/registry-delta", env, peerRaftAddr); err != nil {
		log.WithComponent("coordinator").Debug().Err(err).Str("peer", peerRaftAddr).Msg("push registry delta failed")
	}
}

// pushRegistryDeltaToAllPeers fans a single delta entry out to every current
// peer, called by the leader right after a local Register/Deregister/
// Heartbeat so followers don't have to wait for the next anti-entropy tick
// to see it (spec §4.4: "replicates delta to followers").
func (s *Server) pushRegistryDeltaToAllPeers(entry registryDeltaEntry) {
	peers, err := s.cluster.Peers()
	if err != nil {
		return
	}
	for _, p := range peers {
		go s.pushRegistryDelta(p.Address, []registryDeltaEntry{entry})
	}
}

// leaderWatchLoop observes Raft leadership transitions and starts the
// registry's handover grace period the moment this node becomes leader
// (spec §4.4), so a failover never mass-expires instances the new leader
// hasn't been pushed yet.
func (s *Server) leaderWatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case becameLeader, chOpen := <-s.cluster.LeaderCh():
			if !chOpen {
				return
			}
			if becameLeader {
				s.registry.NotifyLeaderElected()
				log.WithComponent("coordinator").Info().Msg("leadership acquired, registry handover grace period started")
			}
		case <-s.stopCh:
			return
		}
	}
}
