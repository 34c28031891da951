package coordinator

import (
	"io"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/metrics"
	"github.com/conreg/conreg/pkg/types"
	"github.com/gin-gonic/gin"
)

// forwardRegistryWrite replays a registry write against the current leader's
// coordinator address when this node isn't leading (spec §4.4: registry
// writes are leader-authoritative, unlike the gossip-lite read path). It
// returns false (and has already written the response) if the write was
// forwarded or failed to forward; true means the caller should handle the
// write locally.
func (s *Server) forwardRegistryWrite(c *gin.Context) bool {
	if s.cluster.IsLeader() {
		return true
	}
	leaderAddr := s.cluster.LeaderAddr()
	if leaderAddr == "" {
		fail(c, apierr.New(apierr.Unavailable, "no leader to forward registry write to"))
		return false
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, apierr.New(apierr.Internal, "read request body: %v", err))
		return false
	}
	status, respBody, err := s.forwardRequest(c.Request.Method, c.Request.URL.RequestURI(), body, leaderAddr)
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Msg("forward registry write to leader failed")
		fail(c, apierr.New(apierr.Unavailable, "forward registry write to leader failed: %v", err))
		return false
	}
	c.Data(status, "application/json", respBody)
	return false
}

type registerRequest struct {
	Namespace string            `json:"ns" binding:"required"`
	Service   string            `json:"service" binding:"required"`
	Address   string            `json:"address" binding:"required"`
	Port      int               `json:"port" binding:"required"`
	Metadata  map[string]string `json:"metadata"`
	Weight    float32           `json:"weight"`
	Ephemeral bool              `json:"ephemeral"`
}

// handleServiceRegister is leader-authoritative: registry state is
// gossip-lite rather than Raft-replicated (spec §9 Open Question i), but
// writes still funnel through the leader, which pushes the resolved delta
// to every follower immediately instead of waiting for the next
// anti-entropy tick.
func (s *Server) handleServiceRegister(c *gin.Context) {
	if !s.forwardRegistryWrite(c) {
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	inst := &types.ServiceInstance{
		Address:   req.Address,
		Port:      req.Port,
		Metadata:  req.Metadata,
		Weight:    req.Weight,
		Ephemeral: req.Ephemeral,
	}
	s.registry.Register(req.Namespace, req.Service, inst)
	s.pushRegistryDeltaToAllPeers(registryDeltaEntry{Namespace: req.Namespace, Service: req.Service, Instance: *inst})
	ok(c, inst)
}

type deregisterRequest struct {
	Namespace string `json:"ns" binding:"required"`
	Service   string `json:"service" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Port      int    `json:"port" binding:"required"`
}

func (s *Server) handleServiceDeregister(c *gin.Context) {
	if !s.forwardRegistryWrite(c) {
		return
	}
	var req deregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	s.registry.Deregister(req.Namespace, req.Service, req.Address, req.Port)
	s.pushRegistryDeltaToAllPeers(registryDeltaEntry{
		Namespace: req.Namespace,
		Service:   req.Service,
		Instance:  types.ServiceInstance{Address: req.Address, Port: req.Port},
		Removed:   true,
	})
	ok(c, nil)
}

type heartbeatRequest struct {
	Namespace string `json:"ns" binding:"required"`
	Service   string `json:"service" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Port      int    `json:"port" binding:"required"`
}

func (s *Server) handleServiceHeartbeat(c *gin.Context) {
	if !s.forwardRegistryWrite(c) {
		return
	}
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	timer := metrics.NewTimer()
	found := s.registry.Heartbeat(req.Namespace, req.Service, req.Address, req.Port)
	timer.ObserveDuration(metrics.RegistryHeartbeatDuration)
	if !found {
		fail(c, apierr.NotFoundf("instance %s:%d not registered under %s/%s", req.Address, req.Port, req.Namespace, req.Service))
		return
	}
	if inst, ok := s.registry.Get(req.Namespace, req.Service, types.InstanceKey{Address: req.Address, Port: req.Port}); ok {
		s.pushRegistryDeltaToAllPeers(registryDeltaEntry{Namespace: req.Namespace, Service: req.Service, Instance: *inst})
	}
	ok(c, nil)
}

// handleServiceInstances implements both the plain query (spec §6) and the
// service-level long-poll: with `wait=true` the request parks until the
// next membership/status change of (ns, service) or the timeout, then
// returns the current instance list. Unlike the config long-poll (spec
// §4.5), it takes no md5 or other record of what the caller saw before, so
// it parks even if the set changed since the caller's previous poll.
func (s *Server) handleServiceInstances(c *gin.Context) {
	ns := c.Query("ns")
	service := c.Query("service")
	if ns == "" || service == "" {
		fail(c, apierr.New(apierr.InvalidArg, "ns and service query parameters are required"))
		return
	}
	healthyOnly := c.Query("healthy_only") == "true"

	if c.Query("wait") != "true" {
		ok(c, s.registry.Query(ns, service, healthyOnly))
		return
	}

	clientIP := c.ClientIP()
	if !s.acquireLongPoll(clientIP) {
		fail(c, errTooManyLongPolls)
		return
	}
	defer s.releaseLongPoll(clientIP)

	changed, cancel := s.registry.Subscribe(ns, service)
	defer cancel()

	select {
	case <-changed:
	case <-time.After(longPollTimeout(c)):
	case <-c.Request.Context().Done():
		return
	}
	ok(c, s.registry.Query(ns, service, healthyOnly))
}
