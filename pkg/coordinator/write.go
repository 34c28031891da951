package coordinator

import (
	"encoding/json"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// proposeAndRespond serializes cmd, applies it through the Raft leader, and
// writes the resulting envelope. On a non-leader node it either returns
// REDIRECT (default) or, when the request carries X-Forward: true, sends the
// serialized command to the leader's /peer/forward-write route and relays
// its response verbatim (spec §6).
func (s *Server) proposeAndRespond(c *gin.Context, cmd fsm.Command, successData any) {
	data, err := json.Marshal(cmd)
	if err != nil {
		fail(c, apierr.New(apierr.Internal, "encode command: %v", err))
		return
	}

	timer := metrics.NewTimer()
	applyErr := s.cluster.Apply(data, s.applyTimeout)
	timer.ObserveDurationVec(metrics.FSMApplyDuration, cmd.Op)

	if applyErr == nil {
		ok(c, successData)
		return
	}

	ae := apierr.As(applyErr)
	if ae.Code == apierr.Redirect && c.GetHeader("X-Forward") == "true" {
		s.forwardWrite(c, ae, data)
		return
	}
	fail(c, ae)
}

func (s *Server) forwardWrite(c *gin.Context, redirectErr *apierr.Error, cmdData []byte) {
	leaderAddr, _ := redirectErr.Data["leader_addr"].(string)
	if leaderAddr == "" {
		fail(c, apierr.New(apierr.Unavailable, "no leader to forward to"))
		return
	}

	env, err := json.Marshal(peerEnvelope{FromID: s.cluster.NodeID(), Body: cmdData})
	if err != nil {
		fail(c, apierr.New(apierr.Internal, "encode forward request: %v", err))
		return
	}

	status, respBody, err := s.forwardRequest("POST", "/peer/forward-write", env, leaderAddr)
	if err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Msg("forward to leader failed")
		fail(c, apierr.New(apierr.Unavailable, "forward to leader failed: %v", err))
		return
	}
	c.Data(status, "application/json", respBody)
}
