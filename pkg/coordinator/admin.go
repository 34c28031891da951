package coordinator

import (
	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/raftcluster"
	"github.com/conreg/conreg/pkg/types"
	"github.com/gin-gonic/gin"
)

// clusterInitRequest matches spec §6's `[[id,addr],...]` init body.
type clusterInitRequest [][2]string

func (s *Server) handleClusterInit(c *gin.Context) {
	var req clusterInitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	members := make([]types.Member, 0, len(req))
	for _, pair := range req {
		members = append(members, types.Member{ID: pair[0], Address: pair[1], Role: types.RoleVoter})
	}
	if err := s.admin.Init(members); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type addLearnerRequest struct {
	ID   string `json:"id" binding:"required"`
	Addr string `json:"addr" binding:"required"`
}

func (s *Server) handleAddLearner(c *gin.Context) {
	var req addLearnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	if err := s.admin.AddLearner(req.ID, req.Addr); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type promoteRequest struct {
	ID     string `json:"id" binding:"required"`
	MaxLag uint64 `json:"max_lag"`
}

func (s *Server) handlePromote(c *gin.Context) {
	var req promoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	maxLag := req.MaxLag
	if maxLag == 0 {
		maxLag = raftcluster.DefaultMaxLag
	}
	if err := s.admin.Promote(req.ID, maxLag); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type removeNodeRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) handleRemoveNode(c *gin.Context) {
	var req removeNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	if err := s.admin.RemoveNode(req.ID); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) handleClusterStatus(c *gin.Context) {
	status, err := s.admin.Status()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, status)
}
