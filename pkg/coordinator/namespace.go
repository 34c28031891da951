package coordinator

import (
	"encoding/json"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/gin-gonic/gin"
)

type namespaceRequest struct {
	ID          string `json:"id" binding:"required"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListNamespaces(c *gin.Context) {
	namespaces, err := s.store.ListNamespaces()
	if err != nil {
		fail(c, apierr.New(apierr.Internal, "%v", err))
		return
	}
	ok(c, namespaces)
}

func (s *Server) handleCreateNamespace(c *gin.Context) {
	var req namespaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}

	args := fsm.CreateNamespaceArgs{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Now:         time.Now().UnixNano(),
	}
	data, _ := json.Marshal(args)
	cmd := fsm.Command{Op: fsm.OpCreateNamespace, Data: data}
	s.proposeAndRespond(c, cmd, nil)
}

func (s *Server) handleDeleteNamespace(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		fail(c, apierr.New(apierr.InvalidArg, "id query parameter is required"))
		return
	}
	// Registry state isn't Raft-replicated, so this can't be checked inside
	// fsm.applyDeleteNamespace without risking divergence across replicas;
	// the leader's own registry is the only copy every node can agree was
	// consulted, so the guard lives here in admission control instead.
	if s.registry.HasInstances(id) {
		fail(c, apierr.New(apierr.Conflict, "namespace %q still has registered service instances", id))
		return
	}
	args := fsm.DeleteNamespaceArgs{ID: id}
	data, _ := json.Marshal(args)
	cmd := fsm.Command{Op: fsm.OpDeleteNamespace, Data: data}
	s.proposeAndRespond(c, cmd, nil)
}
