package coordinator

import (
	"encoding/json"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/metrics"
	"github.com/conreg/conreg/pkg/types"
	"github.com/gin-gonic/gin"
)

type putConfigRequest struct {
	Namespace   string `json:"ns" binding:"required"`
	ID          string `json:"id" binding:"required"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var req putConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	args := fsm.PutConfigArgs{
		NamespaceID: req.Namespace,
		ConfigID:    req.ID,
		Content:     req.Content,
		Description: req.Description,
		Now:         time.Now().UnixNano(),
	}
	data, _ := json.Marshal(args)
	cmd := fsm.Command{Op: fsm.OpPutConfig, Data: data}
	s.proposeAndRespond(c, cmd, nil)
}

func (s *Server) handleDeleteConfig(c *gin.Context) {
	ns := c.Query("ns")
	id := c.Query("id")
	if ns == "" || id == "" {
		fail(c, apierr.New(apierr.InvalidArg, "ns and id query parameters are required"))
		return
	}
	args := fsm.DeleteConfigArgs{NamespaceID: ns, ConfigID: id, Now: time.Now().UnixNano()}
	data, _ := json.Marshal(args)
	cmd := fsm.Command{Op: fsm.OpDeleteConfig, Data: data}
	s.proposeAndRespond(c, cmd, nil)
}

type restoreConfigRequest struct {
	Namespace  string `json:"ns" binding:"required"`
	ID         string `json:"id" binding:"required"`
	HistorySeq uint64 `json:"history_seq" binding:"required"`
}

func (s *Server) handleRestoreConfig(c *gin.Context) {
	var req restoreConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apierr.New(apierr.InvalidArg, "%v", err))
		return
	}
	args := fsm.RestoreConfigArgs{
		NamespaceID: req.Namespace,
		ConfigID:    req.ID,
		HistorySeq:  req.HistorySeq,
		Now:         time.Now().UnixNano(),
	}
	data, _ := json.Marshal(args)
	cmd := fsm.Command{Op: fsm.OpRestoreConfig, Data: data}
	s.proposeAndRespond(c, cmd, nil)
}

func (s *Server) handleConfigHistory(c *gin.Context) {
	ns := c.Query("ns")
	id := c.Query("id")
	if ns == "" || id == "" {
		fail(c, apierr.New(apierr.InvalidArg, "ns and id query parameters are required"))
		return
	}
	history, err := s.store.ListHistory(ns, id)
	if err != nil {
		fail(c, apierr.New(apierr.Internal, "%v", err))
		return
	}
	ok(c, history)
}

// handleGetConfig implements the long-poll GET from spec §4.5: if the
// caller supplies md5 matching the current stored value, the request parks
// (subject to the per-IP cap) until the value changes or X-Long-Poll-Timeout
// elapses, whichever comes first. A timeout is reported as OK with the
// unchanged md5 (spec §7: long-poll timeout is not the TIMEOUT code).
func (s *Server) handleGetConfig(c *gin.Context) {
	ns := c.Query("ns")
	id := c.Query("id")
	if ns == "" || id == "" {
		fail(c, apierr.New(apierr.InvalidArg, "ns and id query parameters are required"))
		return
	}
	clientMD5 := c.Query("md5")

	entry, err := s.fsm.GetConfig(ns, id)
	if err != nil {
		fail(c, apierr.New(apierr.Internal, "%v", err))
		return
	}
	if entry == nil {
		fail(c, apierr.NotFoundf("config %s/%s not found", ns, id))
		return
	}

	if clientMD5 == "" || clientMD5 != entry.MD5 {
		ok(c, entry)
		return
	}

	s.waitForConfigChange(c, ns, id, entry)
}

func (s *Server) waitForConfigChange(c *gin.Context, ns, id string, unchanged *types.ConfigEntry) {
	clientIP := c.ClientIP()
	if !s.acquireLongPoll(clientIP) {
		fail(c, errTooManyLongPolls)
		return
	}
	defer s.releaseLongPoll(clientIP)

	changed, cancel := s.fsm.SubscribeConfig(ns, id)
	defer cancel()

	timer := metrics.NewTimer()
	select {
	case <-changed:
		entry, err := s.fsm.GetConfig(ns, id)
		if err != nil {
			fail(c, apierr.New(apierr.Internal, "%v", err))
			return
		}
		timer.ObserveDuration(metrics.LongPollNotifyLatency)
		ok(c, entry)
	case <-time.After(longPollTimeout(c)):
		ok(c, unchanged)
	case <-c.Request.Context().Done():
		// client disconnected; nothing to write back
	}
}
