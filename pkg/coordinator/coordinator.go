// Package coordinator implements Conreg's stateless request dispatcher
// (spec C5): the HTTP data/admin surface over the Raft core (C2), config
// FSM (C3), and registry engine (C4). It classifies requests as read or
// write, redirects or forwards non-leader writes, and parks config
// long-polls until a change or timeout.
package coordinator

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/conreg/conreg/pkg/admin"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/raftcluster"
	"github.com/conreg/conreg/pkg/registry"
	"github.com/conreg/conreg/pkg/store"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultLongPollTimeout is used when a request omits X-Long-Poll-Timeout.
const DefaultLongPollTimeout = 30 * time.Second

// DefaultMaxLongPollsPerIP caps concurrent parked long-polls per client IP
// (spec §4.5); beyond it, new long-poll requests fail TOO_MANY.
const DefaultMaxLongPollsPerIP = 1024

// Config holds the parameters needed to build a Server.
type Config struct {
	Cluster  *raftcluster.Cluster
	FSM      *fsm.ConfigFSM
	Store    *store.Store
	Registry *registry.Registry
	Admin    *admin.Admin

	ApplyTimeout      time.Duration
	MaxLongPollsPerIP int
}

// Server is the coordinator's HTTP router and its request-scoped state:
// the per-IP long-poll concurrency counters and the leader-forward client.
type Server struct {
	cluster  *raftcluster.Cluster
	fsm      *fsm.ConfigFSM
	store    *store.Store
	registry *registry.Registry
	admin    *admin.Admin

	applyTimeout      time.Duration
	maxLongPollsPerIP int

	forwardClient *retryablehttp.Client

	longPollMu   sync.Mutex
	longPollByIP map[string]int

	engine *gin.Engine

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a coordinator Server and its gin router.
func New(cfg Config) *Server {
	applyTimeout := cfg.ApplyTimeout
	if applyTimeout == 0 {
		applyTimeout = 5 * time.Second
	}
	maxLP := cfg.MaxLongPollsPerIP
	if maxLP == 0 {
		maxLP = DefaultMaxLongPollsPerIP
	}

	s := &Server{
		cluster:           cfg.Cluster,
		fsm:               cfg.FSM,
		store:             cfg.Store,
		registry:          cfg.Registry,
		admin:             cfg.Admin,
		applyTimeout:      applyTimeout,
		maxLongPollsPerIP: maxLP,
		forwardClient:     newForwardClient(),
		longPollByIP:      make(map[string]int),
		stopCh:            make(chan struct{}),
	}
	s.engine = s.buildRouter()
	return s
}

// Start launches the background loops that make registry replication and
// leader-handover notification actually happen (spec §4.4): pushing this
// node's applied index to the leader, reconciling registry digests against
// every peer when leading, and watching for leadership changes. Start does
// nothing to the HTTP listener itself; callers still wrap Handler() in
// their own *http.Server.
func (s *Server) Start() {
	s.wg.Add(3)
	go s.replicationReportLoop()
	go s.antiEntropyLoop()
	go s.leaderWatchLoop()
}

// Stop halts the background loops started by Start and waits for them to
// exit.
func (s *Server) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Handler returns the http.Handler backing the coordinator, for embedding
// in an *http.Server alongside pkg/metrics' health/metrics endpoints.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.loggingMiddleware(), s.metricsMiddleware())

	api := r.Group("/api")
	{
		cluster := api.Group("/cluster")
		cluster.POST("/init", s.handleClusterInit)
		cluster.POST("/add-learner", s.handleAddLearner)
		cluster.POST("/promote", s.handlePromote)
		cluster.POST("/remove-node", s.handleRemoveNode)
		cluster.GET("/status", s.handleClusterStatus)

		api.GET("/ns", s.handleListNamespaces)
		api.POST("/ns", s.handleCreateNamespace)
		api.DELETE("/ns", s.handleDeleteNamespace)

		api.GET("/config", s.handleGetConfig)
		api.POST("/config", s.handlePutConfig)
		api.DELETE("/config", s.handleDeleteConfig)
		api.GET("/config/history", s.handleConfigHistory)
		api.POST("/config/restore", s.handleRestoreConfig)

		api.POST("/service/register", s.handleServiceRegister)
		api.POST("/service/deregister", s.handleServiceDeregister)
		api.POST("/service/heartbeat", s.handleServiceHeartbeat)
		api.GET("/service/instances", s.handleServiceInstances)
	}

	peer := r.Group("/peer")
	{
		peer.POST("/registry-delta", s.handlePeerRegistryDelta)
		peer.GET("/registry-digest", s.handlePeerRegistryDigest)
		peer.POST("/forward-write", s.handlePeerForwardWrite)
		peer.POST("/replication-report", s.handlePeerReplicationReport)
	}

	return r
}

// Shutdown drains in-flight requests up to the given deadline, per spec
// §5's graceful-shutdown sequencing (default 10s, enforced by the caller's
// context).
func (s *Server) Shutdown(ctx context.Context, httpServer *http.Server) error {
	log.WithComponent("coordinator").Info().Msg("draining in-flight requests")
	return httpServer.Shutdown(ctx)
}

func longPollTimeout(c *gin.Context) time.Duration {
	ms := c.GetHeader("X-Long-Poll-Timeout")
	if ms == "" {
		return DefaultLongPollTimeout
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || n <= 0 {
		return DefaultLongPollTimeout
	}
	return time.Duration(n) * time.Millisecond
}
