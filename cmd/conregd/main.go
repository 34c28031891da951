package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/conreg/conreg/pkg/admin"
	"github.com/conreg/conreg/pkg/coordinator"
	"github.com/conreg/conreg/pkg/events"
	"github.com/conreg/conreg/pkg/fsm"
	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/metrics"
	"github.com/conreg/conreg/pkg/raftcluster"
	"github.com/conreg/conreg/pkg/registry"
	"github.com/conreg/conreg/pkg/store"
	"github.com/conreg/conreg/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

// apiPortOffset and metricsPortOffset mirror pkg/coordinator's
// httpAddrFromRaftAddr convention: every node derives its coordinator HTTP
// and metrics ports from its Raft bind port, so peers never need a
// separate address directory beyond the Raft membership list.
const (
	apiPortOffset     = 1000
	metricsPortOffset = 2000
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "conregd",
	Short:   "conregd - Raft-replicated configuration store and service registry",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("conregd version %s\nCommit: %s\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.IntP("port", "p", 7450, "Raft bind port; coordinator HTTP listens on port+1000, metrics on port+2000")
	flags.StringP("data-dir", "d", "./data", "Data directory")
	flags.StringP("mode", "m", "standalone", "Startup mode: standalone|cluster")
	flags.StringP("node-id", "n", "", "Node id (generated if empty)")
	flags.String("bind-host", "127.0.0.1", "Host to bind Raft/HTTP listeners on")
	flags.StringSlice("join", nil, "For -m cluster, initial voter set as id=addr pairs (first node only)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.Int("cache-size", 16384, "Config FSM read-through cache capacity")

	cobra.OnInitialize(func() {
		level, _ := flags.GetString("log-level")
		jsonOut, _ := flags.GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	port, _ := flags.GetInt("port")
	dataDir, _ := flags.GetString("data-dir")
	mode, _ := flags.GetString("mode")
	nodeID, _ := flags.GetString("node-id")
	bindHost, _ := flags.GetString("bind-host")
	joins, _ := flags.GetStringSlice("join")
	cacheSize, _ := flags.GetInt("cache-size")

	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	raftAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	apiAddr := net.JoinHostPort(bindHost, strconv.Itoa(port+apiPortOffset))
	metricsAddr := net.JoinHostPort(bindHost, strconv.Itoa(port+metricsPortOffset))

	logger := log.WithComponent("conregd")
	logger.Info().Str("node_id", nodeID).Str("raft_addr", raftAddr).Str("mode", mode).Msg("starting conregd")

	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	f := fsm.New(st, cacheSize, broker)

	cluster, err := raftcluster.New(raftcluster.Config{NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir}, f)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}

	switch mode {
	case "standalone":
		if err := cluster.Bootstrap(nil); err != nil {
			return fmt.Errorf("bootstrap standalone cluster: %w", err)
		}
	case "cluster":
		if len(joins) > 0 {
			members, perr := parseJoinMembers(joins)
			if perr != nil {
				return perr
			}
			if err := cluster.Bootstrap(members); err != nil {
				return fmt.Errorf("bootstrap cluster: %w", err)
			}
		} else if err := cluster.StartFollower(); err != nil {
			return fmt.Errorf("start follower: %w", err)
		}
	default:
		return fmt.Errorf("unknown mode %q: expected standalone or cluster", mode)
	}

	reg := registry.New(broker)
	reg.Start()

	a := admin.New(cluster)
	coord := coordinator.New(coordinator.Config{
		Cluster:  cluster,
		FSM:      f,
		Store:    st,
		Registry: reg,
		Admin:    a,
	})
	coord.Start()

	collector := metrics.NewCollector(cluster, st, reg)
	collector.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "bootstrapped")
	metrics.RegisterComponent("store", true, "ready")
	metrics.RegisterComponent("coordinator", false, "initializing")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/health", metrics.HealthHandler())
	metricsMux.HandleFunc("/ready", metrics.ReadyHandler())
	metricsMux.HandleFunc("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	apiServer := &http.Server{Addr: apiAddr, Handler: coord.Handler()}
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("coordinator server error: %w", err)
		}
	}()

	time.Sleep(200 * time.Millisecond)
	metrics.RegisterComponent("coordinator", true, "ready")

	logger.Info().Str("api_addr", apiAddr).Str("metrics_addr", metricsAddr).Msg("conregd is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	collector.Stop()
	coord.Stop()
	reg.Stop()
	broker.Stop()
	if err := cluster.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("raft shutdown error")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// parseJoinMembers parses "id=addr" pairs for the initial voter set of a
// freshly bootstrapped multi-node cluster (spec §6 init).
func parseJoinMembers(joins []string) ([]types.Member, error) {
	members := make([]types.Member, 0, len(joins))
	for _, j := range joins {
		parts := strings.SplitN(j, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --join entry %q: expected id=addr", j)
		}
		members = append(members, types.Member{ID: parts[0], Address: parts[1], Role: types.RoleVoter})
	}
	return members, nil
}
