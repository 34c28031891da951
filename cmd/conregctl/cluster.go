package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage conreg cluster membership",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init [id=addr ...]",
	Short: "Bootstrap a new cluster with the given voter set",
	RunE:  runClusterInit,
}

var clusterAddLearnerCmd = &cobra.Command{
	Use:   "add-learner ID ADDR",
	Short: "Add a non-voting learner to the cluster",
	Args:  cobra.ExactArgs(2),
	RunE:  runClusterAddLearner,
}

var clusterPromoteCmd = &cobra.Command{
	Use:   "promote ID",
	Short: "Promote a caught-up learner to voter",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterPromote,
}

var clusterRemoveNodeCmd = &cobra.Command{
	Use:   "remove-node ID",
	Short: "Remove a node from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterRemoveNode,
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster membership, term, and replication progress",
	RunE:  runClusterStatus,
}

func init() {
	clusterPromoteCmd.Flags().Uint64("max-lag", 0, "Maximum log-index lag allowed for promotion (server default if 0)")

	clusterCmd.AddCommand(clusterInitCmd, clusterAddLearnerCmd, clusterPromoteCmd, clusterRemoveNodeCmd, clusterStatusCmd)
}

func runClusterInit(cmd *cobra.Command, args []string) error {
	members := make([][2]string, 0, len(args))
	for _, a := range args {
		parts := strings.SplitN(a, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return newUsageError("invalid member %q: expected id=addr", a)
		}
		members = append(members, [2]string{parts[0], parts[1]})
	}

	c := clientFor(cmd)
	if _, err := c.post("/api/cluster/init", members); err != nil {
		return err
	}
	fmt.Println("cluster initialized")
	return nil
}

func runClusterAddLearner(cmd *cobra.Command, args []string) error {
	c := clientFor(cmd)
	body := map[string]string{"id": args[0], "addr": args[1]}
	if _, err := c.post("/api/cluster/add-learner", body); err != nil {
		return err
	}
	fmt.Printf("learner %s added at %s\n", args[0], args[1])
	return nil
}

func runClusterPromote(cmd *cobra.Command, args []string) error {
	maxLag, _ := cmd.Flags().GetUint64("max-lag")
	c := clientFor(cmd)
	body := map[string]any{"id": args[0], "max_lag": maxLag}
	if _, err := c.post("/api/cluster/promote", body); err != nil {
		return err
	}
	fmt.Printf("node %s promoted to voter\n", args[0])
	return nil
}

func runClusterRemoveNode(cmd *cobra.Command, args []string) error {
	c := clientFor(cmd)
	body := map[string]string{"id": args[0]}
	if _, err := c.post("/api/cluster/remove-node", body); err != nil {
		return err
	}
	fmt.Printf("node %s removed\n", args[0])
	return nil
}

func runClusterStatus(cmd *cobra.Command, _ []string) error {
	c := clientFor(cmd)
	env, err := c.get("/api/cluster/status")
	if err != nil {
		return err
	}

	var status struct {
		NodeID       string `json:"NodeID"`
		Role         string `json:"Role"`
		Term         uint64 `json:"Term"`
		Leader       string `json:"Leader"`
		LastLogIndex uint64 `json:"LastLogIndex"`
		LastApplied  uint64 `json:"LastApplied"`
		Members      []struct {
			ID      string `json:"ID"`
			Address string `json:"Address"`
			Role    string `json:"Role"`
		} `json:"Members"`
		Replication []struct {
			ID         string `json:"ID"`
			MatchIndex uint64 `json:"MatchIndex"`
			NextIndex  uint64 `json:"NextIndex"`
			RTTMillis  int64  `json:"RTTMillis"`
		} `json:"Replication"`
	}
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return fmt.Errorf("decode cluster status: %w", err)
	}

	fmt.Printf("node:    %s (%s)\n", status.NodeID, status.Role)
	fmt.Printf("term:    %d\n", status.Term)
	fmt.Printf("leader:  %s\n", status.Leader)
	fmt.Printf("log:     last=%d applied=%d\n", status.LastLogIndex, status.LastApplied)
	fmt.Println("members:")
	for _, m := range status.Members {
		fmt.Printf("  %-20s %-22s %s\n", m.ID, m.Address, m.Role)
	}
	if len(status.Replication) > 0 {
		fmt.Println("replication:")
		for _, r := range status.Replication {
			fmt.Printf("  %-20s match=%-8d next=%-8d rtt=%dms\n", r.ID, r.MatchIndex, r.NextIndex, r.RTTMillis)
		}
	}
	return nil
}
