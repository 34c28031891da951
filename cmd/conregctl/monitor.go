package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Long-poll a config or a service's instance set and print changes",
	Long: `monitor repeatedly issues a long-poll GET against a conreg node and
prints each observed value as it changes, until interrupted.

Examples:
  conregctl monitor config --ns ns1 --id app.yaml
  conregctl monitor service --ns ns1 --service web`,
}

var monitorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Watch a config entry for changes",
	RunE:  runMonitorConfig,
}

var monitorServiceCmd = &cobra.Command{
	Use:   "service",
	Short: "Watch a service's instance set for changes",
	RunE:  runMonitorService,
}

// longPollTimeoutMillis is the X-Long-Poll-Timeout conregctl asks the
// server to honor; the HTTP client's own timeout is set generously above
// it so the server's own timeout fires first.
const longPollTimeoutMillis = 30000

func init() {
	monitorConfigCmd.Flags().String("ns", "", "Namespace (required)")
	monitorConfigCmd.Flags().String("id", "", "Config id (required)")
	_ = monitorConfigCmd.MarkFlagRequired("ns")
	_ = monitorConfigCmd.MarkFlagRequired("id")

	monitorServiceCmd.Flags().String("ns", "", "Namespace (required)")
	monitorServiceCmd.Flags().String("service", "", "Service id (required)")
	monitorServiceCmd.Flags().Bool("healthy-only", false, "Only report healthy instances")
	_ = monitorServiceCmd.MarkFlagRequired("ns")
	_ = monitorServiceCmd.MarkFlagRequired("service")

	monitorCmd.AddCommand(monitorConfigCmd, monitorServiceCmd)
}

func runMonitorConfig(cmd *cobra.Command, _ []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	id, _ := cmd.Flags().GetString("id")
	c := clientFor(cmd)

	md5 := ""
	for {
		path := fmt.Sprintf("/api/config?ns=%s&id=%s", ns, id)
		if md5 != "" {
			path += "&md5=" + md5
		}
		env, err := c.getWithTimeout(path, (longPollTimeoutMillis/1000+10)*time.Second, map[string]string{
			"X-Long-Poll-Timeout": strconv.Itoa(longPollTimeoutMillis),
		})
		if err != nil {
			return err
		}

		var entry struct {
			Content string `json:"Content"`
			MD5     string `json:"MD5"`
		}
		if err := json.Unmarshal(env.Data, &entry); err != nil {
			return fmt.Errorf("decode config entry: %w", err)
		}
		if entry.MD5 != md5 {
			fmt.Printf("[%s] %s/%s = %q (md5=%s)\n", time.Now().Format(time.RFC3339), ns, id, entry.Content, entry.MD5)
			md5 = entry.MD5
		}
	}
}

func runMonitorService(cmd *cobra.Command, _ []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	service, _ := cmd.Flags().GetString("service")
	healthyOnly, _ := cmd.Flags().GetBool("healthy-only")
	c := clientFor(cmd)

	query := fmt.Sprintf("/api/service/instances?ns=%s&service=%s", ns, service)
	if healthyOnly {
		query += "&healthy_only=true"
	}

	// First call returns immediately with the current set; subsequent
	// calls park with wait=true until membership or status changes.
	env, err := c.get(query)
	if err != nil {
		return err
	}
	printInstances(ns, service, env.Data)

	waitQuery := query + "&wait=true"
	for {
		env, err := c.getWithTimeout(waitQuery, (longPollTimeoutMillis/1000+10)*time.Second, map[string]string{
			"X-Long-Poll-Timeout": strconv.Itoa(longPollTimeoutMillis),
		})
		if err != nil {
			return err
		}
		printInstances(ns, service, env.Data)
	}
}

func printInstances(ns, service string, data json.RawMessage) {
	var instances []struct {
		Address string `json:"Address"`
		Port    int    `json:"Port"`
		Status  string `json:"Status"`
	}
	if err := json.Unmarshal(data, &instances); err != nil {
		fmt.Printf("[%s] %s/%s: decode error: %v\n", time.Now().Format(time.RFC3339), ns, service, err)
		return
	}
	fmt.Printf("[%s] %s/%s: %d instance(s)\n", time.Now().Format(time.RFC3339), ns, service, len(instances))
	for _, i := range instances {
		fmt.Printf("  %s:%d  %s\n", i.Address, i.Port, i.Status)
	}
}
