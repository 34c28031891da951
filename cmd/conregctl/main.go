package main

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per spec §6: usage errors and cluster-reported failures are
// distinguished from success so scripts can branch on them.
const (
	exitOK      = 0
	exitUsage   = 2
	exitCluster = 3
	exitTimeout = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "conregctl",
	Short:         "conregctl - admin CLI for a conreg cluster",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("server", "s", "127.0.0.1:8450", "Address (host:port) of any conreg node's coordinator HTTP API")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(monitorCmd)
}

func clientFor(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	return newAPIClient(server)
}

// exitCodeFor classifies an error into the spec's §6 exit-code taxonomy.
// A usageError (bad flags/arguments) maps to 2, a clusterError (non-OK
// envelope from the server) maps to 3, a timeoutError maps to 4, and
// anything else (connection refused, decode failure) falls back to 1.
func exitCodeFor(err error) int {
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		return exitUsage
	}
	var clusterErr *clusterError
	if errors.As(err, &clusterErr) {
		if clusterErr.Code == "TIMEOUT" {
			return exitTimeout
		}
		return exitCluster
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return exitTimeout
	}
	return 1
}

// usageError wraps a command-line validation failure (missing/invalid
// flag) distinctly from a clusterError so exitCodeFor can tell them apart.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func newUsageError(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
