// Package main implements the heald daemon: an autonomous error-remediation
// loop that watches a service's logs, fixes detected errors with an AI
// coding agent, and verifies each fix by restarting the service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; environment variables with the
	// HEALD_ prefix override file values.
	configPath string

	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heald",
	Short: "Autonomous error-remediation daemon",
	Long: `heald tails a service's log file, classifies errors against a pattern
table, and drives auto-fixable errors through a bounded-retry pipeline:
invoke an AI coding agent, restart the service, and verify the error is
gone from the logs before marking it resolved.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("heald\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}
