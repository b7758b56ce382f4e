// Package main is the entry point for the linepulse CLI.
//
// LinePulse can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	linepulse serve -c config.yaml    # Follow a line and serve the local API
//	linepulse validate -c config.yaml # Validate configuration
//	linepulse version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "linepulse",
	Short: "Real-time counters for a garment production line",
	Long: `LinePulse follows one production line in real time.

It merges the backend's WebSocket broadcast with REST polling, sums the
QC and PQC counters for the line, raises a notification when a rework
counter goes up, and serves the result over a small local HTTP API with
Server-Sent Events.

Quick start:
  1. Create a config file (linepulse.yaml)
  2. Run: linepulse serve -c linepulse.yaml
  3. curl http://localhost:8080/api/state

Example config:
  line: LINE 3
  websocket:
    url: ws://10.8.0.104:7000/ws/wira-dashboard
  api:
    base_url: http://10.8.0.104:7000`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this linepulse binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("linepulse %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
