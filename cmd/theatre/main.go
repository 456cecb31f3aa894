// Command theatre is the sovereign agent execution runtime's CLI and
// daemon entrypoint (SPEC_FULL §2): `run` compiles and executes a flow
// definition locally for one shot, `serve` runs the long-lived control
// plane that owns Session lifecycle over HTTP/JSON, and
// `resume`/`status`/`cancel`/`checkpoint` talk to a running `serve`
// daemon's control surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// daemonAddr is the base URL of a running `serve` daemon, consulted by
// every client subcommand (resume/status/cancel/checkpoint) since
// Sessions live in that process's memory and cannot be reached any other
// way.
var daemonAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "theatre",
		Short: "Theatre - sovereign agent execution runtime",
		Long:  "A gas-metered bytecode VM and orchestration coordinator for declarative agent flows",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:8080", "Base URL of a running serve daemon")

	rootCmd.AddCommand(
		runCmd(),
		serveCmd(),
		resumeCmd(),
		statusCmd(),
		cancelCmd(),
		checkpointCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
