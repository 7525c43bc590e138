package main

import (
	"fmt"
	"os"

	"github.com/cuemby/tether/pkg/config"
	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - keeps runners converged with their control plane",
	Long: `Tether reconciles workloads (deployments, databases and static sites)
on a runner's infrastructure with the desired state held by a control plane.

The same binary runs the control plane server, the runner agent, and the
operator commands used to manage resources.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tether version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(runnerCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(tokenCmd)
}

// initLogging applies the config file's log settings, letting flags win
func initLogging(cmd *cobra.Command, cfg config.LogConfig) {
	level := cfg.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	jsonOutput := cfg.JSON
	if cmd.Flags().Changed("log-json") {
		jsonOutput, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(level),
		JSONOutput: jsonOutput,
	})
	metrics.SetVersion(Version)
}
