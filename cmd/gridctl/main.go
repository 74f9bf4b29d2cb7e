package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iclaustron/gridctl/pkg/log"
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
	Use:   "gridctl",
	Short: "gridctl - control plane for a grid of data-server clusters",
	Long: `gridctl runs and drives the control plane of a grid: cluster
servers that hold a grid's configuration and arbitrate node startup,
process controllers that start/stop/monitor a node's local processes,
and the operator commands that talk to both over the management wire
protocol.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"gridctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(mgmdCmd)
	rootCmd.AddCommand(pcntrldCmd)
	rootCmd.AddCommand(gridCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(clusterCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
