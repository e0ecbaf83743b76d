package main

import (
	"fmt"
	"os"

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
	Use:   "quarkctl",
	Short: "quarkctl - operational CLI for a QuarkDB cluster",
	Long: `quarkctl bootstraps a replica's configuration, drives
single-step membership changes, and inspects the resilvering/checkpoint
state of a running cluster.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"quarkctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("password", "", "Password to AUTH with before issuing commands")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Dial/command timeout (0 = use the 5s default)")
}
