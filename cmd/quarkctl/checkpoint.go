package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect a replica's apply/commit lag and resilvering state",
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointStatusCmd)
}

var checkpointStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report apply lag and whether a snapshot transfer is in progress",
	Long: `Examples:
  quarkctl checkpoint status --health 10.0.0.2:9191`,
	RunE: runCheckpointStatus,
}

func init() {
	checkpointStatusCmd.Flags().String("health", "127.0.0.1:9191", "Address of the /healthz endpoint to query")
}

func runCheckpointStatus(cmd *cobra.Command, args []string) error {
	health, _ := cmd.Flags().GetString("health")
	st, err := fetchHealthz(health)
	if err != nil {
		return err
	}

	lag := int64(st.CommitIndex) - int64(st.LastApplied)
	fmt.Printf("committed=%d applied=%d lag=%d\n", st.CommitIndex, st.LastApplied, lag)
	if st.ResilveringActive {
		fmt.Printf("resilvering: in progress, transfer %s\n", st.ResilveringID)
	} else {
		fmt.Println("resilvering: idle")
	}
	return nil
}
