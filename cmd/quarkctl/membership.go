package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var membershipCmd = &cobra.Command{
	Use:   "membership",
	Short: "Inspect or change a running cluster's member set",
}

func init() {
	rootCmd.AddCommand(membershipCmd)
	membershipCmd.AddCommand(membershipListCmd)
	membershipCmd.AddCommand(membershipAddCmd)
	membershipCmd.AddCommand(membershipRemoveCmd)
}

var membershipAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a member by issuing a RAFT_MEMBERSHIP change to the leader",
	Long: `Examples:
  quarkctl membership add --leader 10.0.0.1:6380 --members node-1,node-2,node-3`,
	RunE: runMembershipChange,
}

func init() {
	membershipAddCmd.Flags().String("leader", "", "Client address of the cluster's current leader (required)")
	membershipAddCmd.Flags().String("members", "", "Full new member-ID set after the addition, comma-separated (required)")
	_ = membershipAddCmd.MarkFlagRequired("leader")
	_ = membershipAddCmd.MarkFlagRequired("members")
}

var membershipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current member set, read from any replica's /healthz",
	Long: `Examples:
  quarkctl membership list --health 127.0.0.1:9191`,
	RunE: runMembershipList,
}

func init() {
	membershipListCmd.Flags().String("health", "127.0.0.1:9191", "Address of the /healthz endpoint to query")
}

type healthzStatus struct {
	Healthy           bool     `json:"healthy"`
	LastApplied       uint64   `json:"last_applied"`
	CommitIndex       uint64   `json:"commit_index"`
	IsLeader          bool     `json:"is_leader"`
	Members           []string `json:"members"`
	ResilveringActive bool     `json:"resilvering_active"`
	ResilveringID     string   `json:"resilvering_id,omitempty"`
}

func fetchHealthz(addr string) (healthzStatus, error) {
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		return healthzStatus{}, err
	}
	defer resp.Body.Close()

	var st healthzStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return healthzStatus{}, fmt.Errorf("decode /healthz: %w", err)
	}
	return st, nil
}

func runMembershipList(cmd *cobra.Command, args []string) error {
	health, _ := cmd.Flags().GetString("health")
	st, err := fetchHealthz(health)
	if err != nil {
		return err
	}

	role := "follower"
	if st.IsLeader {
		role = "leader"
	}
	fmt.Printf("members: %s\n", strings.Join(st.Members, ", "))
	fmt.Printf("this replica: %s (applied=%d commit=%d)\n", role, st.LastApplied, st.CommitIndex)
	return nil
}

var membershipRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a member by issuing a RAFT_MEMBERSHIP change to the leader",
	Long: `Examples:
  quarkctl membership remove --leader 10.0.0.1:6380 --members node-1,node-2`,
	RunE: runMembershipChange,
}

func init() {
	membershipRemoveCmd.Flags().String("leader", "", "Client address of the cluster's current leader (required)")
	membershipRemoveCmd.Flags().String("members", "", "Full new member-ID set after removal, comma-separated (required)")
	_ = membershipRemoveCmd.MarkFlagRequired("leader")
	_ = membershipRemoveCmd.MarkFlagRequired("members")
}

// runMembershipChange issues a RAFT_MEMBERSHIP command to --leader with
// the new member set in --members, shared by add/remove/join since a
// single-step membership change is just "propose the new set" either
// way (spec §4.J).
func runMembershipChange(cmd *cobra.Command, args []string) error {
	leader, _ := cmd.Flags().GetString("leader")
	membersRaw, _ := cmd.Flags().GetString("members")
	members, err := parseMembers(membersRaw)
	if err != nil {
		return err
	}

	c, err := dialClient(cmd, leader)
	if err != nil {
		return err
	}
	defer c.Close()

	cmdArgs := append([]string{"RAFT_MEMBERSHIP"}, members...)
	rep, err := c.Do(cmdArgs...)
	if err != nil {
		return fmt.Errorf("raft_membership: %w", err)
	}
	if rep.IsError() {
		return fmt.Errorf("raft_membership: %s %s", rep.ErrorKind, rep.ErrorMsg)
	}

	fmt.Printf("✓ Membership changed to %v\n", members)
	return nil
}
