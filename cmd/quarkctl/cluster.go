package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/quarkdb/quarkdb/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Bring up or join a QuarkDB cluster",
}

func init() {
	rootCmd.AddCommand(clusterCmd)
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a replica's config.yaml to start a new cluster",
	Long: `Writes the config.yaml a quarkd replica reads on startup. The
journal itself is seeded with the initial member set the first time
that replica's serve command runs against an empty data directory.

Examples:
  quarkctl cluster init --out config.yaml --cluster-id prod-a \
    --self-id node-1 --members node-1=10.0.0.1:6381,node-2=10.0.0.2:6381`,
	RunE: runClusterInit,
}

func init() {
	clusterInitCmd.Flags().String("out", "config.yaml", "Path to write the generated config file")
	clusterInitCmd.Flags().String("cluster-id", "", "Cluster identifier, immutable once the journal is created (required)")
	clusterInitCmd.Flags().String("self-id", "", "This replica's member ID (required)")
	clusterInitCmd.Flags().String("members", "", "Comma-separated self-id=peer-addr pairs for every initial member (required)")
	clusterInitCmd.Flags().String("data-dir", "/var/lib/quarkdb", "Directory for this replica's storage engine and journal")
	clusterInitCmd.Flags().String("client-addr", "0.0.0.0:6380", "Address for the RESP client port")
	clusterInitCmd.Flags().String("peer-addr", "0.0.0.0:6381", "Address for the Raft peer RPC port")
	clusterInitCmd.Flags().String("health-addr", "127.0.0.1:9191", "Address for the /healthz and /metrics endpoints")
	_ = clusterInitCmd.MarkFlagRequired("cluster-id")
	_ = clusterInitCmd.MarkFlagRequired("self-id")
	_ = clusterInitCmd.MarkFlagRequired("members")
}

func runClusterInit(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	clusterID, _ := cmd.Flags().GetString("cluster-id")
	selfID, _ := cmd.Flags().GetString("self-id")
	membersRaw, _ := cmd.Flags().GetString("members")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	clientAddr, _ := cmd.Flags().GetString("client-addr")
	peerAddr, _ := cmd.Flags().GetString("peer-addr")
	healthAddr, _ := cmd.Flags().GetString("health-addr")

	members, err := parseMembers(membersRaw)
	if err != nil {
		return err
	}
	found := false
	for _, m := range members {
		if m == selfID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("self-id %q must be one of the --members entries", selfID)
	}

	cfg := config.Default()
	cfg.ClusterID = clusterID
	cfg.SelfID = selfID
	cfg.Members = members
	cfg.DataDir = dataDir
	cfg.ClientAddr = clientAddr
	cfg.PeerAddr = peerAddr
	cfg.HealthAddr = healthAddr

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}

	fmt.Printf("✓ Wrote %s for cluster %q, member %q of %v\n", out, clusterID, selfID, members)
	return nil
}

// parseMembers accepts either a plain comma-separated ID list or
// id=addr pairs and returns just the IDs, since config.Config.Members
// only tracks membership identity — peer addressing is resolved
// through whatever service discovery fronts PeerAddr.
func parseMembers(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("--members must not be empty")
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			part = part[:i]
		}
		out = append(out, part)
	}
	return out, nil
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Add this replica to an existing cluster's membership",
	Long: `Connects to the cluster's current leader and issues a
RAFT_MEMBERSHIP change to the full new member set, which should include
this replica (spec §4.J's single-step protocol allows at most one such
change in flight).

Examples:
  quarkctl cluster join --leader 10.0.0.1:6380 --members node-1,node-2,node-3`,
	RunE: runMembershipChange,
}

func init() {
	clusterJoinCmd.Flags().String("leader", "", "Client address of the cluster's current leader (required)")
	clusterJoinCmd.Flags().String("members", "", "Full new member-ID set after this replica joins, comma-separated (required)")
	_ = clusterJoinCmd.MarkFlagRequired("leader")
	_ = clusterJoinCmd.MarkFlagRequired("members")
}
