package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/var/lib/quarkdb", cfg.DataDir)
	require.Equal(t, 150, cfg.Raft.ElectionTimeoutLowMS)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarkdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster_id: test-cluster
self_id: node-1
members:
  - node-1
  - node-2
data_dir: /data/quarkdb
raft:
  election_timeout_low_ms: 200
  election_timeout_high_ms: 400
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "test-cluster", cfg.ClusterID)
	require.Equal(t, "node-1", cfg.SelfID)
	require.Equal(t, []string{"node-1", "node-2"}, cfg.Members)
	require.Equal(t, "/data/quarkdb", cfg.DataDir)
	require.Equal(t, 200, cfg.Raft.ElectionTimeoutLowMS)
}

func TestEnvOverridesApplyOverFile(t *testing.T) {
	t.Setenv("QUARKDB_DATA_DIR", "/override/data")
	t.Setenv("QUARKDB_BULKLOAD", "true")

	path := filepath.Join(t.TempDir(), "quarkdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /data/quarkdb\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/override/data", cfg.DataDir)
	require.True(t, cfg.Bulkload.Enabled)
}

func TestRaftDurationHelpers(t *testing.T) {
	cfg := Default()
	require.Equal(t, int64(150*1e6), cfg.Raft.ElectionTimeoutLow().Nanoseconds())
	require.Equal(t, int64(300*1e6), cfg.Raft.ElectionTimeoutHigh().Nanoseconds())
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/quarkdb.yaml")
	require.Error(t, err)
}
