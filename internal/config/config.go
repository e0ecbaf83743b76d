// Package config loads a replica's startup configuration from a YAML
// file, with environment variable overrides, grounded on the teacher's
// pkg/manager.Config + cmd/warren cobra flag conventions (spec §3.9,
// SPEC_FULL.md component N). Only the values needed to bring a replica
// up live here. cmd/quarkd hands them directly to the Raft components at
// startup; nothing copies them into the `~` config namespace, and
// CONFIG_SET entries there do not affect a running replica.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Raft holds the election, heartbeat and lease timings, read once at
// startup and passed by cmd/quarkd to the director and lease register.
type Raft struct {
	ElectionTimeoutLowMS  int `yaml:"election_timeout_low_ms"`
	ElectionTimeoutHighMS int `yaml:"election_timeout_high_ms"`
	HeartbeatIntervalMS   int `yaml:"heartbeat_interval_ms"`
	LeaseSafetyMarginMS   int `yaml:"lease_safety_margin_ms"`
}

// ElectionTimeoutLow returns the configured low bound as a time.Duration.
func (r Raft) ElectionTimeoutLow() time.Duration {
	return time.Duration(r.ElectionTimeoutLowMS) * time.Millisecond
}

// ElectionTimeoutHigh returns the configured high bound as a time.Duration.
func (r Raft) ElectionTimeoutHigh() time.Duration {
	return time.Duration(r.ElectionTimeoutHighMS) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat interval.
func (r Raft) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMS) * time.Millisecond
}

// LeaseSafetyMargin returns the configured lease safety margin.
func (r Raft) LeaseSafetyMargin() time.Duration {
	return time.Duration(r.LeaseSafetyMarginMS) * time.Millisecond
}

// TLS holds the PEM file paths for the peer and client ports (spec §6.6).
type TLS struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Bulkload controls storage engine durability tuning (spec §4.B).
type Bulkload struct {
	Enabled bool `yaml:"enabled"`
}

// Config is one replica's full startup configuration.
type Config struct {
	ClusterID string   `yaml:"cluster_id"`
	SelfID    string   `yaml:"self_id"`
	Members   []string `yaml:"members"`

	DataDir    string `yaml:"data_dir"`
	ClientAddr string `yaml:"client_addr"`
	PeerAddr   string `yaml:"peer_addr"`
	HealthAddr string `yaml:"health_addr"`

	Password string `yaml:"password"`

	Raft     Raft     `yaml:"raft"`
	TLS      TLS      `yaml:"tls"`
	Bulkload Bulkload `yaml:"bulkload"`
}

// Default returns the baseline configuration applied before a file or
// environment overrides are read.
func Default() Config {
	return Config{
		DataDir:    "/var/lib/quarkdb",
		ClientAddr: "0.0.0.0:6380",
		PeerAddr:   "0.0.0.0:6381",
		HealthAddr: "127.0.0.1:9191",
		Raft: Raft{
			ElectionTimeoutLowMS:  150,
			ElectionTimeoutHighMS: 300,
			HeartbeatIntervalMS:   50,
			LeaseSafetyMarginMS:   10,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// QUARKDB_-prefixed environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets operators override individual fields without a
// file, the same way the teacher's cmd/warren binaries layer cobra flags
// over defaults.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUARKDB_CLUSTER_ID"); v != "" {
		cfg.ClusterID = v
	}
	if v := os.Getenv("QUARKDB_SELF_ID"); v != "" {
		cfg.SelfID = v
	}
	if v := os.Getenv("QUARKDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QUARKDB_CLIENT_ADDR"); v != "" {
		cfg.ClientAddr = v
	}
	if v := os.Getenv("QUARKDB_PEER_ADDR"); v != "" {
		cfg.PeerAddr = v
	}
	if v := os.Getenv("QUARKDB_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := os.Getenv("QUARKDB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("QUARKDB_BULKLOAD"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Bulkload.Enabled = b
		}
	}
}
