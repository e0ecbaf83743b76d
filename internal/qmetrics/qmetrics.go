// Package qmetrics exposes Prometheus metrics for the journal, state
// machine, replication, and dispatcher layers.
package qmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft metrics
	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_raft_is_leader",
		Help: "Whether this node is the Raft leader (1 = leader, 0 = not)",
	})

	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_raft_term",
		Help: "Current Raft term",
	})

	RaftPeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_raft_peers_total",
		Help: "Total number of Raft peers in the current membership",
	})

	RaftLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_raft_log_size",
		Help: "Number of entries the journal currently holds",
	})

	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_raft_commit_index",
		Help: "Current committed LogIndex",
	})

	RaftLastApplied = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_raft_last_applied",
		Help: "Last LogIndex applied to the state machine",
	})

	RaftAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarkdb_raft_append_duration_seconds",
		Help:    "Time taken to append an entry to the journal",
		Buckets: prometheus.DefBuckets,
	})

	RaftApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarkdb_raft_apply_duration_seconds",
		Help:    "Time taken to apply a committed entry to the state machine",
		Buckets: prometheus.DefBuckets,
	})

	RaftElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quarkdb_raft_elections_total",
		Help: "Total number of elections this node has started",
	})

	RaftResilveringsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarkdb_raft_resilverings_total",
		Help: "Total number of resilvering transfers by outcome",
	}, []string{"outcome"})

	// Dispatcher / command metrics
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quarkdb_commands_total",
		Help: "Total commands processed by family and outcome",
	}, []string{"family", "outcome"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quarkdb_command_duration_seconds",
		Help:    "Command execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"family"})

	ConnectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quarkdb_connections_open",
		Help: "Number of currently open client connections",
	})

	// Storage engine metrics
	StorageKeysTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quarkdb_storage_keys_total",
		Help: "Approximate number of user keys by type",
	}, []string{"type"})

	CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quarkdb_checkpoint_duration_seconds",
		Help:    "Time taken to produce a checkpoint",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader, RaftTerm, RaftPeersTotal, RaftLogSize, RaftCommitIndex,
		RaftLastApplied, RaftAppendDuration, RaftApplyDuration,
		RaftElectionsTotal, RaftResilveringsTotal,
		CommandsTotal, CommandDuration, ConnectionsOpen,
		StorageKeysTotal, CheckpointDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
