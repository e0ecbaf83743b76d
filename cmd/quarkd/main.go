package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quarkdb/quarkdb/internal/auth"
	"github.com/quarkdb/quarkdb/internal/config"
	"github.com/quarkdb/quarkdb/internal/dispatcher"
	"github.com/quarkdb/quarkdb/internal/events"
	"github.com/quarkdb/quarkdb/internal/healthserver"
	"github.com/quarkdb/quarkdb/internal/qlog"
	"github.com/quarkdb/quarkdb/internal/raft/apply"
	"github.com/quarkdb/quarkdb/internal/raft/commit"
	"github.com/quarkdb/quarkdb/internal/raft/director"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/raft/lease"
	"github.com/quarkdb/quarkdb/internal/raft/replicate"
	"github.com/quarkdb/quarkdb/internal/raft/resilver"
	"github.com/quarkdb/quarkdb/internal/raft/state"
	"github.com/quarkdb/quarkdb/internal/resp"
	"github.com/quarkdb/quarkdb/internal/rpc"
	"github.com/quarkdb/quarkdb/internal/statemachine"
	"github.com/quarkdb/quarkdb/internal/storage"
	"github.com/quarkdb/quarkdb/internal/tlsconfig"
	"github.com/rs/zerolog"
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
	Use:   "quarkd",
	Short: "quarkd - a replica process of a QuarkDB cluster",
	Long: `quarkd runs one replica of a QuarkDB cluster: a RESP key-value
store whose writes are ordered and replicated by a dedicated Raft
consensus layer.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"quarkd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	qlog.Init(qlog.Config{
		Level:      qlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this replica and serve client and peer connections",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (see internal/config); flags below override it")
	serveCmd.Flags().String("data-dir", "", "Directory holding this replica's storage engine and Raft journal files")
	serveCmd.Flags().String("client-addr", "", "Address for the RESP client port")
	serveCmd.Flags().String("peer-addr", "", "Address for the Raft peer RPC port")
	serveCmd.Flags().String("health-addr", "", "Address for the /healthz and /metrics endpoints")
	serveCmd.Flags().String("password", "", "Shared password gating client connections (AUTH); empty disables auth")
	serveCmd.Flags().Bool("bulkload", false, "Open the storage engine in bulkload mode (relaxed durability, used during resilvering)")
}

// loadConfig layers the --config file (if any) under defaults, then lets
// any explicitly-set flag override individual fields, mirroring the
// teacher's cobra-flags-over-defaults pattern one level up from
// config.Load's own file-then-env layering.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("client-addr") {
		cfg.ClientAddr, _ = cmd.Flags().GetString("client-addr")
	}
	if cmd.Flags().Changed("peer-addr") {
		cfg.PeerAddr, _ = cmd.Flags().GetString("peer-addr")
	}
	if cmd.Flags().Changed("health-addr") {
		cfg.HealthAddr, _ = cmd.Flags().GetString("health-addr")
	}
	if cmd.Flags().Changed("password") {
		cfg.Password, _ = cmd.Flags().GetString("password")
	}
	if cmd.Flags().Changed("bulkload") {
		cfg.Bulkload.Enabled, _ = cmd.Flags().GetBool("bulkload")
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := qlog.WithComponent("quarkd")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	engine, err := storage.Open(filepath.Join(cfg.DataDir, "quarkdb.db"), cfg.Bulkload.Enabled)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	j, err := journal.Open(filepath.Join(cfg.DataDir, "raft-journal.db"), cfg.ClusterID)
	if err != nil {
		return fmt.Errorf("open raft journal: %w", err)
	}
	defer j.Close()
	if len(cfg.Members) > 0 && len(j.Members()) == 0 {
		if err := j.SetMembership(cfg.Members); err != nil {
			return fmt.Errorf("seed membership: %w", err)
		}
	}

	broker := events.NewBroker(256)
	broker.Start()
	defer broker.Stop()

	sm := statemachine.New(engine, broker)

	gate := auth.NewGate(cfg.Password)
	if gate.Required() {
		log.Info().Msg("AUTH required for client connections")
	}

	applyTracker, err := apply.New(sm, j)
	if err != nil {
		return fmt.Errorf("build write tracker: %w", err)
	}

	raftState := state.New(j)
	leaseReg := lease.New(cfg.Raft.ElectionTimeoutLow(), cfg.Raft.LeaseSafetyMargin())
	commitTracker := commit.New(j, cfg.SelfID)

	peerTLS, err := tlsconfig.Build(tlsconfig.Config{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, CAFile: cfg.TLS.CAFile})
	if err != nil {
		return fmt.Errorf("build peer TLS config: %w", err)
	}
	clientTLS, err := tlsconfig.Build(tlsconfig.Config{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile, CAFile: cfg.TLS.CAFile})
	if err != nil {
		return fmt.Errorf("build client TLS config: %w", err)
	}

	peerClient := rpc.NewClient(peerTLS)
	defer peerClient.Close()

	resilverSender := resilver.NewSender(engine, j, peerClient)
	resilverReceiver := resilver.NewReceiver(cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := peersExcludingSelf(cfg.Members, cfg.SelfID)
	workers := make(replicatorSet, 0, len(peers))
	for _, peer := range peers {
		w := replicate.New(peer, raftState.Term(), j, commitTracker, leaseReg, raftState, peerClient, resilverSender)
		workers = append(workers, w)
		go w.Run(ctx, cfg.Raft.HeartbeatInterval())
	}

	dir := director.New(cfg.SelfID, raftState, j, commitTracker, leaseReg, peerClient, workers, &markerProposer{tracker: applyTracker, commit: commitTracker, state: raftState}, director.Config{
		ElectionTimeoutLow:  cfg.Raft.ElectionTimeoutLow(),
		ElectionTimeoutHigh: cfg.Raft.ElectionTimeoutHigh(),
		HeartbeatInterval:   cfg.Raft.HeartbeatInterval(),
	})
	go dir.Run(ctx)
	go applyTracker.Run(ctx)

	peerServer := rpc.NewServer(dir, dir, resilverReceiver, peerTLS)
	go func() {
		if err := peerServer.Serve(cfg.PeerAddr); err != nil {
			log.Error().Err(err).Msg("peer RPC server stopped")
		}
	}()
	defer peerServer.Stop()

	standalone := len(cfg.Members) <= 1
	disp := dispatcher.New(sm, applyTracker, commitTracker, raftState, leaseReg, gate, peers, standalone)

	clientListener, err := net.Listen("tcp", cfg.ClientAddr)
	if err != nil {
		return fmt.Errorf("listen on client addr: %w", err)
	}
	go serveClients(ctx, clientListener, disp, clientTLS, log)
	defer clientListener.Close()

	source := &replicaLiveness{sm: sm, journal: j, state: raftState, resilverReceiver: resilverReceiver}
	hs := healthserver.New(cfg.HealthAddr, source)
	if err := hs.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("client_addr", cfg.ClientAddr).
		Str("peer_addr", cfg.PeerAddr).
		Str("health_addr", cfg.HealthAddr).
		Msg("quarkd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := hs.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("health server shutdown")
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// serveClients accepts RESP client connections and hands each to the
// dispatcher. Per spec §6.1, the first byte tells plaintext from TLS
// apart; resp.IsPlaintext peeks it without consuming, and peekedConn
// replays whatever bufio buffered so the dispatcher's own reader picks
// up exactly where the peek left off.
func serveClients(ctx context.Context, ln net.Listener, disp *dispatcher.Dispatcher, tlsCfg *tls.Config, log zerolog.Logger) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("client listener accept failed")
				return
			}
		}

		go func(nc net.Conn) {
			r := bufio.NewReader(nc)
			plaintext, err := resp.IsPlaintext(r)
			if err != nil {
				nc.Close()
				return
			}

			conn := net.Conn(&peekedConn{Conn: nc, r: r})
			if !plaintext {
				if tlsCfg == nil {
					nc.Close()
					return
				}
				conn = tls.Server(conn, tlsCfg)
			}
			disp.Serve(ctx, conn)
		}(nc)
	}
}

func peersExcludingSelf(members []string, selfID string) []string {
	peers := make([]string, 0, len(members))
	for _, m := range members {
		if m != selfID {
			peers = append(peers, m)
		}
	}
	return peers
}

// replicatorSet fans a director.Heartbeater call out to every peer
// worker; each worker ignores the call unless the peer matches its own.
type replicatorSet []*replicate.Worker

func (s replicatorSet) Heartbeat(peer string) {
	for _, w := range s {
		w.Heartbeat(peer)
	}
}

// markerProposer adapts apply.Tracker's channel-based Propose to the
// director's synchronous Proposer contract, used only for the empty
// JOURNAL_LEADERSHIP_MARKER a freshly elected leader commits. It also
// recomputes commitIndex itself, the same as dispatcher.handleWrite,
// since on a standalone single-node cluster nothing else would ever
// advance it.
type markerProposer struct {
	tracker *apply.Tracker
	commit  *commit.Tracker
	state   *state.State
}

func (p *markerProposer) Propose(req statemachine.Request) (uint64, error) {
	index, ch, err := p.tracker.Propose(p.state.Term(), req)
	if err != nil {
		return 0, err
	}
	if p.commit != nil {
		if _, err := p.commit.Recompute(); err != nil {
			return 0, err
		}
	}
	p.tracker.NotifyCommit()
	result := <-ch
	return index, result.Err
}

// replicaLiveness adapts the Raft layer's role/commit state to the
// healthserver.LivenessSource contract.
type replicaLiveness struct {
	sm               *statemachine.StateMachine
	journal          *journal.Journal
	state            *state.State
	resilverReceiver *resilver.Receiver
}

func (r *replicaLiveness) LastApplied() uint64 {
	last, err := r.sm.LastApplied()
	if err != nil {
		return 0
	}
	return last
}

func (r *replicaLiveness) CommitIndex() uint64 { return r.journal.CommitIndex() }
func (r *replicaLiveness) IsLeader() bool      { return r.state.Role() == state.Leader }
func (r *replicaLiveness) Members() []string   { return r.journal.Members() }

func (r *replicaLiveness) Resilvering() (string, bool) {
	return r.resilverReceiver.Active()
}

// peekedConn lets serveClients peek the first byte of a connection (via
// resp.IsPlaintext) without losing any bytes bufio already buffered:
// all further Reads go through the same *bufio.Reader.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }
