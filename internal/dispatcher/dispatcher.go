// Package dispatcher implements the per-connection pipeline (spec §4.M):
// it parses RESP requests, classifies each into READ/WRITE/CONTROL,
// enforces the authentication gate, and routes writes and reads to the
// Raft write tracker or directly to a read-only state machine snapshot
// depending on this node's role.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quarkdb/quarkdb/internal/auth"
	"github.com/quarkdb/quarkdb/internal/qlog"
	"github.com/quarkdb/quarkdb/internal/raft/apply"
	"github.com/quarkdb/quarkdb/internal/raft/lease"
	"github.com/quarkdb/quarkdb/internal/raft/state"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/resp"
	"github.com/quarkdb/quarkdb/internal/statemachine"
)

// CommandType is the classification every request carries once parsed,
// per spec §9's "typed sum instead of stringly-typed dispatch" note: the
// table below is the single source of truth, consulted once per request.
type CommandType int

const (
	TypeRead CommandType = iota
	TypeWrite
	TypeControl
	TypePubSub
	TypeRaft
)

// commandTable classifies every command name this node accepts. Names
// absent from the table are rejected with ERR unknown command.
var commandTable = map[string]CommandType{
	"GET": TypeRead, "EXISTS": TypeRead, "KEYS": TypeRead, "SCAN": TypeRead,
	"HGET": TypeRead, "HEXISTS": TypeRead, "HKEYS": TypeRead, "HVALS": TypeRead,
	"HGETALL": TypeRead, "HLEN": TypeRead, "HSCAN": TypeRead,
	"SISMEMBER": TypeRead, "SMEMBERS": TypeRead, "SCARD": TypeRead, "SSCAN": TypeRead,
	"LLEN": TypeRead,
	"LHGET": TypeRead, "LHSCAN": TypeRead,
	"VHGETALL": TypeRead, "VHLEN": TypeRead, "VHGET": TypeRead,
	"LEASE_GET": TypeRead,
	"CONFIG_GET": TypeRead, "CONFIG_GETALL": TypeRead,
	"CLOCK_GET": TypeRead,
	"TX_READONLY": TypeRead,

	"SET": TypeWrite, "DEL": TypeWrite, "FLUSHALL": TypeWrite,
	"HSET": TypeWrite, "HSETNX": TypeWrite, "HMSET": TypeWrite, "HDEL": TypeWrite,
	"HINCRBY": TypeWrite, "HINCRBYFLOAT": TypeWrite, "HCLONE": TypeWrite,
	"SADD": TypeWrite, "SREM": TypeWrite, "SMOVE": TypeWrite,
	"LPUSH": TypeWrite, "RPUSH": TypeWrite, "LPOP": TypeWrite, "RPOP": TypeWrite,
	"LHSET": TypeWrite, "LHDEL": TypeWrite,
	"VHSET": TypeWrite, "VHDEL": TypeWrite,
	"LEASE_ACQUIRE": TypeWrite, "LEASE_RELEASE": TypeWrite,
	"CONFIG_SET":   TypeWrite,
	"TX_READWRITE": TypeWrite,

	// JOURNAL_LEADERSHIP_MARKER is deliberately absent: it is proposed only
	// by a newly elected leader's director (internal/raft/director), never
	// accepted from a client (spec §6.5).

	"PING": TypeControl, "AUTH": TypeControl,
	"HMAC_AUTH_GENERATE_CHALLENGE": TypeControl, "HMAC_AUTH_VALIDATE_CHALLENGE": TypeControl,

	"SUBSCRIBE": TypePubSub, "PUBLISH": TypePubSub,

	"RAFT_MEMBERSHIP": TypeRaft,
}

// ClassifyCommand returns the classification for name (already
// upper-cased by resp.ReadCommand), and whether name is recognized.
func ClassifyCommand(name string) (CommandType, bool) {
	t, ok := commandTable[name]
	return t, ok
}

// StateMachine is the subset of *statemachine.StateMachine the
// dispatcher needs.
type StateMachine interface {
	ApplyReadOnly(req statemachine.Request) (reply.Reply, error)
}

// WriteTracker is the subset of *apply.Tracker the dispatcher needs.
type WriteTracker interface {
	Propose(term uint64, req statemachine.Request) (uint64, <-chan apply.Result, error)
	WaitApplied(ctx context.Context, index uint64) error
	NotifyCommit()
}

// CommitRecomputer is the subset of *commit.Tracker the dispatcher needs.
// On a single-node (standalone) cluster nothing else ever reports peer
// replication progress, so the leader must re-derive commitIndex from
// its own log right after proposing — recomputeLocked's quorum count
// already includes self via the journal's own LogSize.
type CommitRecomputer interface {
	Recompute() (uint64, error)
}

// RoleSource is the subset of *state.State the dispatcher needs.
type RoleSource interface {
	Role() state.Role
	Term() uint64
	LeaderHint() string
}

// Dispatcher owns the shared, connection-independent pieces of the
// pipeline: the state machine, the write tracker, role/term lookup, the
// read lease, and the auth gate. Serve is called once per accepted
// client connection.
type Dispatcher struct {
	sm     StateMachine
	apply  WriteTracker
	commit CommitRecomputer
	role   RoleSource
	lease  *lease.Register
	gate   *auth.Gate
	peers  []string

	// standalone disables the NOT_LEADER/MOVED redirect machinery for a
	// single-node cluster (spec §4.M: "unless the cluster is in
	// single-node standalone mode").
	standalone bool

	// membershipInFlight enforces "at most one membership change may be
	// in-flight" (spec §4.J). Accessed only via sync/atomic.
	membershipInFlight int32
}

// New builds a Dispatcher. peers excludes self and feeds the lease
// register's quorum check. commit may be nil on a multi-node cluster,
// where commitIndex advances purely through replication acks instead.
func New(sm StateMachine, tracker WriteTracker, commit CommitRecomputer, role RoleSource, leaseRegister *lease.Register, gate *auth.Gate, peers []string, standalone bool) *Dispatcher {
	return &Dispatcher{sm: sm, apply: tracker, commit: commit, role: role, lease: leaseRegister, gate: gate, peers: peers, standalone: standalone}
}

// conn holds the per-connection state Serve needs: the auth flag and the
// ordering queue that preserves response order across interleaved reads
// and writes (spec §4.K).
type conn struct {
	authenticated bool
	pendingChall  []byte
	queue         *apply.ConnectionQueue
	lastProposed  uint64

	// pushed is signalled once per c.queue.Push, so the writer side
	// never calls ConnectionQueue.Next on an empty queue — Next panics
	// on an empty backing slice, so the two sides must stay in lockstep.
	pushed chan struct{}
}

func newConn() *conn {
	return &conn{queue: apply.NewConnectionQueue(), pushed: make(chan struct{}, 4096)}
}

func (c *conn) push(ch <-chan apply.Result) {
	c.queue.Push(ch)
	c.pushed <- struct{}{}
}

// Serve drives one client connection until it closes or a protocol error
// occurs. It reads requests and proposes/executes them on one goroutine,
// and drains results back to the client on another, so a client may
// pipeline several requests without waiting for each reply — replies
// are still written in strict arrival order.
func (d *Dispatcher) Serve(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	log := qlog.WithComponent("dispatcher").With().Str("remote", nc.RemoteAddr().String()).Logger()

	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	c := newConn()

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- d.readLoop(ctx, r, c)
	}()

	var readDone bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pushed:
			result := c.queue.Next()
			if err := d.writeResult(w, result); err != nil {
				log.Debug().Err(err).Msg("dispatcher: write reply failed")
				return
			}
		case err := <-readErrCh:
			readDone = true
			if err != nil && !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("dispatcher: connection ended")
			}
		}

		if readDone && c.queue.Len() == 0 {
			return
		}
	}
}

func (d *Dispatcher) writeResult(w *bufio.Writer, result apply.Result) error {
	r := result.Reply
	if result.Err != nil {
		r = reply.Err("ERR", result.Err.Error())
	}
	if err := resp.WriteReply(w, r); err != nil {
		return err
	}
	return w.Flush()
}

// readLoop parses each incoming command and enqueues its eventual result
// onto c.queue, in arrival order. It never blocks on a result itself
// (aside from WaitApplied ordering for queued reads), so a pipelining
// client can keep sending without waiting for replies.
func (d *Dispatcher) readLoop(ctx context.Context, r *bufio.Reader, c *conn) error {
	for {
		cmd, err := resp.ReadCommand(r)
		if err != nil {
			return err
		}

		typ, known := ClassifyCommand(cmd.Name)
		if !known {
			c.push(resolved(reply.Err("ERR", fmt.Sprintf("unknown command '%s'", cmd.Name))))
			continue
		}

		if typ == TypeControl {
			c.push(resolved(d.handleControl(c, cmd)))
			continue
		}

		if d.gate.Required() && !c.authenticated {
			c.push(resolved(reply.Err("NOAUTH", "authentication required")))
			continue
		}

		switch typ {
		case TypeWrite, TypeRaft:
			c.push(d.handleWrite(ctx, c, cmd))
		case TypeRead:
			c.push(d.handleRead(ctx, c, cmd))
		default:
			c.push(resolved(reply.Err("ERR", fmt.Sprintf("'%s' not supported on this connection", cmd.Name))))
		}
	}
}

func (d *Dispatcher) handleControl(c *conn, cmd resp.Command) reply.Reply {
	switch cmd.Name {
	case "PING":
		return reply.Simple("PONG")
	case "AUTH":
		if len(cmd.Args) != 1 {
			return reply.Err("ERR", "wrong number of arguments for 'AUTH'")
		}
		if !d.gate.CheckPassword(string(cmd.Args[0])) {
			return reply.Err("NOAUTH", "invalid password")
		}
		c.authenticated = true
		return reply.OK()
	case "HMAC_AUTH_GENERATE_CHALLENGE":
		nonce, err := d.gate.GenerateChallenge()
		if err != nil {
			return reply.Err("ERR", err.Error())
		}
		c.pendingChall = nonce
		return reply.Bulk(nonce)
	case "HMAC_AUTH_VALIDATE_CHALLENGE":
		if len(cmd.Args) != 1 || c.pendingChall == nil {
			return reply.Err("ERR", "no challenge outstanding")
		}
		ok := d.gate.ValidateChallenge(c.pendingChall, cmd.Args[0])
		c.pendingChall = nil
		if !ok {
			return reply.Err("NOAUTH", "challenge response invalid")
		}
		c.authenticated = true
		return reply.OK()
	default:
		return reply.Err("ERR", fmt.Sprintf("unknown control command '%s'", cmd.Name))
	}
}

// handleWrite proposes a write command to the Raft log when this node is
// leader, or rejects it per spec §4.M otherwise.
func (d *Dispatcher) handleWrite(ctx context.Context, c *conn, cmd resp.Command) <-chan apply.Result {
	if d.role.Role() != state.Leader && !d.standalone {
		return resolved(notLeaderReply(d.role))
	}

	if cmd.Name == "RAFT_MEMBERSHIP" {
		if !atomic.CompareAndSwapInt32(&d.membershipInFlight, 0, 1) {
			return resolved(reply.Err("ERR", "a membership change is already in flight"))
		}
	}

	req, err := d.prepareRequest(cmd, false)
	if err != nil {
		if cmd.Name == "RAFT_MEMBERSHIP" {
			atomic.StoreInt32(&d.membershipInFlight, 0)
		}
		return resolved(reply.Err("ERR", err.Error()))
	}

	index, ch, err := d.apply.Propose(d.role.Term(), req)
	if err != nil {
		if cmd.Name == "RAFT_MEMBERSHIP" {
			atomic.StoreInt32(&d.membershipInFlight, 0)
		}
		return resolved(reply.Err("UNAVAILABLE", err.Error()))
	}
	c.lastProposed = index

	if d.commit != nil {
		if _, err := d.commit.Recompute(); err != nil {
			qlog.WithComponent("dispatcher").Error().Err(err).Msg("commit recompute failed")
		}
	}
	d.apply.NotifyCommit()

	if cmd.Name == "RAFT_MEMBERSHIP" {
		return clearFlagOnDelivery(ch, &d.membershipInFlight)
	}
	return ch
}

// clearFlagOnDelivery proxies ch, resetting flag to 0 once the result is
// delivered, so at most one RAFT_MEMBERSHIP change is ever in flight
// (spec §4.J).
func clearFlagOnDelivery(ch <-chan apply.Result, flag *int32) <-chan apply.Result {
	out := make(chan apply.Result, 1)
	go func() {
		r := <-ch
		atomic.StoreInt32(flag, 0)
		out <- r
		close(out)
	}()
	return out
}

// handleRead executes a read command. On the leader, if no write is
// pending on this connection it runs immediately against a fresh
// snapshot; otherwise it waits for the last proposed write to apply
// first, preserving per-connection ordering (spec §4.K). On a follower
// it is served locally only while the read lease is valid, else the
// client is redirected with MOVED.
func (d *Dispatcher) handleRead(ctx context.Context, c *conn, cmd resp.Command) <-chan apply.Result {
	req, err := d.prepareRequest(cmd, false)
	if err != nil {
		return resolved(reply.Err("ERR", err.Error()))
	}

	role := d.role.Role()
	if role != state.Leader {
		if role == state.Follower && d.lease != nil && d.lease.Valid(nowFunc(), d.peers) {
			return d.runReadOnlyReq(req)
		}
		return resolved(movedReply(d.role))
	}

	if c.lastProposed == 0 {
		return d.runReadOnlyReq(req)
	}

	index := c.lastProposed
	ch := make(chan apply.Result, 1)
	go func() {
		if err := d.apply.WaitApplied(ctx, index); err != nil {
			ch <- apply.Result{Err: err}
			close(ch)
			return
		}
		r, err := d.sm.ApplyReadOnly(req)
		ch <- apply.Result{Reply: r, Err: err}
		close(ch)
	}()
	return ch
}

func (d *Dispatcher) runReadOnlyReq(req statemachine.Request) <-chan apply.Result {
	r, err := d.sm.ApplyReadOnly(req)
	return resolved2(r, err)
}

// prepareRequest turns a parsed client command into the statemachine
// Request that will be proposed or executed, applying the same
// validation/clock-binding rules whether cmd arrived at the top level or
// as a sub-command nested inside a TX_* payload (nested is true in the
// latter case). This is the pipeline boundary spec §6.5 requires: the
// already-timestamped LEASE_ACQUIRE form, JOURNAL_LEADERSHIP_MARKER, and
// nested transactions are only ever reachable through leader-side
// rewriting, never from a client, whether at the top level or smuggled
// inside a transaction's sub-command list.
func (d *Dispatcher) prepareRequest(cmd resp.Command, nested bool) (statemachine.Request, error) {
	switch cmd.Name {
	case "TX_READONLY", "TX_READWRITE":
		if nested {
			return statemachine.Request{}, fmt.Errorf("transactions cannot nest")
		}
		return d.prepareTx(cmd)
	case "LEASE_ACQUIRE":
		if len(cmd.Args) != 3 {
			return statemachine.Request{}, fmt.Errorf("wrong number of arguments for 'LEASE_ACQUIRE'")
		}
		now, err := d.readClock()
		if err != nil {
			return statemachine.Request{}, err
		}
		args := append(append([][]byte(nil), cmd.Args...), []byte(strconv.FormatUint(now, 10)))
		return statemachine.Request{Name: cmd.Name, Args: args}, nil
	default:
		typ, known := ClassifyCommand(cmd.Name)
		if !known {
			return statemachine.Request{}, fmt.Errorf("unknown command '%s'", cmd.Name)
		}
		if nested && typ != TypeRead && typ != TypeWrite {
			return statemachine.Request{}, fmt.Errorf("'%s' is not permitted inside a transaction", cmd.Name)
		}
		return statemachine.Request{Name: cmd.Name, Args: cmd.Args}, nil
	}
}

// prepareTx parses a TX_READONLY/TX_READWRITE payload argument into the
// sub-requests statemachine.Request.Sub carries (spec §4.D transaction
// family): payload is a sequence of RESP command frames, one per
// sub-command, exactly as resp.WriteCommand would serialize them. Each
// sub-command runs back through prepareRequest so it is bound and
// filtered identically to a top-level command.
func (d *Dispatcher) prepareTx(cmd resp.Command) (statemachine.Request, error) {
	if len(cmd.Args) != 2 {
		return statemachine.Request{}, fmt.Errorf("wrong number of arguments for '%s'", cmd.Name)
	}
	payload, flag := cmd.Args[0], strings.ToUpper(string(cmd.Args[1]))
	if flag != "PHANTOM" && flag != "REAL" {
		return statemachine.Request{}, fmt.Errorf("transaction flag must be 'phantom' or 'real'")
	}

	subCmds, err := parseTxPayload(payload)
	if err != nil {
		return statemachine.Request{}, fmt.Errorf("malformed transaction payload: %w", err)
	}

	sub := make([]statemachine.Request, 0, len(subCmds))
	for _, s := range subCmds {
		r, err := d.prepareRequest(s, true)
		if err != nil {
			return statemachine.Request{}, err
		}
		sub = append(sub, r)
	}
	return statemachine.Request{Name: cmd.Name, Args: cmd.Args, Sub: sub}, nil
}

// parseTxPayload reads every RESP command frame out of payload in order.
func parseTxPayload(payload []byte) ([]resp.Command, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	var cmds []resp.Command
	for {
		cmd, err := resp.ReadCommand(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return cmds, nil
			}
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
}

// readClock binds the dispatcher's own observation of the dynamic clock
// (spec §3.8(v)/§9): it reads __clock via the state machine's CLOCK_GET
// rather than trusting any clock value a client might supply directly.
func (d *Dispatcher) readClock() (uint64, error) {
	r, err := d.sm.ApplyReadOnly(statemachine.Request{Name: "CLOCK_GET"})
	if err != nil {
		return 0, err
	}
	if r.Kind != reply.KindInteger {
		return 0, fmt.Errorf("dispatcher: unexpected CLOCK_GET reply")
	}
	return uint64(r.Int), nil
}

func notLeaderReply(role RoleSource) reply.Reply {
	if hint := role.LeaderHint(); hint != "" {
		return reply.Err("MOVED", hint)
	}
	return reply.Err("NOT_LEADER", "this node is not the leader")
}

func movedReply(role RoleSource) reply.Reply {
	if hint := role.LeaderHint(); hint != "" {
		return reply.Err("MOVED", hint)
	}
	return reply.Err("UNAVAILABLE", "no known leader")
}

func resolved(r reply.Reply) <-chan apply.Result { return resolved2(r, nil) }

func resolved2(r reply.Reply, err error) <-chan apply.Result {
	ch := make(chan apply.Result, 1)
	ch <- apply.Result{Reply: r, Err: err}
	close(ch)
	return ch
}

// nowFunc is overridden in tests to control lease-validity checks
// deterministically.
var nowFunc = time.Now
