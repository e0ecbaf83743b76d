package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarkdb/quarkdb/internal/auth"
	"github.com/quarkdb/quarkdb/internal/raft/apply"
	"github.com/quarkdb/quarkdb/internal/raft/commit"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/raft/lease"
	"github.com/quarkdb/quarkdb/internal/raft/state"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/resp"
	"github.com/quarkdb/quarkdb/internal/statemachine"
	"github.com/quarkdb/quarkdb/internal/storage"
	"github.com/stretchr/testify/require"
)

type fakeRole struct {
	role state.Role
	term uint64
	hint string
}

func (f *fakeRole) Role() state.Role   { return f.role }
func (f *fakeRole) Term() uint64       { return f.term }
func (f *fakeRole) LeaderHint() string { return f.hint }

func newHarness(t *testing.T, role state.Role) (*Dispatcher, *apply.Tracker) {
	t.Helper()
	engine, err := storage.Open(filepath.Join(t.TempDir(), "quarkdb.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), "cluster-a")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	require.NoError(t, j.SetCurrentTerm(1))
	require.NoError(t, j.SetMembership([]string{"self"}))

	sm := statemachine.New(engine, nil)
	tracker, err := apply.New(sm, j)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tracker.Run(runCtx)

	commitTracker := commit.New(j, "self")

	fr := &fakeRole{role: role, term: 1}
	d := New(sm, tracker, commitTracker, fr, lease.New(100*time.Millisecond, 10*time.Millisecond), auth.NewGate(""), nil, true)
	return d, tracker
}

func sendAndRead(t *testing.T, d *Dispatcher, request string) string {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { client.Close() })

	go d.Serve(ctx, server)

	_, err := client.Write([]byte(request))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	var buf bytes.Buffer
	deadline := time.Now().Add(2 * time.Second)
	client.SetReadDeadline(deadline)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	buf.WriteString(line)

	// bulk/array replies carry a payload line beyond the header; read it
	// too when present so callers can assert on the full reply.
	if len(line) > 0 && (line[0] == '$' || line[0] == '*') {
		if line[0] == '$' && line != "$-1\r\n" {
			payload, err := r.ReadString('\n')
			require.NoError(t, err)
			buf.WriteString(payload)
		}
	}
	return buf.String()
}

func TestClassifyCommandKnownNames(t *testing.T) {
	typ, ok := ClassifyCommand("GET")
	require.True(t, ok)
	require.Equal(t, TypeRead, typ)

	typ, ok = ClassifyCommand("SET")
	require.True(t, ok)
	require.Equal(t, TypeWrite, typ)

	typ, ok = ClassifyCommand("AUTH")
	require.True(t, ok)
	require.Equal(t, TypeControl, typ)

	_, ok = ClassifyCommand("NOPE")
	require.False(t, ok)
}

func TestPingIsAnsweredWithoutAuth(t *testing.T) {
	d, _ := newHarness(t, state.Leader)
	d.gate = auth.NewGate("secret")

	got := sendAndRead(t, d, "*1\r\n$4\r\nPING\r\n")
	require.Equal(t, "+PONG\r\n", got)
}

func TestWriteRejectedWithoutAuthWhenRequired(t *testing.T) {
	d, _ := newHarness(t, state.Leader)
	d.gate = auth.NewGate("secret")

	got := sendAndRead(t, d, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	require.Equal(t, "-NOAUTH authentication required\r\n", got)
}

func TestSetThenGetRoundTrip(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	got := sendAndRead(t, d, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	require.Equal(t, "+OK\r\n", got)

	got = sendAndRead(t, d, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	require.Equal(t, "$1\r\nv\r\n", got)
}

// TestPipelinedWriteThenReadSeesOwnWrite exercises the ordering path in
// handleRead: a GET pipelined right behind a SET on the same connection
// must wait for that SET to apply before running, even though both are
// sent before either reply arrives.
func TestPipelinedWriteThenReadSeesOwnWrite(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { client.Close() })
	go d.Serve(ctx, server)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)

	r := bufio.NewReader(client)
	setReply, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", setReply)

	getHeader, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "$1\r\n", getHeader)
	getBody, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "v\r\n", getBody)
}

func TestFollowerRejectsWriteWithoutStandalone(t *testing.T) {
	d, _ := newHarness(t, state.Follower)
	d.standalone = false

	got := sendAndRead(t, d, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	require.Equal(t, "-NOT_LEADER this node is not the leader\r\n", got)
}

func TestFollowerRedirectsWithMovedWhenHintKnown(t *testing.T) {
	d, _ := newHarness(t, state.Follower)
	d.standalone = false
	d.role.(*fakeRole).hint = "10.0.0.1:6380"

	got := sendAndRead(t, d, "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
	require.Equal(t, "-MOVED 10.0.0.1:6380\r\n", got)
}

func TestRaftMembershipAppliesAndClearsInFlightFlag(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	got := sendAndRead(t, d, "*3\r\n$15\r\nRAFT_MEMBERSHIP\r\n$4\r\nself\r\n$4\r\npeer\r\n")
	require.Equal(t, "+OK\r\n", got)

	require.Equal(t, int32(0), d.membershipInFlight)
}

func TestUnknownCommandReturnsErr(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	got := sendAndRead(t, d, "*1\r\n$4\r\nNOPE\r\n")
	require.Equal(t, "-ERR unknown command 'NOPE'\r\n", got)
}

// encodeCommand serializes args as one RESP command request, the same
// shape resp.ReadCommand expects.
func encodeCommand(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, resp.WriteCommand(&buf, args...))
	return buf.String()
}

// sendAndReadReply is like sendAndRead but parses the full reply
// (including nested arrays), needed to assert on TX_* results.
func sendAndReadReply(t *testing.T, d *Dispatcher, request string) reply.Reply {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { client.Close() })
	go d.Serve(ctx, server)

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte(request))
	require.NoError(t, err)

	r, err := resp.ReadReply(bufio.NewReader(client))
	require.NoError(t, err)
	return r
}

// TestLeaseAcquireBindsDispatcherClock exercises the fix for clients
// never being able to reach cmdLeaseAcquire with a bound clock value:
// a client sends the plain 3-arg form and the dispatcher appends its own
// reading of __clock before proposing.
func TestLeaseAcquireBindsDispatcherClock(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	got := sendAndRead(t, d, encodeCommand(t, "LEASE_ACQUIRE", "lk", "holder1", "100"))
	require.Equal(t, "+ACQUIRED\r\n", got)
}

// TestLeaseAcquireRejectsClientSuppliedClock guards against a client
// forging its own lease timestamp by sending the already-timestamped,
// internal-only 4-arg form directly (spec §6.5).
func TestLeaseAcquireRejectsClientSuppliedClock(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	got := sendAndRead(t, d, encodeCommand(t, "LEASE_ACQUIRE", "lk", "holder1", "100", "12345"))
	require.Equal(t, "-ERR wrong number of arguments for 'LEASE_ACQUIRE'\r\n", got)
}

// TestJournalLeadershipMarkerNotClientReachable guards the leader-only
// election marker: it must never be reachable as a raw client command
// (spec §6.5), only via internal/raft/director's direct Propose call.
func TestJournalLeadershipMarkerNotClientReachable(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	got := sendAndRead(t, d, encodeCommand(t, "JOURNAL_LEADERSHIP_MARKER", "7", "42"))
	require.Equal(t, "-ERR unknown command 'JOURNAL_LEADERSHIP_MARKER'\r\n", got)
}

// TestTxReadWriteExecutesSubCommands exercises the dispatcher parsing a
// real client-issued TX_READWRITE payload into sub-requests end to end,
// rather than only via a hand-built statemachine.Request in a test.
func TestTxReadWriteExecutesSubCommands(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	var payload bytes.Buffer
	require.NoError(t, resp.WriteCommand(&payload, "SET", "k1", "v1"))
	require.NoError(t, resp.WriteCommand(&payload, "SET", "k2", "v2"))

	got := sendAndReadReply(t, d, encodeCommand(t, "TX_READWRITE", payload.String(), "real"))
	require.Equal(t, reply.Array(reply.OK(), reply.OK()), got)

	got = sendAndReadReply(t, d, encodeCommand(t, "GET", "k1"))
	require.Equal(t, reply.Bulk([]byte("v1")), got)
}

// TestTxReadWriteRejectsSmuggledLeadershipMarker guards the TX payload
// parsing path with the same pipeline-boundary filter as top-level
// commands: a client cannot smuggle the leader-only marker in as a
// sub-command either.
func TestTxReadWriteRejectsSmuggledLeadershipMarker(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	var payload bytes.Buffer
	require.NoError(t, resp.WriteCommand(&payload, "JOURNAL_LEADERSHIP_MARKER", "9", "1"))

	got := sendAndReadReply(t, d, encodeCommand(t, "TX_READWRITE", payload.String(), "real"))
	require.True(t, got.IsError())
}

// TestTxReadWriteRejectsSmuggledForgedLeaseTimestamp guards against a
// client embedding an already-timestamped LEASE_ACQUIRE as a TX
// sub-command to bypass the dispatcher's own clock binding.
func TestTxReadWriteRejectsSmuggledForgedLeaseTimestamp(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	var payload bytes.Buffer
	require.NoError(t, resp.WriteCommand(&payload, "LEASE_ACQUIRE", "lk", "holder1", "100", "99999"))

	got := sendAndReadReply(t, d, encodeCommand(t, "TX_READWRITE", payload.String(), "real"))
	require.True(t, got.IsError())
}

// TestTxReadWriteRejectsNestedTransaction guards against nested
// transactions smuggled in through a TX payload.
func TestTxReadWriteRejectsNestedTransaction(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	var inner bytes.Buffer
	require.NoError(t, resp.WriteCommand(&inner, "SET", "k", "v"))

	var payload bytes.Buffer
	require.NoError(t, resp.WriteCommand(&payload, "TX_READWRITE", inner.String(), "real"))

	got := sendAndReadReply(t, d, encodeCommand(t, "TX_READWRITE", payload.String(), "real"))
	require.True(t, got.IsError())
}

// TestTxReadWriteRejectsBadFlag guards the phantom|real flag parsing.
func TestTxReadWriteRejectsBadFlag(t *testing.T) {
	d, _ := newHarness(t, state.Leader)

	var payload bytes.Buffer
	require.NoError(t, resp.WriteCommand(&payload, "SET", "k", "v"))

	got := sendAndReadReply(t, d, encodeCommand(t, "TX_READWRITE", payload.String(), "sideways"))
	require.True(t, got.IsError())
}
