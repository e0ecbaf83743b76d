package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/stretchr/testify/require"
)

type fakeVoteHandler struct {
	term    uint64
	granted bool
}

func (f *fakeVoteHandler) HandleRequestVote(term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) (uint64, bool) {
	return f.term, f.granted
}

type fakeEntriesHandler struct {
	gotPrevIndex uint64
	term         uint64
	success      bool
	err          error
}

func (f *fakeEntriesHandler) HandleAppendEntries(leaderTerm uint64, leaderID string, prevIndex, prevTerm uint64, entries []journal.Entry, leaderCommit uint64) (uint64, bool, error) {
	f.gotPrevIndex = prevIndex
	return f.term, f.success, f.err
}

type fakeResilveringHandler struct {
	started  []string
	copied   []string
	finished []string
}

func (f *fakeResilveringHandler) Start(id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeResilveringHandler) Copy(id, relPath string, data []byte) error {
	f.copied = append(f.copied, relPath)
	return nil
}

func (f *fakeResilveringHandler) Finish(id string) error {
	f.finished = append(f.finished, id)
	return nil
}

func (f *fakeResilveringHandler) Cancel(id string) error {
	return nil
}

func startTestServer(t *testing.T, votes VoteHandler, entries EntriesHandler, resilvering ResilveringHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(votes, entries, resilvering, nil)
	go srv.Serve(addr)
	t.Cleanup(func() { srv.Stop() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return addr
}

func TestClientServerRequestVoteRoundTrip(t *testing.T) {
	addr := startTestServer(t, &fakeVoteHandler{term: 3, granted: true}, nil, nil)

	client := NewClient(nil)
	defer client.Close()

	term, granted, err := client.RequestVote(context.Background(), addr, 3, "candidate-1", 0, 0)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, uint64(3), term)
}

func TestClientServerAppendEntriesRoundTrip(t *testing.T) {
	handler := &fakeEntriesHandler{term: 5, success: true}
	addr := startTestServer(t, nil, handler, nil)

	client := NewClient(nil)
	defer client.Close()

	result, err := client.AppendEntries(context.Background(), addr, 5, 2, 1, []journal.Entry{{Term: 5}}, 2)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, uint64(5), result.Term)
	require.Equal(t, uint64(2), handler.gotPrevIndex)
}

func TestClientServerResilveringRoundTrip(t *testing.T) {
	handler := &fakeResilveringHandler{}
	addr := startTestServer(t, nil, nil, handler)

	client := NewClient(nil)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.ResilveringStart(ctx, addr, "transfer-1"))
	require.NoError(t, client.ResilveringCopy(ctx, addr, "transfer-1", "state-machine/quarkdb.db", []byte("data")))
	require.NoError(t, client.ResilveringFinish(ctx, addr, "transfer-1"))

	require.Equal(t, []string{"transfer-1"}, handler.started)
	require.Equal(t, []string{"state-machine/quarkdb.db"}, handler.copied)
	require.Equal(t, []string{"transfer-1"}, handler.finished)
}

func TestClientReturnsErrorWhenNoHandlerAttached(t *testing.T) {
	addr := startTestServer(t, nil, nil, nil)

	client := NewClient(nil)
	defer client.Close()

	_, err := client.AppendEntries(context.Background(), addr, 1, 0, 0, nil, 0)
	require.Error(t, err)
}
