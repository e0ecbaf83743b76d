package replicate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quarkdb/quarkdb/internal/raft/commit"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/raft/lease"
	"github.com/quarkdb/quarkdb/internal/statemachine"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	results map[string]AppendEntriesResult
	calls   []string
	err     error
}

func (f *fakeTransport) AppendEntries(ctx context.Context, peer string, term uint64, prevIndex, prevTerm uint64, entries []journal.Entry, leaderCommit uint64) (AppendEntriesResult, error) {
	f.calls = append(f.calls, peer)
	if f.err != nil {
		return AppendEntriesResult{}, f.err
	}
	return f.results[peer], nil
}

type fakeResilverer struct {
	sent []string
}

func (f *fakeResilverer) Send(ctx context.Context, peer string) error {
	f.sent = append(f.sent, peer)
	return nil
}

type fakeStateObserver struct {
	observedTerm uint64
}

func (f *fakeStateObserver) ObserveTerm(term uint64) (bool, error) {
	f.observedTerm = term
	return true, nil
}

func newTestJournal(t *testing.T, term uint64, numEntries int, members []string) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), "cluster-a")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	require.NoError(t, j.SetCurrentTerm(term))
	require.NoError(t, j.SetMembership(members))
	for i := 0; i < numEntries; i++ {
		require.NoError(t, j.Append(uint64(i), journal.Entry{
			Term:    term,
			Request: statemachine.Request{Name: "SET", Args: [][]byte{[]byte("k"), []byte("v")}},
		}))
	}
	return j
}

func TestReplicateOnceAdvancesNextIndexOnSuccess(t *testing.T) {
	j := newTestJournal(t, 1, 3, []string{"self", "peer-a"})
	c := commit.New(j, "self")
	l := lease.New(0, 0)

	transport := &fakeTransport{results: map[string]AppendEntriesResult{
		"peer-a": {Term: 1, Success: true},
	}}

	w := New("peer-a", 1, j, c, l, nil, transport, nil)
	require.Equal(t, uint64(3), w.NextIndex())

	caughtUp, err := w.replicateOnce(context.Background())
	require.NoError(t, err)
	require.True(t, caughtUp)
	require.Equal(t, uint64(3), w.NextIndex())
	require.Equal(t, uint64(2), c.MatchIndex("peer-a"))
}

func TestReplicateOnceBacksOffNextIndexOnMismatch(t *testing.T) {
	j := newTestJournal(t, 1, 3, []string{"self", "peer-a"})
	c := commit.New(j, "self")

	transport := &fakeTransport{results: map[string]AppendEntriesResult{
		"peer-a": {Term: 1, Success: false},
	}}

	w := New("peer-a", 1, j, c, nil, nil, transport, nil)
	require.Equal(t, uint64(3), w.NextIndex())

	caughtUp, err := w.replicateOnce(context.Background())
	require.NoError(t, err)
	require.False(t, caughtUp)
	require.Equal(t, uint64(2), w.NextIndex())
}

func TestReplicateOnceStepsDownOnHigherTerm(t *testing.T) {
	j := newTestJournal(t, 1, 1, []string{"self", "peer-a"})
	observer := &fakeStateObserver{}

	transport := &fakeTransport{results: map[string]AppendEntriesResult{
		"peer-a": {Term: 5, Success: false},
	}}

	w := New("peer-a", 1, j, nil, nil, observer, transport, nil)
	_, err := w.replicateOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), observer.observedTerm)
}

func TestReplicateOnceTriggersResilverWhenBelowLogStart(t *testing.T) {
	j := newTestJournal(t, 1, 5, []string{"self", "peer-a"})
	require.NoError(t, j.SetCommitIndex(4))
	require.NoError(t, j.TrimUntil(3, 4))

	resilverer := &fakeResilverer{}
	transport := &fakeTransport{}

	w := New("peer-a", 1, j, nil, nil, nil, transport, resilverer)
	w.nextIndex = 1

	caughtUp, err := w.replicateOnce(context.Background())
	require.NoError(t, err)
	require.True(t, caughtUp)
	require.Equal(t, []string{"peer-a"}, resilverer.sent)
	require.Empty(t, transport.calls)
	require.Equal(t, j.LogSize(), w.NextIndex())
}
