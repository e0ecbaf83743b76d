package journal

import (
	"path/filepath"
	"testing"

	"github.com/quarkdb/quarkdb/internal/statemachine"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), "cluster-a")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendFetchRoundTrip(t *testing.T) {
	j := openTest(t)

	entry := Entry{Term: 1, Request: statemachine.Request{Name: "SET", Args: [][]byte{[]byte("k"), []byte("v")}}}
	require.NoError(t, j.Append(0, entry))

	got, err := j.Fetch(0)
	require.NoError(t, err)
	require.Equal(t, entry.Term, got.Term)
	require.Equal(t, "SET", got.Request.Name)
	require.Equal(t, uint64(1), j.LogSize())
}

func TestAppendRejectsOutOfOrderIndex(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 1}))
	require.Error(t, j.Append(2, Entry{Term: 1}))
}

func TestAppendRejectsTermRegression(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.SetCurrentTerm(5))
	require.Error(t, j.Append(0, Entry{Term: 4}))
}

func TestAppendRejectsTermBelowPreceding(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 3}))
	require.Error(t, j.Append(1, Entry{Term: 2}))
	require.NoError(t, j.Append(1, Entry{Term: 3}))
}

func TestFetchOutOfRange(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 1}))
	_, err := j.Fetch(5)
	require.Error(t, err)
}

func TestRemoveEntriesForbiddenBelowCommitIndex(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 1}))
	require.NoError(t, j.Append(1, Entry{Term: 1}))
	require.NoError(t, j.SetCommitIndex(1))
	require.Error(t, j.RemoveEntries(1))
	require.Error(t, j.RemoveEntries(0))
}

func TestRemoveEntriesTruncatesSuffix(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 1}))
	require.NoError(t, j.Append(1, Entry{Term: 1}))
	require.NoError(t, j.Append(2, Entry{Term: 1}))
	require.NoError(t, j.RemoveEntries(1))
	require.Equal(t, uint64(1), j.LogSize())
	require.NoError(t, j.Append(1, Entry{Term: 2}))
}

func TestSetCommitIndexMonotone(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 1}))
	require.NoError(t, j.Append(1, Entry{Term: 1}))
	require.NoError(t, j.SetCommitIndex(1))
	require.Error(t, j.SetCommitIndex(0))
	require.Error(t, j.SetCommitIndex(5))
}

func TestTrimUntilRespectsLowerBound(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.Append(0, Entry{Term: 1}))
	require.NoError(t, j.Append(1, Entry{Term: 1}))
	require.NoError(t, j.SetCommitIndex(1))

	require.Error(t, j.TrimUntil(1, 0))
	require.NoError(t, j.TrimUntil(1, 1))
	require.Equal(t, uint64(1), j.LogStart())
	_, err := j.Fetch(0)
	require.Error(t, err)
}

func TestClusterIDMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := Open(path, "cluster-a")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = Open(path, "cluster-b")
	require.ErrorIs(t, err, ErrClusterMismatch)
}

func TestSetMembershipSwapsPrevious(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.SetMembership([]string{"a", "b", "c"}))
	require.NoError(t, j.SetMembership([]string{"a", "b", "d"}))

	require.Equal(t, []string{"a", "b", "d"}, j.Members())
	require.Equal(t, []string{"a", "b", "c"}, j.PreviousMembers())
	require.Equal(t, uint64(2), j.MembershipEpoch())
	require.Equal(t, uint64(1), j.PreviousMembershipEpoch())
}

func TestVotedForIsTermScoped(t *testing.T) {
	j := openTest(t)
	require.NoError(t, j.SetVotedFor(3, "peer-1"))

	candidate, ok := j.VotedFor(3)
	require.True(t, ok)
	require.Equal(t, "peer-1", candidate)

	_, ok = j.VotedFor(4)
	require.False(t, ok)
}

func TestReopenPersistsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := Open(path, "cluster-a")
	require.NoError(t, err)
	require.NoError(t, j.Append(0, Entry{Term: 1, Request: statemachine.Request{Name: "SET"}}))
	require.NoError(t, j.SetCurrentTerm(1))
	require.NoError(t, j.SetCommitIndex(0))
	require.NoError(t, j.Close())

	j2, err := Open(path, "cluster-a")
	require.NoError(t, err)
	defer j2.Close()

	require.Equal(t, uint64(1), j2.CurrentTerm())
	require.Equal(t, uint64(0), j2.CommitIndex())
	require.Equal(t, uint64(1), j2.LogSize())
	entry, err := j2.Fetch(0)
	require.NoError(t, err)
	require.Equal(t, "SET", entry.Request.Name)
}
