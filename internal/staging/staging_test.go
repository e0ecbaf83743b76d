package staging

import (
	"path/filepath"
	"testing"

	"github.com/quarkdb/quarkdb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.Open(filepath.Join(t.TempDir(), "engine.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestReadOnlyAreaRejectsWrites(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadOnly(e)
	require.NoError(t, err)
	defer a.Close()

	assert.ErrorIs(t, a.Put([]byte("k"), []byte("v")), ErrReadOnly)
	assert.ErrorIs(t, a.Delete([]byte("k")), ErrReadOnly)
}

func TestReadWriteAreaCommitAdvancesLastApplied(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadWrite(e)
	require.NoError(t, err)
	require.NoError(t, a.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, a.Commit(1))

	a2, err := OpenReadOnly(e)
	require.NoError(t, err)
	defer a2.Close()
	assert.Equal(t, uint64(1), a2.LastApplied())
	assert.Equal(t, []byte("v1"), a2.Get([]byte("k1")))
}

func TestCommitRejectsOutOfOrderIndex(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadWrite(e)
	require.NoError(t, err)
	require.NoError(t, a.Commit(1))

	a2, err := OpenReadWrite(e)
	require.NoError(t, err)
	err = a2.Commit(3)
	assert.ErrorIs(t, err, ErrIndexOutOfOrder)
}

func TestCommitWithZeroIndexDoesNotAdvanceLastApplied(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadWrite(e)
	require.NoError(t, err)
	require.NoError(t, a.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, a.Commit(1))

	a2, err := OpenReadWrite(e)
	require.NoError(t, err)
	require.NoError(t, a2.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, a2.Commit(0))

	a3, err := OpenReadOnly(e)
	require.NoError(t, err)
	defer a3.Close()
	assert.Equal(t, uint64(1), a3.LastApplied())
	assert.Equal(t, []byte("v2"), a3.Get([]byte("k2")))
}

func TestAreaGetSeesOwnUncommittedWrite(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadWrite(e)
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Put([]byte("k1"), []byte("v1")))
	assert.Equal(t, []byte("v1"), a.Get([]byte("k1")))
}

func TestCloseAfterCommitIsNoop(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadWrite(e)
	require.NoError(t, err)
	require.NoError(t, a.Commit(1))
	assert.NoError(t, a.Close())
}

func TestIteratorAndIteratorFrom(t *testing.T) {
	e := openEngine(t)

	a, err := OpenReadWrite(e)
	require.NoError(t, err)
	for _, k := range []string{"a#1", "a#2", "a#3"} {
		require.NoError(t, a.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, a.Commit(1))

	ro, err := OpenReadOnly(e)
	require.NoError(t, err)
	defer ro.Close()

	it := ro.Iterator([]byte("a#"))
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		it.Next()
	}
	assert.Equal(t, []string{"a#1", "a#2", "a#3"}, got)

	it2 := ro.IteratorFrom([]byte("a#"), []byte("a#2"))
	got = nil
	for it2.Valid() {
		got = append(got, string(it2.Key()))
		it2.Next()
	}
	assert.Equal(t, []string{"a#2", "a#3"}, got)
}
