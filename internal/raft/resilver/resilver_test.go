package resilver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiverStartCopyFinishSwapsInCurrent(t *testing.T) {
	shardDir := t.TempDir()
	currentDir := filepath.Join(shardDir, "current")
	require.NoError(t, os.MkdirAll(currentDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(currentDir, "stale.db"), []byte("old"), 0o600))

	r := NewReceiver(shardDir)
	id := "transfer-1"
	require.NoError(t, r.Start(id))

	active, ok := r.Active()
	require.True(t, ok)
	require.Equal(t, id, active)

	require.NoError(t, r.Copy(id, "state-machine/quarkdb.db", []byte("snapshot-bytes")))
	require.NoError(t, r.Copy(id, "raft-journal/journal.db", []byte("journal-bytes")))

	require.NoError(t, r.Finish(id))

	_, ok = r.Active()
	require.False(t, ok)

	data, err := os.ReadFile(filepath.Join(currentDir, "state-machine", "quarkdb.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot-bytes"), data)

	data, err = os.ReadFile(filepath.Join(currentDir, "raft-journal", "journal.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("journal-bytes"), data)

	supplanted, err := os.ReadFile(filepath.Join(shardDir, "supplanted", id, "stale.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), supplanted)
}

func TestReceiverRejectsConcurrentStart(t *testing.T) {
	r := NewReceiver(t.TempDir())
	require.NoError(t, r.Start("a"))
	err := r.Start("b")
	require.Error(t, err)
}

func TestReceiverCopyRejectsUnknownTransfer(t *testing.T) {
	r := NewReceiver(t.TempDir())
	require.NoError(t, r.Start("a"))
	err := r.Copy("b", "file", []byte("x"))
	require.Error(t, err)
}

func TestReceiverCancelDiscardsScratch(t *testing.T) {
	shardDir := t.TempDir()
	r := NewReceiver(shardDir)
	id := "transfer-2"
	require.NoError(t, r.Start(id))
	require.NoError(t, r.Copy(id, "state-machine/quarkdb.db", []byte("partial")))

	scratch := filepath.Join(shardDir, "resilvering-arena", id)
	_, err := os.Stat(scratch)
	require.NoError(t, err)

	require.NoError(t, r.Cancel(id))

	_, ok := r.Active()
	require.False(t, ok)
	_, err = os.Stat(scratch)
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(shardDir, "current"))
	require.True(t, os.IsNotExist(err))
}

func TestReceiverFinishWithoutPriorCurrentSucceeds(t *testing.T) {
	shardDir := t.TempDir()
	r := NewReceiver(shardDir)
	id := "transfer-3"
	require.NoError(t, r.Start(id))
	require.NoError(t, r.Copy(id, "state-machine/quarkdb.db", []byte("fresh")))
	require.NoError(t, r.Finish(id))

	data, err := os.ReadFile(filepath.Join(shardDir, "current", "state-machine", "quarkdb.db"))
	require.NoError(t, err)
	require.Equal(t, []byte("fresh"), data)
}

func TestSenderRejectsConcurrentTransferToSamePeer(t *testing.T) {
	s := &Sender{active: map[string]bool{"peer-a": true}}
	require.Error(t, s.Send(context.Background(), "peer-a"))
	require.True(t, s.TrimmingFrozen())
}
