// Package staging implements the staging area (spec §4.C): a batch of
// reads and writes that commits atomically at a specific LogIndex,
// maintaining the __last-applied invariant in the same atomic write.
package staging

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quarkdb/quarkdb/internal/keys"
	"github.com/quarkdb/quarkdb/internal/storage"
)

// ErrReadOnly is returned by Put/Delete on a read-only staging area.
var ErrReadOnly = errors.New("staging: write attempted on read-only staging area")

// ErrIndexOutOfOrder is returned by Commit when index != last_applied+1.
var ErrIndexOutOfOrder = errors.New("staging: commit index out of order")

var lastAppliedKey = keys.EncodeInternal("__last-applied")

// Area is a single unit of work: either a read-only snapshot or a
// read-write batch with get_for_update semantics.
type Area struct {
	engine   *storage.Engine
	snapshot *storage.Snapshot
	txn      *storage.Txn
	readOnly bool
	done     bool
}

// OpenReadOnly acquires a point-in-time snapshot. Writes fail with
// ErrReadOnly.
func OpenReadOnly(e *storage.Engine) (*Area, error) {
	snap, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	return &Area{engine: e, snapshot: snap, readOnly: true}, nil
}

// OpenReadWrite acquires a write lock on the state machine: an indexed
// write batch whose own uncommitted writes are visible to subsequent
// reads within the same staging area.
func OpenReadWrite(e *storage.Engine) (*Area, error) {
	txn, err := e.Begin()
	if err != nil {
		return nil, err
	}
	return &Area{engine: e, txn: txn, readOnly: false}, nil
}

// Get reads a key, seeing this area's own uncommitted writes when in
// read-write mode.
func (a *Area) Get(key []byte) []byte {
	if a.readOnly {
		return a.snapshot.Get(key)
	}
	return a.txn.GetFromBatchAndDB(key)
}

// Iterator returns a prefix-scoped forward iterator.
func (a *Area) Iterator(prefix []byte) *storage.Iterator {
	if a.readOnly {
		return a.snapshot.Iterator(prefix)
	}
	return a.txn.Iterator(prefix)
}

// IteratorFrom resumes a prefix-scoped iterator at an arbitrary key, used
// to continue a SCAN/HSCAN/SSCAN cursor.
func (a *Area) IteratorFrom(prefix, from []byte) *storage.Iterator {
	if a.readOnly {
		return a.snapshot.IteratorFrom(prefix, from)
	}
	return a.txn.IteratorFrom(prefix, from)
}

// Put stages a write. Only valid in read-write mode.
func (a *Area) Put(key, value []byte) error {
	if a.readOnly {
		return ErrReadOnly
	}
	return a.txn.Put(key, value)
}

// Delete stages a deletion. Only valid in read-write mode.
func (a *Area) Delete(key []byte) error {
	if a.readOnly {
		return ErrReadOnly
	}
	return a.txn.Delete(key)
}

// LastApplied reads the current __last-applied value visible to this
// area (including any not-yet-committed write within it).
func (a *Area) LastApplied() uint64 {
	v := a.Get(lastAppliedKey)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Commit finalizes a read-write area at the given LogIndex. index == 0 is
// the "no user entry applied" marker used by no-op records and
// non-journal bulkload writes: it performs the write batch but does not
// advance __last-applied. Any other index must equal last_applied+1.
func (a *Area) Commit(index uint64) error {
	if a.readOnly {
		return fmt.Errorf("staging: cannot commit a read-only area")
	}
	if a.done {
		return fmt.Errorf("staging: area already finalized")
	}
	a.done = true

	if index != 0 {
		current := a.LastApplied()
		if index != current+1 {
			a.txn.Rollback()
			return fmt.Errorf("%w: got %d, expected %d", ErrIndexOutOfOrder, index, current+1)
		}
		var be [8]byte
		binary.BigEndian.PutUint64(be[:], index)
		if err := a.txn.Put(lastAppliedKey, be[:]); err != nil {
			a.txn.Rollback()
			return err
		}
	}
	return a.txn.Commit()
}

// Close releases the area without committing. Safe to call after Commit
// (no-op), and required for read-only areas once done.
func (a *Area) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	if a.readOnly {
		return a.snapshot.Close()
	}
	return a.txn.Rollback()
}
