// Package storage adapts a raw sorted byte-store to the capabilities
// the state machine and journal need (spec §4.B): point get, ordered
// seek iteration, atomic write batches, optimistic transactions with
// get-for-update, point-in-time snapshots, and full checkpoints.
//
// The underlying engine is go.etcd.io/bbolt, the same embedded store the
// teacher uses for its cluster-state persistence (pkg/storage/boltdb.go),
// fused with the big-endian ordered-key technique used in the coname
// raftlog reference for the journal's own entries (see internal/raft/journal).
package storage

import (
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
)

// bucketKV is the single bucket everything lives in; sort order across
// the whole key-space is what makes prefix scans / "Seek" semantics work,
// so fields are not split across buckets by type the way the teacher's
// per-resource buckets are.
var bucketKV = []byte("kv")

const formatVersion = "0"

// Engine owns the on-disk store for one shard's state machine.
type Engine struct {
	db       *bolt.DB
	bulkload bool
}

// Open opens (creating if absent) the engine at path. bulkload sets
// bbolt's NoSync/NoGrowSync, so commits are not fsynced. Reads stay
// enabled in bulkload mode: neither the engine nor any caller in this
// repository refuses them.
func Open(path string, bulkload bool) (*Engine, error) {
	opts := &bolt.Options{
		NoSync:     bulkload,
		NoGrowSync: bulkload,
	}
	db, err := bolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	e := &Engine{db: db, bulkload: bulkload}
	if err := e.init(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init() error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketKV)
		if err != nil {
			return fmt.Errorf("storage: create bucket: %w", err)
		}
		existing := b.Get(formatKey())
		if existing == nil {
			return b.Put(formatKey(), []byte(formatVersion))
		}
		if string(existing) != formatVersion {
			return fmt.Errorf("storage: unknown on-disk format %q (expected %q)", existing, formatVersion)
		}
		return nil
	})
}

func formatKey() []byte { return []byte("_\x00format") }

// Close flushes and closes the underlying store.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Bulkload reports whether bulkload mode (no WAL sync) is active. Reads
// are not disabled in this mode.
func (e *Engine) Bulkload() bool { return e.bulkload }

// Snapshot acquires a read-only, point-in-time view of the store.
func (e *Engine) Snapshot() (*Snapshot, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("storage: begin snapshot: %w", err)
	}
	return &Snapshot{tx: tx, bucket: tx.Bucket(bucketKV)}, nil
}

// Begin acquires a read-write transaction supporting get_for_update —
// since bbolt write transactions are already exclusive, a plain read
// inside the open Tx satisfies that contract.
func (e *Engine) Begin() (*Txn, error) {
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("storage: begin txn: %w", err)
	}
	return &Txn{tx: tx, bucket: tx.Bucket(bucketKV)}, nil
}

// Checkpoint writes a self-contained, consistent copy of the whole store
// to w (spec §4.B "full checkpoint producing a self-contained on-disk
// copy").
func (e *Engine) Checkpoint(w io.Writer) error {
	return e.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// CheckpointFile writes a checkpoint directly to a path using bbolt's
// native file copy, which is cheaper than streaming through a Writer.
func (e *Engine) CheckpointFile(path string) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// Snapshot is a read-only, point-in-time view.
type Snapshot struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

// Get returns the value at key, or nil if absent. The returned slice is
// only valid until Close.
func (s *Snapshot) Get(key []byte) []byte {
	return s.bucket.Get(key)
}

// Iterator returns a cursor-backed iterator over keys with the given
// prefix.
func (s *Snapshot) Iterator(prefix []byte) *Iterator {
	return newIterator(s.bucket.Cursor(), prefix, prefix)
}

// IteratorFrom returns an iterator validity-scoped to prefix but
// positioned starting at from (from must be >= prefix), used to resume a
// scan cursor mid-prefix.
func (s *Snapshot) IteratorFrom(prefix, from []byte) *Iterator {
	return newIterator(s.bucket.Cursor(), prefix, from)
}

// Close releases the snapshot. Snapshots are always rolled back, never
// committed.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Txn is a read-write transaction. All writes within a Txn are applied to
// the store atomically on Commit.
type Txn struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

// Get performs a "get_for_update": a read inside the already-exclusive
// write transaction, guaranteeing no concurrent writer can have changed
// the value between this read and the eventual Commit.
func (t *Txn) Get(key []byte) []byte {
	return t.bucket.Get(key)
}

// GetFromBatchAndDB is an alias for Get: within a single bbolt write Tx,
// prior Puts in the same Txn are already visible to subsequent Gets, so
// no separate batch-overlay is needed to satisfy the staging area's
// "uncommitted writes visible within the same staging" requirement.
func (t *Txn) GetFromBatchAndDB(key []byte) []byte {
	return t.Get(key)
}

// Put stages a write.
func (t *Txn) Put(key, value []byte) error {
	return t.bucket.Put(key, value)
}

// Delete stages a deletion.
func (t *Txn) Delete(key []byte) error {
	return t.bucket.Delete(key)
}

// Iterator returns a cursor-backed iterator visible to this Txn's own
// uncommitted writes (bbolt cursors over a write Tx see staged changes).
func (t *Txn) Iterator(prefix []byte) *Iterator {
	return newIterator(t.bucket.Cursor(), prefix, prefix)
}

// IteratorFrom resumes a prefix-scoped iterator at an arbitrary key.
func (t *Txn) IteratorFrom(prefix, from []byte) *Iterator {
	return newIterator(t.bucket.Cursor(), prefix, from)
}

// Commit applies all staged writes atomically.
func (t *Txn) Commit() error {
	return t.tx.Commit()
}

// Rollback discards all staged writes.
func (t *Txn) Rollback() error {
	return t.tx.Rollback()
}

// Iterator is a prefix-scoped forward cursor, the "seek(prefix)"/"valid"
// capability spec §4.B requires of the underlying engine.
type Iterator struct {
	cursor *bolt.Cursor
	prefix []byte
	key    []byte
	value  []byte
	valid  bool
}

func newIterator(c *bolt.Cursor, prefix, from []byte) *Iterator {
	it := &Iterator{cursor: c, prefix: prefix}
	it.key, it.value = c.Seek(from)
	it.checkValid()
	return it
}

func (it *Iterator) checkValid() {
	it.valid = it.key != nil && hasPrefix(it.key, it.prefix)
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Valid reports whether the iterator is positioned on a key still
// matching its prefix.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key. Only valid while Valid() is true.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Next advances the iterator.
func (it *Iterator) Next() {
	it.key, it.value = it.cursor.Next()
	it.checkValid()
}
