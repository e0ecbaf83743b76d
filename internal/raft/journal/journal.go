// Package journal implements the persistent, ordered Raft log (spec
// §4.E): entries keyed by their absolute LogIndex, plus the small set of
// persistent fields (currentTerm, votedFor, clusterID, membership) every
// Raft role transition depends on.
//
// Entries live in a dedicated bbolt bucket keyed by
// big-endian(index), the same ordered-key technique internal/storage
// uses for the state machine's own key space and the technique the
// coname raftlog reference store uses for its own log entries. Scalar
// fields live in a second "meta" bucket, each under its own key, so any
// one of them can be updated without rewriting the whole record.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/quarkdb/quarkdb/internal/statemachine"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
)

// meta bucket keys.
var (
	keyCurrentTerm             = []byte("currentTerm")
	keyVotedForTerm            = []byte("votedForTerm")
	keyVotedForCandidate       = []byte("votedForCandidate")
	keyClusterID               = []byte("clusterID")
	keyMembers                 = []byte("members")
	keyMembershipEpoch         = []byte("membershipEpoch")
	keyPreviousMembers         = []byte("previousMembers")
	keyPreviousMembershipEpoch = []byte("previousMembershipEpoch")
	keyLogStart                = []byte("logStart")
	keyCommitIndex             = []byte("commitIndex")
)

// Entry is one record in the Raft log: the term it was proposed in, and
// the request it carries.
type Entry struct {
	Term    uint64
	Request statemachine.Request
}

// Journal is the durable, ordered log of a single shard's Raft group.
type Journal struct {
	db *bolt.DB

	mu          sync.Mutex
	clusterID   string
	currentTerm uint64

	votedForTerm      uint64
	votedForCandidate string
	hasVote           bool

	members                 []string
	membershipEpoch         uint64
	previousMembers         []string
	previousMembershipEpoch uint64

	logStart    uint64
	logSize     uint64
	commitIndex uint64
}

// ErrClusterMismatch is returned by Open when the on-disk clusterID does
// not match the one the caller expects; per spec §4.E this is fatal.
var ErrClusterMismatch = fmt.Errorf("journal: on-disk clusterID does not match configured clusterID")

// Open opens (creating if absent) the journal at path. If the journal
// already has a clusterID recorded, it must equal clusterID; otherwise
// clusterID is recorded as the journal's immutable identity.
func Open(path, clusterID string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{db: db}
	if err := j.load(clusterID); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) load(clusterID string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		entries, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		if existing := meta.Get(keyClusterID); existing != nil {
			if string(existing) != clusterID {
				return fmt.Errorf("%w: on-disk %q, configured %q", ErrClusterMismatch, existing, clusterID)
			}
		} else if err := meta.Put(keyClusterID, []byte(clusterID)); err != nil {
			return err
		}
		j.clusterID = clusterID

		j.currentTerm = getUint64(meta, keyCurrentTerm, 0)
		j.logStart = getUint64(meta, keyLogStart, 0)
		j.commitIndex = getUint64(meta, keyCommitIndex, 0)
		j.membershipEpoch = getUint64(meta, keyMembershipEpoch, 0)
		j.previousMembershipEpoch = getUint64(meta, keyPreviousMembershipEpoch, 0)

		if vf := meta.Get(keyVotedForTerm); vf != nil {
			j.votedForTerm = binary.BigEndian.Uint64(vf)
			j.votedForCandidate = string(meta.Get(keyVotedForCandidate))
			j.hasVote = true
		}
		if raw := meta.Get(keyMembers); raw != nil {
			if err := gobDecode(raw, &j.members); err != nil {
				return fmt.Errorf("journal: decode members: %w", err)
			}
		}
		if raw := meta.Get(keyPreviousMembers); raw != nil {
			if err := gobDecode(raw, &j.previousMembers); err != nil {
				return fmt.Errorf("journal: decode previousMembers: %w", err)
			}
		}

		c := entries.Cursor()
		if k, _ := c.Last(); k != nil {
			j.logSize = binary.BigEndian.Uint64(k) + 1
		} else {
			j.logSize = j.logStart
		}
		return nil
	})
}

func getUint64(b *bolt.Bucket, key []byte, def uint64) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return def
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], v)
	return b.Put(key, be[:])
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func indexKey(index uint64) []byte {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], index)
	return be[:]
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// CheckpointFile writes a self-contained, consistent copy of the whole
// journal to path, used by the resilverer (spec §4.L step 2) to build
// the snapshot it ships to a lagging peer.
func (j *Journal) CheckpointFile(path string) error {
	return j.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// ClusterID returns the immutable cluster identity this journal was
// opened with.
func (j *Journal) ClusterID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clusterID
}

// CurrentTerm returns the current term.
func (j *Journal) CurrentTerm() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentTerm
}

// SetCurrentTerm persists a new current term. Advancing the term clears
// any vote recorded for a prior term (votedFor is term-scoped).
func (j *Journal) SetCurrentTerm(term uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if term < j.currentTerm {
		return fmt.Errorf("journal: refusing to move currentTerm backwards (%d -> %d)", j.currentTerm, term)
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		return putUint64(meta, keyCurrentTerm, term)
	})
	if err != nil {
		return err
	}
	j.currentTerm = term
	return nil
}

// VotedFor reports the candidate this node voted for in the given term,
// if any.
func (j *Journal) VotedFor(term uint64) (candidate string, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.hasVote || j.votedForTerm != term {
		return "", false
	}
	return j.votedForCandidate, true
}

// SetVotedFor records a vote cast in term for candidate.
func (j *Journal) SetVotedFor(term uint64, candidate string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := putUint64(meta, keyVotedForTerm, term); err != nil {
			return err
		}
		return meta.Put(keyVotedForCandidate, []byte(candidate))
	})
	if err != nil {
		return err
	}
	j.votedForTerm = term
	j.votedForCandidate = candidate
	j.hasVote = true
	return nil
}

// Members returns the current membership set.
func (j *Journal) Members() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.members...)
}

// MembershipEpoch returns the epoch of the current membership set.
func (j *Journal) MembershipEpoch() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.membershipEpoch
}

// PreviousMembers returns the membership set active before the last
// membership change.
func (j *Journal) PreviousMembers() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.previousMembers...)
}

// PreviousMembershipEpoch returns the epoch of the previous membership set.
func (j *Journal) PreviousMembershipEpoch() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.previousMembershipEpoch
}

// SetMembership atomically swaps the current membership set to
// newMembers, per the §4.J single-step membership-change protocol: the
// old set becomes previousMembers (with its epoch carried along) and the
// new set becomes members under a freshly incremented epoch.
func (j *Journal) SetMembership(newMembers []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	membersEnc, err := gobEncode(newMembers)
	if err != nil {
		return err
	}
	prevEnc, err := gobEncode(j.members)
	if err != nil {
		return err
	}
	nextEpoch := j.membershipEpoch + 1

	err = j.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyPreviousMembers, prevEnc); err != nil {
			return err
		}
		if err := putUint64(meta, keyPreviousMembershipEpoch, j.membershipEpoch); err != nil {
			return err
		}
		if err := meta.Put(keyMembers, membersEnc); err != nil {
			return err
		}
		return putUint64(meta, keyMembershipEpoch, nextEpoch)
	})
	if err != nil {
		return err
	}
	j.previousMembers = j.members
	j.previousMembershipEpoch = j.membershipEpoch
	j.members = append([]string(nil), newMembers...)
	j.membershipEpoch = nextEpoch
	return nil
}

// LogStart returns the index of the oldest retained entry.
func (j *Journal) LogStart() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logStart
}

// LogSize returns one past the index of the newest entry (the index the
// next Append must target).
func (j *Journal) LogSize() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.logSize
}

// CommitIndex returns the highest index known to be committed.
func (j *Journal) CommitIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitIndex
}

// lastTermLocked returns the term of the newest entry, or 0 if the log is
// empty. Caller must hold j.mu.
func (j *Journal) lastTermLocked(tx *bolt.Tx) (uint64, error) {
	if j.logSize == j.logStart {
		return 0, nil
	}
	e, err := j.fetchLocked(tx, j.logSize-1)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// Append adds entry at index, per spec §4.E: succeeds iff index ==
// logSize, entry.Term >= currentTerm, and (for index > logStart) the
// preceding entry's term is <= entry.Term.
func (j *Journal) Append(index uint64, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if index != j.logSize {
		return fmt.Errorf("journal: append at %d, expected %d", index, j.logSize)
	}
	if entry.Term < j.currentTerm {
		return fmt.Errorf("journal: append term %d below currentTerm %d", entry.Term, j.currentTerm)
	}

	enc, err := gobEncode(entry)
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		if index > j.logStart {
			prevTerm, err := j.lastTermLocked(tx)
			if err != nil {
				return err
			}
			if prevTerm > entry.Term {
				return fmt.Errorf("journal: append term %d regresses below preceding entry's term %d", entry.Term, prevTerm)
			}
		}
		entries := tx.Bucket(bucketEntries)
		return entries.Put(indexKey(index), enc)
	})
	if err != nil {
		return err
	}
	j.logSize = index + 1
	return nil
}

// Fetch retrieves the entry at index.
func (j *Journal) Fetch(index uint64) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var e Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		var ferr error
		e, ferr = j.fetchLocked(tx, index)
		return ferr
	})
	return e, err
}

func (j *Journal) fetchLocked(tx *bolt.Tx, index uint64) (Entry, error) {
	if index < j.logStart || index >= j.logSize {
		return Entry{}, fmt.Errorf("journal: fetch %d out of range [%d, %d)", index, j.logStart, j.logSize)
	}
	raw := tx.Bucket(bucketEntries).Get(indexKey(index))
	if raw == nil {
		return Entry{}, fmt.Errorf("journal: entry %d missing despite being in range", index)
	}
	var e Entry
	if err := gobDecode(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("journal: decode entry %d: %w", index, err)
	}
	return e, nil
}

// RemoveEntries truncates the log suffix starting at from (inclusive).
// Forbidden below commitIndex, since committed entries must never be
// un-applied.
func (j *Journal) RemoveEntries(from uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if from <= j.commitIndex {
		return fmt.Errorf("journal: refusing to remove entries at/below commitIndex %d (from=%d)", j.commitIndex, from)
	}
	if from > j.logSize {
		return fmt.Errorf("journal: removeEntries(%d) beyond logSize %d", from, j.logSize)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for i := from; i < j.logSize; i++ {
			if err := entries.Delete(indexKey(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	j.logSize = from
	return nil
}

// SetCommitIndex advances the commit index. It must be monotone
// non-decreasing, may never exceed logSize-1, and per the Raft commit
// safety rule may not skip past a term boundary unless an entry from the
// current term has already been committed (checked by the caller, the
// commit tracker, which only ever proposes indices at currentTerm).
func (j *Journal) SetCommitIndex(i uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if i < j.commitIndex {
		return fmt.Errorf("journal: commitIndex must be non-decreasing (have %d, got %d)", j.commitIndex, i)
	}
	if j.logSize == 0 || i > j.logSize-1 {
		return fmt.Errorf("journal: commitIndex %d exceeds logSize-1 (%d)", i, j.logSize-1)
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		return putUint64(tx.Bucket(bucketMeta), keyCommitIndex, i)
	})
	if err != nil {
		return err
	}
	j.commitIndex = i
	return nil
}

// TrimUntil advances logStart to i, discarding entries below it.
// Forbidden if i exceeds min(commitIndex, lastAppliedSM): trimming must
// never discard an entry the state machine has not yet durably applied.
func (j *Journal) TrimUntil(i uint64, lastAppliedSM uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	limit := j.commitIndex
	if lastAppliedSM < limit {
		limit = lastAppliedSM
	}
	if i > limit {
		return fmt.Errorf("journal: trimUntil(%d) exceeds min(commitIndex=%d, lastApplied=%d)", i, j.commitIndex, lastAppliedSM)
	}
	if i < j.logStart {
		return nil
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		for idx := j.logStart; idx < i; idx++ {
			if err := entries.Delete(indexKey(idx)); err != nil {
				return err
			}
		}
		return putUint64(tx.Bucket(bucketMeta), keyLogStart, i)
	})
	if err != nil {
		return err
	}
	j.logStart = i
	return nil
}
