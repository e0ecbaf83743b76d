// Package commit implements the leader's commit-index tracker (spec
// §4.G): derives commitIndex from the highest log index a quorum of the
// current membership has replicated, restricted to entries from the
// current term (the Raft safety rule against committing via counting
// alone across a term boundary).
package commit

import (
	"sort"
	"sync"

	"github.com/quarkdb/quarkdb/internal/raft/journal"
)

// Tracker maintains matchIndex[peer] for every peer currently in the
// cluster's membership and recomputes commitIndex whenever one changes.
type Tracker struct {
	mu         sync.Mutex
	journal    *journal.Journal
	selfID     string
	matchIndex map[string]uint64
}

// New builds a Tracker for a leader whose own id is selfID.
func New(j *journal.Journal, selfID string) *Tracker {
	return &Tracker{
		journal:    j,
		selfID:     selfID,
		matchIndex: make(map[string]uint64),
	}
}

// Reset clears all tracked match indices, used whenever a node becomes
// leader for a fresh term.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matchIndex = make(map[string]uint64)
}

// MatchIndex returns the last known matchIndex for peer.
func (t *Tracker) MatchIndex(peer string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matchIndex[peer]
}

// UpdateMatchIndex records that peer has replicated through index and
// recomputes commitIndex, advancing the journal's commit index if
// possible. It returns the (possibly unchanged) resulting commitIndex.
func (t *Tracker) UpdateMatchIndex(peer string, index uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index > t.matchIndex[peer] {
		t.matchIndex[peer] = index
	}
	return t.recomputeLocked()
}

// Recompute re-derives commitIndex from the current matchIndex table and
// membership set without updating any individual peer's entry — used
// after a membership change, since "membership changes atomically
// re-compute the quorum set" (spec §4.G).
func (t *Tracker) Recompute() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recomputeLocked()
}

func (t *Tracker) recomputeLocked() (uint64, error) {
	members := t.journal.Members()
	n := len(members)
	if n == 0 {
		return t.journal.CommitIndex(), nil
	}

	indices := make([]uint64, 0, n)
	for _, m := range members {
		if m == t.selfID {
			logSize := t.journal.LogSize()
			if logSize == 0 {
				indices = append(indices, 0)
			} else {
				indices = append(indices, logSize-1)
			}
			continue
		}
		indices = append(indices, t.matchIndex[m])
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
	quorum := n/2 + 1
	candidate := indices[quorum-1]

	current := t.journal.CommitIndex()
	if candidate <= current {
		return current, nil
	}
	if t.journal.LogSize() == 0 {
		return current, nil
	}

	entry, err := t.journal.Fetch(candidate)
	if err != nil {
		return current, err
	}
	if entry.Term != t.journal.CurrentTerm() {
		// Can't commit a prior-term entry by counting alone; the leader
		// must first get a current-term entry replicated (the leadership
		// marker exists exactly for this).
		return current, nil
	}

	if err := t.journal.SetCommitIndex(candidate); err != nil {
		return current, err
	}
	return candidate, nil
}
