// Package lease implements the Raft leader's lease register (spec
// §4.H): distinct from the user-visible LEASE_* commands, this tracks
// the last successful heartbeat response timestamp per peer so the
// leader can answer a linearizable read without a round trip, as long
// as it can prove it still holds quorum support.
package lease

import (
	"sort"
	"sync"
	"time"
)

// Register tracks per-peer last-contact timestamps for one leader term.
type Register struct {
	mu                 sync.Mutex
	lastContact        map[string]time.Time
	electionTimeoutLow time.Duration
	safetyMargin       time.Duration
}

// New builds a Register. electionTimeoutLow and safetyMargin are the
// same tunables the director uses for the election timer (spec §4.J),
// taken from the replica's startup configuration (internal/config).
func New(electionTimeoutLow, safetyMargin time.Duration) *Register {
	return &Register{
		lastContact:        make(map[string]time.Time),
		electionTimeoutLow: electionTimeoutLow,
		safetyMargin:       safetyMargin,
	}
}

// RecordContact records a successful AppendEntries response from peer at
// time at. Called by the replicator on every successful contact.
func (r *Register) RecordContact(peer string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.lastContact[peer]; !ok || at.After(prev) {
		r.lastContact[peer] = at
	}
}

// Reset clears all tracked contacts, used when a node becomes leader for
// a fresh term.
func (r *Register) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastContact = make(map[string]time.Time)
}

// Valid reports whether the leader may serve a linearizable read at now
// without contacting peers, i.e. whether
//
//	now < median(per-peer last contact) + electionTimeoutLow - safetyMargin
//
// peers excludes self: a single-node cluster (no peers) is always valid.
func (r *Register) Valid(now time.Time, peers []string) bool {
	if len(peers) == 0 {
		return true
	}

	r.mu.Lock()
	ts := make([]time.Time, 0, len(peers))
	for _, p := range peers {
		ts = append(ts, r.lastContact[p])
	}
	r.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	median := ts[len(ts)/2]
	deadline := median.Add(r.electionTimeoutLow).Add(-r.safetyMargin)
	return now.Before(deadline)
}
