// Package director runs the Raft election timer (spec §4.J): follower
// timeout and transition to candidate, vote solicitation and tallying,
// and leader heartbeat scheduling. Membership changes are not handled
// here; internal/raft/apply applies them when their entry commits.
package director

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quarkdb/quarkdb/internal/qlog"
	"github.com/quarkdb/quarkdb/internal/raft/commit"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/raft/lease"
	"github.com/quarkdb/quarkdb/internal/raft/state"
	"github.com/quarkdb/quarkdb/internal/statemachine"
)

// VoteRequester sends a RequestVote RPC to peer and reports the result.
type VoteRequester interface {
	RequestVote(ctx context.Context, peer string, term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) (peerTerm uint64, granted bool, err error)
}

// Heartbeater triggers an immediate AppendEntries heartbeat to peer,
// normally implemented by handing off to that peer's replicate.Worker.
type Heartbeater interface {
	Heartbeat(peer string)
}

// Proposer appends a new entry at the current term, used only for the
// empty JOURNAL_LEADERSHIP_MARKER a freshly elected leader must commit.
type Proposer interface {
	Propose(req statemachine.Request) (index uint64, err error)
}

// Director owns the election timer and vote-tallying for one node.
type Director struct {
	selfID string

	state      *state.State
	journal    *journal.Journal
	commit     *commit.Tracker
	leaseReg   *lease.Register
	requester  VoteRequester
	heartbeats Heartbeater
	proposer   Proposer

	electionTimeoutLow  time.Duration
	electionTimeoutHigh time.Duration
	heartbeatInterval   time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	resetCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config bundles the election and heartbeat timings taken from the
// replica's startup configuration (internal/config's Raft section:
// election_timeout_low_ms/high_ms, heartbeat_interval_ms).
type Config struct {
	ElectionTimeoutLow  time.Duration
	ElectionTimeoutHigh time.Duration
	HeartbeatInterval   time.Duration
}

// New builds a Director for selfID.
func New(selfID string, st *state.State, j *journal.Journal, ct *commit.Tracker, lr *lease.Register, requester VoteRequester, hb Heartbeater, proposer Proposer, cfg Config) *Director {
	return &Director{
		selfID:              selfID,
		state:               st,
		journal:             j,
		commit:              ct,
		leaseReg:            lr,
		requester:           requester,
		heartbeats:          hb,
		proposer:            proposer,
		electionTimeoutLow:  cfg.ElectionTimeoutLow,
		electionTimeoutHigh: cfg.ElectionTimeoutHigh,
		heartbeatInterval:   cfg.HeartbeatInterval,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		resetCh:             make(chan struct{}, 1),
		stopCh:              make(chan struct{}),
	}
}

// RandomElectionTimeout returns a duration uniformly distributed in
// [electionTimeoutLow, electionTimeoutHigh), the randomization the Raft
// paper requires to avoid split votes.
func (d *Director) RandomElectionTimeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	span := d.electionTimeoutHigh - d.electionTimeoutLow
	if span <= 0 {
		return d.electionTimeoutLow
	}
	return d.electionTimeoutLow + time.Duration(d.rng.Int63n(int64(span)))
}

// HasQuorum reports whether granted votes/contacts out of total members
// constitutes a majority.
func HasQuorum(granted, total int) bool {
	return total > 0 && granted >= total/2+1
}

// ResetElectionTimer is called whenever a valid leader heartbeat or vote
// grant is observed, postponing the next election.
func (d *Director) ResetElectionTimer() {
	select {
	case d.resetCh <- struct{}{}:
	default:
	}
}

// Stop halts the director's Run loop.
func (d *Director) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// peers returns the current membership minus self.
func (d *Director) peers() []string {
	var out []string
	for _, m := range d.journal.Members() {
		if m != d.selfID {
			out = append(out, m)
		}
	}
	return out
}

// Run drives the election timer and, while leader, the heartbeat
// schedule. It returns when Stop is called or ctx is cancelled.
func (d *Director) Run(ctx context.Context) {
	for {
		switch d.state.Role() {
		case state.Shutdown:
			return
		case state.Leader:
			d.runLeaderTick(ctx)
		default:
			d.runElectionWait(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}
	}
}

func (d *Director) runLeaderTick(ctx context.Context) {
	timer := time.NewTimer(d.heartbeatInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-timer.C:
		for _, p := range d.peers() {
			d.heartbeats.Heartbeat(p)
		}
	}
}

func (d *Director) runElectionWait(ctx context.Context) {
	timeout := d.RandomElectionTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-d.resetCh:
	case <-timer.C:
		d.startElection(ctx)
	}
}

// startElection implements the follower-timeout transition: become
// Candidate, solicit votes from every peer concurrently, and become
// Leader on quorum (provided the role hasn't changed meanwhile).
func (d *Director) startElection(ctx context.Context) {
	if d.state.Role() == state.Observer {
		// Observers never stand for election (spec §4.F role set).
		return
	}

	term, err := d.state.BecomeCandidate(d.selfID)
	if err != nil {
		return
	}

	peers := d.peers()
	total := len(peers) + 1 // +1 for self
	granted := 1            // votes for self

	lastIndex := uint64(0)
	lastTerm := uint64(0)
	if size := d.journal.LogSize(); size > 0 {
		lastIndex = size - 1
		if e, err := d.journal.Fetch(lastIndex); err == nil {
			lastTerm = e.Term
		}
	}

	type result struct {
		peerTerm uint64
		granted  bool
	}
	resCh := make(chan result, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			peerTerm, ok, err := d.requester.RequestVote(ctx, p, term, d.selfID, lastIndex, lastTerm)
			if err != nil {
				resCh <- result{}
				return
			}
			resCh <- result{peerTerm: peerTerm, granted: ok}
		}()
	}

	for i := 0; i < len(peers); i++ {
		select {
		case <-ctx.Done():
			return
		case r := <-resCh:
			if r.peerTerm > term {
				d.state.ObserveTerm(r.peerTerm)
				return
			}
			if r.granted {
				granted++
			}
		}
		if HasQuorum(granted, total) {
			break
		}
	}

	if !HasQuorum(granted, total) {
		return
	}

	if err := d.state.BecomeLeader(term); err != nil {
		// Role changed underneath us (higher term observed, step-down);
		// abandon this bid.
		return
	}
	d.commit.Reset()
	d.leaseReg.Reset()

	if d.proposer != nil {
		// The marker carries the leader's own wall clock alongside the term
		// so cmdJournalLeadershipMarker can hard-synchronize __clock to it
		// (spec §9 hardSynchronizeDynamicClock) the moment a new leader
		// takes over.
		if _, err := d.proposer.Propose(statemachine.Request{
			Name: "JOURNAL_LEADERSHIP_MARKER",
			Args: [][]byte{
				[]byte(fmt.Sprintf("%d", term)),
				[]byte(fmt.Sprintf("%d", time.Now().UnixMilli())),
			},
		}); err != nil {
			qlog.WithComponent("director").Error().Err(err).Msg("failed to journal leadership marker")
		}
	}
}

// HandleRequestVote implements the receiving side of RequestVote,
// exposed for the RPC server/dispatcher to call. It grants the vote iff
// the candidate's term is at least currentTerm, this node has not
// already voted for a different candidate this term, and the
// candidate's log is at least as up to date as this node's.
func (d *Director) HandleRequestVote(term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) (uint64, bool) {
	if term > d.journal.CurrentTerm() {
		d.state.ObserveTerm(term)
	}
	currentTerm := d.journal.CurrentTerm()
	if term < currentTerm {
		return currentTerm, false
	}

	if voted, ok := d.journal.VotedFor(term); ok && voted != candidateID {
		return currentTerm, false
	}

	myLastIndex := uint64(0)
	myLastTerm := uint64(0)
	if size := d.journal.LogSize(); size > 0 {
		myLastIndex = size - 1
		if e, err := d.journal.Fetch(myLastIndex); err == nil {
			myLastTerm = e.Term
		}
	}
	upToDate := lastLogTerm > myLastTerm || (lastLogTerm == myLastTerm && lastLogIndex >= myLastIndex)
	if !upToDate {
		return currentTerm, false
	}

	if err := d.journal.SetVotedFor(term, candidateID); err != nil {
		return currentTerm, false
	}
	d.ResetElectionTimer()
	return currentTerm, true
}

// HandleAppendEntries implements the receiving side of AppendEntries,
// exposed for the RPC server/dispatcher to call: rejects a stale term,
// otherwise accepts the leader (resetting the election timer),
// validates the log-consistency check at prevIndex/prevTerm, truncates
// any conflicting suffix, appends the new entries, and advances
// commitIndex up to min(leaderCommit, index of the last new entry).
func (d *Director) HandleAppendEntries(leaderTerm uint64, leaderID string, prevIndex, prevTerm uint64, entries []journal.Entry, leaderCommit uint64) (uint64, bool, error) {
	if leaderTerm > d.journal.CurrentTerm() {
		if _, err := d.state.ObserveTerm(leaderTerm); err != nil {
			return d.journal.CurrentTerm(), false, err
		}
	}
	currentTerm := d.journal.CurrentTerm()
	if leaderTerm < currentTerm {
		return currentTerm, false, nil
	}

	d.state.SetLeaderHint(leaderID)
	d.ResetElectionTimer()

	// (prevIndex == 0 && prevTerm == 0) is the sentinel the replicator
	// sends when replicating from the very start of the log, since index
	// 0 is itself a valid entry index in this 0-indexed journal.
	hasPrev := prevIndex > 0 || prevTerm > 0
	if hasPrev {
		logSize := d.journal.LogSize()
		if prevIndex >= logSize {
			return currentTerm, false, nil
		}
		if prevIndex >= d.journal.LogStart() {
			existing, err := d.journal.Fetch(prevIndex)
			if err != nil {
				return currentTerm, false, err
			}
			if existing.Term != prevTerm {
				return currentTerm, false, nil
			}
		}
	}

	nextIndex := uint64(0)
	if hasPrev {
		nextIndex = prevIndex + 1
	}
	for _, e := range entries {
		if nextIndex < d.journal.LogSize() {
			existing, err := d.journal.Fetch(nextIndex)
			if err != nil {
				return currentTerm, false, err
			}
			if existing.Term == e.Term {
				nextIndex++
				continue
			}
			if err := d.journal.RemoveEntries(nextIndex); err != nil {
				return currentTerm, false, err
			}
		}
		if err := d.journal.Append(nextIndex, e); err != nil {
			return currentTerm, false, err
		}
		nextIndex++
	}

	if leaderCommit > d.journal.CommitIndex() {
		newCommit := leaderCommit
		if last := d.journal.LogSize(); last > 0 && newCommit > last-1 {
			newCommit = last - 1
		}
		if err := d.journal.SetCommitIndex(newCommit); err != nil {
			return currentTerm, false, err
		}
	}

	return currentTerm, true, nil
}
