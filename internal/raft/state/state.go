// Package state implements the process-wide volatile Raft role (spec
// §4.F): Follower, Observer, Candidate, Leader, Shutdown. Every
// transition is funnelled through this package so concurrent
// transitions are impossible (spec §5: "all transitions are funnelled
// through one method"), and every transition publishes a change so
// waiters (director, dispatcher) can react.
package state

import (
	"fmt"
	"sync"

	"github.com/quarkdb/quarkdb/internal/raft/journal"
)

// Role is the node's current position in the Raft protocol.
type Role int

const (
	Follower Role = iota
	Observer
	Candidate
	Leader
	Shutdown
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Observer:
		return "observer"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// State is the single owner of this node's Raft role and term. currentTerm
// and votedFor are persisted via journal; role and leaderHint are
// volatile, lost on restart (a restarted node always begins as Follower).
type State struct {
	mu      sync.Mutex
	journal *journal.Journal

	role       Role
	leaderHint string

	// waitCh is closed and replaced on every transition, giving Watch
	// callers a channel that reports "something changed" without a
	// separate condition-variable type.
	waitCh chan struct{}
}

// New builds a State rooted at Follower, reading currentTerm from j.
func New(j *journal.Journal) *State {
	return &State{
		journal: j,
		role:    Follower,
		waitCh:  make(chan struct{}),
	}
}

// Role returns the current role.
func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Term returns the current term.
func (s *State) Term() uint64 {
	return s.journal.CurrentTerm()
}

// LeaderHint returns the address of the last peer observed acting as
// leader, used to answer MOVED redirects. Empty if unknown.
func (s *State) LeaderHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderHint
}

// SetLeaderHint records addr as the believed current leader.
func (s *State) SetLeaderHint(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderHint = addr
}

// Watch returns a channel closed the next time the role or term changes.
func (s *State) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitCh
}

// notifyLocked closes the current wait channel and installs a fresh one.
// Caller must hold s.mu.
func (s *State) notifyLocked() {
	close(s.waitCh)
	s.waitCh = make(chan struct{})
}

// ObserveTerm implements §4.F's first rule: any RPC carrying a term above
// currentTerm forces an immediate transition to Follower with the new
// term and a cleared vote. Returns true if a step-down occurred.
func (s *State) ObserveTerm(term uint64) (bool, error) {
	if term <= s.journal.CurrentTerm() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.journal.SetCurrentTerm(term); err != nil {
		return false, err
	}
	if s.role != Shutdown {
		s.role = Follower
	}
	s.notifyLocked()
	return true, nil
}

// BecomeCandidate advances the term, votes for self, and transitions to
// Candidate (Director §4.J: "become Candidate: increment term, vote for
// self"). Returns the new term.
func (s *State) BecomeCandidate(selfID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == Shutdown {
		return 0, fmt.Errorf("state: cannot become candidate, node is shut down")
	}

	term := s.journal.CurrentTerm() + 1
	if err := s.journal.SetCurrentTerm(term); err != nil {
		return 0, err
	}
	if err := s.journal.SetVotedFor(term, selfID); err != nil {
		return 0, err
	}
	s.role = Candidate
	s.notifyLocked()
	return term, nil
}

// BecomeLeader transitions Candidate -> Leader for the given term. Per
// §4.F, this only succeeds if the role has not changed since the vote
// started (still Candidate) and term still matches currentTerm — the
// quorum check itself is the caller's (director's) responsibility.
func (s *State) BecomeLeader(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != Candidate {
		return fmt.Errorf("state: cannot become leader from role %s", s.role)
	}
	if s.journal.CurrentTerm() != term {
		return fmt.Errorf("state: stale leadership bid for term %d, currentTerm is %d", term, s.journal.CurrentTerm())
	}
	s.role = Leader
	s.notifyLocked()
	return nil
}

// StepDown forces a transition to Follower from any role except Shutdown
// (a Follower is left as is), used when a leader detects it has lost
// membership (§4.F: "a
// leader steps down whenever it detects it is not in the current
// membership, or upon receiving any message with a higher term" — the
// higher-term case is handled by ObserveTerm, this covers the membership
// case and any other voluntary step-down).
func (s *State) StepDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == Shutdown || s.role == Follower {
		return
	}
	s.role = Follower
	s.notifyLocked()
}

// EnsureMembership steps a leader down if selfID is no longer present in
// the journal's current membership set.
func (s *State) EnsureMembership(selfID string) {
	if s.Role() != Leader {
		return
	}
	for _, m := range s.journal.Members() {
		if m == selfID {
			return
		}
	}
	s.StepDown()
}

// BecomeObserver transitions to Observer: a node that replicates the log
// but never stands for election or counts toward quorum.
func (s *State) BecomeObserver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role == Shutdown {
		return
	}
	s.role = Observer
	s.notifyLocked()
}

// ShutdownNow transitions to the terminal Shutdown role. No further
// transitions are possible afterward.
func (s *State) ShutdownNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Shutdown
	s.notifyLocked()
}
