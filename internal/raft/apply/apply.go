// Package apply implements the write tracker (spec §4.K): the single
// apply thread that consumes committed journal entries in order,
// applies each to the state machine, and hands the resulting reply back
// to whichever caller proposed it.
package apply

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarkdb/quarkdb/internal/qlog"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/statemachine"
)

// Result is the outcome of applying one proposed request.
type Result struct {
	Reply reply.Reply
	Err   error
}

// Tracker owns the single apply thread for one shard: it drains
// committed-but-unapplied journal entries in strict index order and
// applies each through the state machine.
type Tracker struct {
	sm      *statemachine.StateMachine
	journal *journal.Journal

	mu          sync.Mutex
	lastApplied uint64
	waiters     map[uint64]chan Result

	// appliedCh is closed and replaced every time lastApplied advances,
	// the same broadcast-channel pattern internal/raft/state uses for
	// Watch: gives WaitApplied callers a way to block on "some progress
	// happened" without a dedicated condition-variable type.
	appliedCh chan struct{}

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Tracker, seeding lastApplied from the state machine's
// durable high-water mark.
func New(sm *statemachine.StateMachine, j *journal.Journal) (*Tracker, error) {
	last, err := sm.LastApplied()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		sm:          sm,
		journal:     j,
		lastApplied: last,
		waiters:     make(map[uint64]chan Result),
		appliedCh:   make(chan struct{}),
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}, nil
}

// LastApplied returns the highest LogIndex applied so far.
func (t *Tracker) LastApplied() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastApplied
}

// WaitApplied blocks until index has been applied (or ctx is cancelled),
// used by the dispatcher to hold a read behind writes already proposed
// on the same connection (spec §4.M/§4.K) without needing a response
// channel of its own.
func (t *Tracker) WaitApplied(ctx context.Context, index uint64) error {
	for {
		t.mu.Lock()
		if t.lastApplied >= index {
			t.mu.Unlock()
			return nil
		}
		ch := t.appliedCh
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Propose appends req to the journal at the current log size under term
// (the leader's current term) and registers a waiter for its eventual
// Result. The caller is responsible for ensuring this node is actually
// leader and term is its current term.
func (t *Tracker) Propose(term uint64, req statemachine.Request) (uint64, <-chan Result, error) {
	index := t.journal.LogSize()
	if err := t.journal.Append(index, journal.Entry{Term: term, Request: req}); err != nil {
		return 0, nil, fmt.Errorf("apply: propose: %w", err)
	}

	ch := make(chan Result, 1)
	t.mu.Lock()
	t.waiters[index] = ch
	t.mu.Unlock()
	return index, ch, nil
}

// NotifyCommit wakes the apply loop after the journal's commitIndex has
// advanced, normally called by the commit tracker or, on a single-node
// cluster, immediately after Propose.
func (t *Tracker) NotifyCommit() {
	select {
	case t.notifyCh <- struct{}{}:
	default:
	}
}

// Stop halts Run.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Run drains committed entries until ctx is cancelled or Stop is called.
// It applies everything immediately available at startup (catch-up after
// a restart) before waiting on NotifyCommit for new work.
func (t *Tracker) Run(ctx context.Context) {
	t.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-t.notifyCh:
			t.drain()
		}
	}
}

func (t *Tracker) drain() {
	for {
		commitIndex := t.journal.CommitIndex()
		t.mu.Lock()
		next := t.lastApplied + 1
		t.mu.Unlock()
		if next > commitIndex {
			return
		}

		entry, err := t.journal.Fetch(next)
		if err != nil {
			qlog.Logger.Error().Err(err).Uint64("index", next).Msg("apply: fetch failed")
			return
		}

		var r reply.Reply
		var applyErr error
		if entry.Request.Name == "RAFT_MEMBERSHIP" {
			r, applyErr = t.applyMembership(entry.Request)
		} else {
			r, applyErr = t.sm.Apply(next, entry.Request)
		}

		t.mu.Lock()
		t.lastApplied = next
		waiter := t.waiters[next]
		delete(t.waiters, next)
		close(t.appliedCh)
		t.appliedCh = make(chan struct{})
		t.mu.Unlock()

		if waiter != nil {
			waiter <- Result{Reply: r, Err: applyErr}
			close(waiter)
		} else if applyErr != nil {
			qlog.Logger.Error().Err(applyErr).Uint64("index", next).Msg("apply: applying unwaited entry failed")
		}
	}
}

// applyMembership applies a committed RAFT_MEMBERSHIP entry: it swaps
// the journal's membership set (spec §4.J's single-step protocol — no
// joint-consensus interim) instead of going through the state machine.
// Args carries the new member list, one peer address per argument.
func (t *Tracker) applyMembership(req statemachine.Request) (reply.Reply, error) {
	members := make([]string, len(req.Args))
	for i, a := range req.Args {
		members[i] = string(a)
	}
	if err := t.journal.SetMembership(members); err != nil {
		return reply.Reply{}, err
	}
	return reply.OK(), nil
}

// ConnectionQueue delivers completed Results to one client connection
// strictly in the order their requests arrived on it (spec §4.K): a
// read that finishes locally while an earlier write on the same
// connection is still in flight still waits its turn.
type ConnectionQueue struct {
	mu sync.Mutex
	q  []<-chan Result
}

// NewConnectionQueue builds an empty per-connection ordering queue.
func NewConnectionQueue() *ConnectionQueue {
	return &ConnectionQueue{}
}

// Push enqueues the channel that will eventually carry one request's
// Result, in arrival order.
func (c *ConnectionQueue) Push(ch <-chan Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.q = append(c.q, ch)
}

// Next blocks until the oldest enqueued request's Result is ready and
// returns it, preserving connection order even if later requests finish
// first.
func (c *ConnectionQueue) Next() Result {
	c.mu.Lock()
	ch := c.q[0]
	c.q = c.q[1:]
	c.mu.Unlock()
	return <-ch
}

// Len reports how many results are still outstanding on this connection.
func (c *ConnectionQueue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.q)
}
