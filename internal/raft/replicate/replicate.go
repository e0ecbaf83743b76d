// Package replicate implements the leader's per-peer replication worker
// (spec §4.I): one goroutine per peer that streams AppendEntries,
// advances matchIndex on success, backs off and retries on a log
// mismatch, and hands off to the resilverer when the peer has fallen
// further behind than the journal's retained prefix.
package replicate

import (
	"context"
	"time"

	"github.com/quarkdb/quarkdb/internal/qlog"
	"github.com/quarkdb/quarkdb/internal/raft/commit"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/raft/lease"
)

// AppendEntriesResult is the peer's response to one AppendEntries call.
type AppendEntriesResult struct {
	Term    uint64
	Success bool
}

// Transport is the subset of peer RPCs a Worker drives, implemented
// over internal/rpc.
type Transport interface {
	AppendEntries(ctx context.Context, peer string, term uint64, prevIndex, prevTerm uint64, entries []journal.Entry, leaderCommit uint64) (AppendEntriesResult, error)
}

// Resilverer sends a full snapshot to a peer whose nextIndex has fallen
// below the journal's retained log prefix.
type Resilverer interface {
	Send(ctx context.Context, peer string) error
}

// HigherTermObserver is notified when a peer reports a term higher than
// ours, so the caller's role state can step down to Follower.
type HigherTermObserver interface {
	ObserveTerm(term uint64) (bool, error)
}

// Worker replicates one peer's log on behalf of the current leader term.
type Worker struct {
	peer    string
	term    uint64
	journal *journal.Journal
	commit  *commit.Tracker
	lease   *lease.Register
	state   HigherTermObserver

	transport  Transport
	resilverer Resilverer

	retryBackoff time.Duration

	nextIndex uint64

	kickCh chan struct{}
}

// New builds a Worker for peer under leader term term. nextIndex starts
// optimistically at the leader's current log size (spec §4.I: "a newly
// elected leader initializes nextIndex to one past its own last log
// entry").
func New(peer string, term uint64, j *journal.Journal, c *commit.Tracker, l *lease.Register, state HigherTermObserver, transport Transport, resilverer Resilverer) *Worker {
	return &Worker{
		peer:         peer,
		term:         term,
		journal:      j,
		commit:       c,
		lease:        l,
		state:        state,
		transport:    transport,
		resilverer:   resilverer,
		retryBackoff: 50 * time.Millisecond,
		nextIndex:    j.LogSize(),
		kickCh:       make(chan struct{}, 1),
	}
}

// NextIndex returns the worker's current guess at the peer's next
// expected log index.
func (w *Worker) NextIndex() uint64 {
	return w.nextIndex
}

// Heartbeat wakes Run immediately instead of waiting out its current
// interval; the director calls it for every peer on each leader
// heartbeat tick. Implements director.Heartbeater.
func (w *Worker) Heartbeat(peer string) {
	if peer != w.peer {
		return
	}
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// Run drives replication to the peer until ctx is cancelled, pausing
// interval between successive AppendEntries attempts once caught up.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	log := qlog.WithComponent("replicate").With().Str("peer", w.peer).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		caughtUp, err := w.replicateOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("replicate: append entries failed")
		}

		wait := interval
		if !caughtUp {
			wait = w.retryBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-w.kickCh:
		case <-time.After(wait):
		}
	}
}

// replicateOnce sends one AppendEntries (heartbeat or with entries) and
// reports whether the peer is now caught up to the journal's log size.
func (w *Worker) replicateOnce(ctx context.Context) (bool, error) {
	logStart := w.journal.LogStart()
	if w.nextIndex < logStart {
		if w.resilverer != nil {
			if err := w.resilverer.Send(ctx, w.peer); err != nil {
				return false, err
			}
			w.nextIndex = w.journal.LogSize()
		}
		return true, nil
	}

	prevIndex := uint64(0)
	prevTerm := uint64(0)
	if w.nextIndex > logStart {
		prevEntry, err := w.journal.Fetch(w.nextIndex - 1)
		if err != nil {
			return false, err
		}
		prevIndex = w.nextIndex - 1
		prevTerm = prevEntry.Term
	}

	logSize := w.journal.LogSize()
	var entries []journal.Entry
	for i := w.nextIndex; i < logSize; i++ {
		e, err := w.journal.Fetch(i)
		if err != nil {
			return false, err
		}
		entries = append(entries, e)
	}

	result, err := w.transport.AppendEntries(ctx, w.peer, w.term, prevIndex, prevTerm, entries, w.journal.CommitIndex())
	if err != nil {
		return false, err
	}

	if result.Term > w.term {
		if w.state != nil {
			if _, err := w.state.ObserveTerm(result.Term); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if !result.Success {
		if w.nextIndex > logStart {
			w.nextIndex--
		}
		return false, nil
	}

	if w.lease != nil {
		w.lease.RecordContact(w.peer, time.Now())
	}

	if len(entries) == 0 {
		if w.commit != nil && w.nextIndex > logStart {
			if _, err := w.commit.UpdateMatchIndex(w.peer, w.nextIndex-1); err != nil {
				return false, err
			}
		}
		return w.nextIndex >= logSize, nil
	}

	matched := w.nextIndex + uint64(len(entries)) - 1
	w.nextIndex = matched + 1

	if w.commit != nil {
		if _, err := w.commit.UpdateMatchIndex(w.peer, matched); err != nil {
			return false, err
		}
	}

	return w.nextIndex >= logSize, nil
}
