// Package resilver implements the one-shot consistent-snapshot transfer
// protocol (spec §4.L): a lagging peer whose required log prefix has
// already been trimmed away is brought up to date by shipping it a
// whole-shard checkpoint instead of replaying individual entries.
package resilver

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/storage"
)

// Transport is the sender-side view of the peer RPCs this protocol
// drives, implemented over internal/rpc.
type Transport interface {
	ResilveringStart(ctx context.Context, peer, id string) error
	ResilveringCopy(ctx context.Context, peer, id, relPath string, data []byte) error
	ResilveringFinish(ctx context.Context, peer, id string) error
	ResilveringCancel(ctx context.Context, peer, id string) error
}

// Sender drives a resilvering transfer to a target peer. Concurrent
// resilverings for the same target are rejected.
type Sender struct {
	engine    *storage.Engine
	journal   *journal.Journal
	transport Transport

	mu     sync.Mutex
	active map[string]bool
}

// NewSender builds a Sender over engine/journal's current on-disk state.
func NewSender(engine *storage.Engine, j *journal.Journal, transport Transport) *Sender {
	return &Sender{
		engine:    engine,
		journal:   j,
		transport: transport,
		active:    make(map[string]bool),
	}
}

// Send ships a fresh checkpoint of the whole shard to peer: freeze (the
// caller's trimmer must consult Sender.TrimmingFrozen before trimming
// while any transfer is active), checkpoint both stores into a temp
// directory, then START/COPY*/FINISH.
func (s *Sender) Send(ctx context.Context, peer string) error {
	s.mu.Lock()
	if s.active[peer] {
		s.mu.Unlock()
		return fmt.Errorf("resilver: transfer to %s already in progress", peer)
	}
	s.active[peer] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, peer)
		s.mu.Unlock()
	}()

	id := uuid.NewString()

	tmpDir, err := os.MkdirTemp("", "quarkdb-resilver-"+id)
	if err != nil {
		return fmt.Errorf("resilver: temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	smDir := filepath.Join(tmpDir, "state-machine")
	if err := os.MkdirAll(smDir, 0o700); err != nil {
		return err
	}
	if err := s.engine.CheckpointFile(filepath.Join(smDir, "quarkdb.db")); err != nil {
		return fmt.Errorf("resilver: checkpoint state machine: %w", err)
	}

	journalDir := filepath.Join(tmpDir, "raft-journal")
	if err := os.MkdirAll(journalDir, 0o700); err != nil {
		return err
	}
	if err := s.journal.CheckpointFile(filepath.Join(journalDir, "journal.db")); err != nil {
		return fmt.Errorf("resilver: checkpoint journal: %w", err)
	}

	if err := s.transport.ResilveringStart(ctx, peer, id); err != nil {
		return fmt.Errorf("resilver: start: %w", err)
	}

	err = filepath.WalkDir(tmpDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(tmpDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return s.transport.ResilveringCopy(ctx, peer, id, rel, data)
	})
	if err != nil {
		s.transport.ResilveringCancel(ctx, peer, id)
		return fmt.Errorf("resilver: copy to %s: %w", peer, err)
	}

	if err := s.transport.ResilveringFinish(ctx, peer, id); err != nil {
		s.transport.ResilveringCancel(ctx, peer, id)
		return fmt.Errorf("resilver: finish: %w", err)
	}
	return nil
}

// TrimmingFrozen reports whether any transfer is currently active, for
// the trimmer to consult before advancing logStart.
func (s *Sender) TrimmingFrozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Receiver is the target side of a resilvering transfer: it stages
// incoming files under a scratch directory and only swaps them into
// place atomically once FINISH is received. shardDir is the root shard
// directory (spec §6.4): shardDir/current holds the live stores,
// shardDir/resilvering-arena holds in-progress scratch directories, and
// shardDir/supplanted/<id> holds the copy displaced by the most recent
// successful transfer.
type Receiver struct {
	shardDir string

	mu         sync.Mutex
	activeID   string
	scratchDir string
}

// NewReceiver builds a Receiver rooted at shardDir.
func NewReceiver(shardDir string) *Receiver {
	return &Receiver{shardDir: shardDir}
}

// Start begins receiving transfer id, rejecting a second concurrent
// transfer.
func (r *Receiver) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID != "" {
		return fmt.Errorf("resilver: already receiving transfer %s", r.activeID)
	}
	scratch := filepath.Join(r.shardDir, "resilvering-arena", id)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("resilver: create scratch dir: %w", err)
	}
	r.activeID = id
	r.scratchDir = scratch
	return nil
}

// Copy stages one file of transfer id at relPath under the scratch
// directory.
func (r *Receiver) Copy(id, relPath string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.activeID {
		return fmt.Errorf("resilver: copy for unknown transfer %s (active: %s)", id, r.activeID)
	}
	dest := filepath.Join(r.scratchDir, relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o600)
}

// Finish atomically swaps the staged scratch directory into place as
// shardDir/current, moving the displaced copy to shardDir/supplanted/id
// rather than deleting it outright. The caller must re-open the storage
// engine and journal against the new current/ directory afterward.
func (r *Receiver) Finish(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.activeID {
		return fmt.Errorf("resilver: finish for unknown transfer %s (active: %s)", id, r.activeID)
	}

	currentDir := filepath.Join(r.shardDir, "current")
	if _, err := os.Stat(currentDir); err == nil {
		supplantedDir := filepath.Join(r.shardDir, "supplanted", id)
		if err := os.MkdirAll(filepath.Dir(supplantedDir), 0o700); err != nil {
			return err
		}
		if err := os.Rename(currentDir, supplantedDir); err != nil {
			return fmt.Errorf("resilver: move displaced current dir: %w", err)
		}
	}
	if err := os.Rename(r.scratchDir, currentDir); err != nil {
		return fmt.Errorf("resilver: swap in new current dir: %w", err)
	}

	r.activeID = ""
	r.scratchDir = ""
	return nil
}

// Cancel discards the staged scratch directory for id, used when the
// sender reports an error partway through a transfer.
func (r *Receiver) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.activeID {
		return nil
	}
	if err := os.RemoveAll(r.scratchDir); err != nil {
		return err
	}
	r.activeID = ""
	r.scratchDir = ""
	return nil
}

// Active reports the in-progress transfer id, if any.
func (r *Receiver) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID, r.activeID != ""
}
