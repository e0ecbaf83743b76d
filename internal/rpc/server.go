package rpc

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/quarkdb/quarkdb/internal/qlog"
	"github.com/quarkdb/quarkdb/internal/raft/journal"
)

// VoteHandler is the receiving side of RequestVote, implemented by
// internal/raft/director.Director.
type VoteHandler interface {
	HandleRequestVote(term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) (uint64, bool)
}

// EntriesHandler is the receiving side of AppendEntries, implemented by
// internal/raft/director.Director.
type EntriesHandler interface {
	HandleAppendEntries(leaderTerm uint64, leaderID string, prevIndex, prevTerm uint64, entries []journal.Entry, leaderCommit uint64) (uint64, bool, error)
}

// ResilveringHandler is the receiving side of the resilvering protocol,
// implemented by internal/raft/resilver.Receiver.
type ResilveringHandler interface {
	Start(id string) error
	Copy(id, relPath string, data []byte) error
	Finish(id string) error
	Cancel(id string) error
}

// Server accepts peer connections and dispatches each frame to the
// configured handlers. A nil VoteHandler answers every RequestVote with
// a denied vote; any other handler left nil rejects its RPCs with an
// error. Neither panics, so a node that hasn't finished starting its
// Raft layer can still accept (and reject) connections cleanly.
type Server struct {
	votes       VoteHandler
	entries     EntriesHandler
	resilvering ResilveringHandler

	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer builds a Server. Any handler may be nil.
func NewServer(votes VoteHandler, entries EntriesHandler, resilvering ResilveringHandler, tlsConfig *tls.Config) *Server {
	return &Server{votes: votes, entries: entries, resilvering: resilvering, tlsConfig: tlsConfig}
}

// Serve listens on addr and handles connections until Stop is called.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log := qlog.WithComponent("rpc")
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return nil
			}
			return err
		}
		go s.handleConn(conn, log)
	}
}

// Stop closes the listener, ending Serve.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handleConn serves one peer connection, dispatching each frame on it in
// turn until the peer disconnects or sends a malformed frame.
func (s *Server) handleConn(conn net.Conn, log zerolog.Logger) {
	defer conn.Close()
	r := bufferedReader(conn)
	for {
		req, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("rpc: connection closed")
			}
			return
		}

		payload := s.dispatch(req)
		if err := writeFrame(conn, frame{Method: req.Method, Payload: payload}); err != nil {
			log.Debug().Err(err).Msg("rpc: write response failed")
			return
		}
	}
}

func (s *Server) dispatch(req frame) []byte {
	switch req.Method {
	case methodRequestVote:
		return s.handleRequestVote(req.Payload)
	case methodAppendEntries:
		return s.handleAppendEntries(req.Payload)
	case methodResilveringStart:
		return s.handleResilveringStart(req.Payload)
	case methodResilveringCopy:
		return s.handleResilveringCopy(req.Payload)
	case methodResilveringFinish:
		return s.handleResilveringFinish(req.Payload)
	case methodResilveringCancel:
		return s.handleResilveringCancel(req.Payload)
	default:
		return encodePayload(ack{OK: false, Err: "rpc: unknown method " + req.Method})
	}
}

func (s *Server) handleRequestVote(payload []byte) []byte {
	var args requestVoteArgs
	if err := decodePayload(payload, &args); err != nil {
		return encodePayload(requestVoteReply{})
	}
	if s.votes == nil {
		return encodePayload(requestVoteReply{})
	}
	term, granted := s.votes.HandleRequestVote(args.Term, args.CandidateID, args.LastLogIndex, args.LastLogTerm)
	return encodePayload(requestVoteReply{Term: term, Granted: granted})
}

func (s *Server) handleAppendEntries(payload []byte) []byte {
	var args appendEntriesArgs
	if err := decodePayload(payload, &args); err != nil {
		return encodePayload(appendEntriesReply{Err: err.Error()})
	}
	if s.entries == nil {
		return encodePayload(appendEntriesReply{Err: "rpc: no raft layer attached"})
	}
	term, success, err := s.entries.HandleAppendEntries(args.Term, args.LeaderID, args.PrevIndex, args.PrevTerm, args.Entries, args.LeaderCommit)
	if err != nil {
		return encodePayload(appendEntriesReply{Term: term, Err: err.Error()})
	}
	return encodePayload(appendEntriesReply{Term: term, Success: success})
}

func (s *Server) handleResilveringStart(payload []byte) []byte {
	var args resilveringStartArgs
	if err := decodePayload(payload, &args); err != nil {
		return encodePayload(ack{Err: err.Error()})
	}
	return s.resilveringResult(func() error {
		if s.resilvering == nil {
			return errors.New("rpc: no resilverer attached")
		}
		return s.resilvering.Start(args.ID)
	})
}

func (s *Server) handleResilveringCopy(payload []byte) []byte {
	var args resilveringCopyArgs
	if err := decodePayload(payload, &args); err != nil {
		return encodePayload(ack{Err: err.Error()})
	}
	return s.resilveringResult(func() error {
		if s.resilvering == nil {
			return errors.New("rpc: no resilverer attached")
		}
		return s.resilvering.Copy(args.ID, args.RelPath, args.Data)
	})
}

func (s *Server) handleResilveringFinish(payload []byte) []byte {
	var args resilveringFinishArgs
	if err := decodePayload(payload, &args); err != nil {
		return encodePayload(ack{Err: err.Error()})
	}
	return s.resilveringResult(func() error {
		if s.resilvering == nil {
			return errors.New("rpc: no resilverer attached")
		}
		return s.resilvering.Finish(args.ID)
	})
}

func (s *Server) handleResilveringCancel(payload []byte) []byte {
	var args resilveringCancelArgs
	if err := decodePayload(payload, &args); err != nil {
		return encodePayload(ack{Err: err.Error()})
	}
	return s.resilveringResult(func() error {
		if s.resilvering == nil {
			return errors.New("rpc: no resilverer attached")
		}
		return s.resilvering.Cancel(args.ID)
	})
}

func (s *Server) resilveringResult(fn func() error) []byte {
	if err := fn(); err != nil {
		return encodePayload(ack{OK: false, Err: err.Error()})
	}
	return encodePayload(ack{OK: true})
}
