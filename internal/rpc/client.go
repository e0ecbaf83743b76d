package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quarkdb/quarkdb/internal/raft/journal"
	"github.com/quarkdb/quarkdb/internal/raft/replicate"
)

// Client dials and caches one connection per peer address, reconnecting
// lazily after any I/O error. It implements
// director.VoteRequester, replicate.Transport, and resilver.Transport by
// structural typing — no explicit interface assertion is needed since
// none of those packages may import internal/rpc without a cycle.
type Client struct {
	tlsConfig *tls.Config

	mu    sync.Mutex
	conns map[string]net.Conn
}

// NewClient builds a Client. tlsConfig may be nil to dial plain TCP.
func NewClient(tlsConfig *tls.Config) *Client {
	return &Client{tlsConfig: tlsConfig, conns: make(map[string]net.Conn)}
}

func (c *Client) getConn(peer string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[peer]; ok {
		return conn, nil
	}
	conn, err := dial(peer, c.tlsConfig)
	if err != nil {
		return nil, err
	}
	c.conns[peer] = conn
	return conn, nil
}

func (c *Client) dropConn(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[peer]; ok {
		conn.Close()
		delete(c.conns, peer)
	}
}

// Close drops every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for peer, conn := range c.conns {
		conn.Close()
		delete(c.conns, peer)
	}
}

func (c *Client) roundTrip(ctx context.Context, peer, method string, args interface{}) ([]byte, error) {
	conn, err := c.getConn(peer)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", peer, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(conn, frame{Method: method, Payload: encodePayload(args)}); err != nil {
		c.dropConn(peer)
		return nil, err
	}
	resp, err := readFrame(bufferedReader(conn))
	if err != nil {
		c.dropConn(peer)
		return nil, err
	}
	return resp.Payload, nil
}

// RequestVote implements director.VoteRequester.
func (c *Client) RequestVote(ctx context.Context, peer string, term uint64, candidateID string, lastLogIndex, lastLogTerm uint64) (uint64, bool, error) {
	payload, err := c.roundTrip(ctx, peer, methodRequestVote, requestVoteArgs{
		Term: term, CandidateID: candidateID, LastLogIndex: lastLogIndex, LastLogTerm: lastLogTerm,
	})
	if err != nil {
		return 0, false, err
	}
	var reply requestVoteReply
	if err := decodePayload(payload, &reply); err != nil {
		return 0, false, err
	}
	return reply.Term, reply.Granted, nil
}

// AppendEntries implements replicate.Transport.
func (c *Client) AppendEntries(ctx context.Context, peer string, term uint64, prevIndex, prevTerm uint64, entries []journal.Entry, leaderCommit uint64) (replicate.AppendEntriesResult, error) {
	payload, err := c.roundTrip(ctx, peer, methodAppendEntries, appendEntriesArgs{
		Term: term, PrevIndex: prevIndex, PrevTerm: prevTerm, Entries: entries, LeaderCommit: leaderCommit,
	})
	if err != nil {
		return replicate.AppendEntriesResult{}, err
	}
	var reply appendEntriesReply
	if err := decodePayload(payload, &reply); err != nil {
		return replicate.AppendEntriesResult{}, err
	}
	if reply.Err != "" {
		return replicate.AppendEntriesResult{}, fmt.Errorf("rpc: peer %s: %s", peer, reply.Err)
	}
	return replicate.AppendEntriesResult{Term: reply.Term, Success: reply.Success}, nil
}

// ResilveringStart implements resilver.Transport.
func (c *Client) ResilveringStart(ctx context.Context, peer, id string) error {
	return c.resilveringAck(ctx, peer, methodResilveringStart, resilveringStartArgs{ID: id})
}

// ResilveringCopy implements resilver.Transport.
func (c *Client) ResilveringCopy(ctx context.Context, peer, id, relPath string, data []byte) error {
	return c.resilveringAck(ctx, peer, methodResilveringCopy, resilveringCopyArgs{ID: id, RelPath: relPath, Data: data})
}

// ResilveringFinish implements resilver.Transport.
func (c *Client) ResilveringFinish(ctx context.Context, peer, id string) error {
	return c.resilveringAck(ctx, peer, methodResilveringFinish, resilveringFinishArgs{ID: id})
}

// ResilveringCancel implements resilver.Transport.
func (c *Client) ResilveringCancel(ctx context.Context, peer, id string) error {
	return c.resilveringAck(ctx, peer, methodResilveringCancel, resilveringCancelArgs{ID: id})
}

func (c *Client) resilveringAck(ctx context.Context, peer, method string, args interface{}) error {
	payload, err := c.roundTrip(ctx, peer, method, args)
	if err != nil {
		return err
	}
	var a ack
	if err := decodePayload(payload, &a); err != nil {
		return err
	}
	if !a.OK {
		return fmt.Errorf("rpc: peer %s: %s", peer, a.Err)
	}
	return nil
}
