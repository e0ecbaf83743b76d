// Package respclient is a minimal RESP client used by quarkctl to talk
// to a running replica over its client port (spec §6.1) — the same
// wire format applications use, so the CLI needs no side-channel admin
// protocol for the commands it issues (AUTH, RAFT_MEMBERSHIP, CONFIG_*).
package respclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quarkdb/quarkdb/internal/reply"
	"github.com/quarkdb/quarkdb/internal/resp"
)

// Client is a single connection to one replica's client port.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// Dial connects to addr. tlsConfig may be nil for plaintext.
func Dial(addr string, tlsConfig *tls.Config, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("respclient: dial %s: %w", addr, err)
	}
	if tlsConfig != nil {
		nc = tls.Client(nc, tlsConfig)
	}
	return &Client{conn: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Do sends one command and returns its reply.
func (c *Client) Do(args ...string) (reply.Reply, error) {
	if err := resp.WriteCommand(c.w, args...); err != nil {
		return reply.Reply{}, err
	}
	if err := c.w.Flush(); err != nil {
		return reply.Reply{}, err
	}
	return resp.ReadReply(c.r)
}

// Auth issues AUTH with password, returning an error if it's rejected.
func (c *Client) Auth(password string) error {
	if password == "" {
		return nil
	}
	r, err := c.Do("AUTH", password)
	if err != nil {
		return err
	}
	if r.IsError() {
		return fmt.Errorf("respclient: auth: %s %s", r.ErrorKind, r.ErrorMsg)
	}
	return nil
}
