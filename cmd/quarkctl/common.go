package main

import (
	"time"

	"github.com/quarkdb/quarkdb/internal/respclient"
	"github.com/spf13/cobra"
)

const defaultTimeout = 5 * time.Second

// dialClient connects to a replica's client port and authenticates if a
// password was supplied, mirroring the teacher's pkg/client connection
// helpers one layer down (RESP instead of gRPC).
func dialClient(cmd *cobra.Command, addr string) (*respclient.Client, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c, err := respclient.Dial(addr, nil, timeout)
	if err != nil {
		return nil, err
	}
	password, _ := cmd.Flags().GetString("password")
	if err := c.Auth(password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
