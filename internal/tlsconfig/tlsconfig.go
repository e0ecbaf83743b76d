// Package tlsconfig builds the crypto/tls configuration used for peer
// replication traffic (spec §6.6): an optional boundary, since QuarkDB
// does not issue its own certificates the way the teacher's CA-based
// orchestrator did — operators supply a cert/key pair and a CA bundle
// for verifying peers.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config describes the material needed to run the peer transport over
// TLS. All fields empty disables TLS entirely (plain TCP), the default
// for a single-host development cluster.
type Config struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// Enabled reports whether any TLS material was configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Build loads c's certificate/key/CA files and returns a *tls.Config
// usable for both the listening side and the dialing side of the peer
// transport. Every peer presents the same cert; only when CAFile is set
// do peers trust that CA bundle and require and verify client certs
// (mutual auth).
func Build(c Config) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ServerName:   c.ServerName,
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tlsconfig: no certificates parsed from %s", c.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
