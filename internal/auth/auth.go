// Package auth implements the connection pipeline's authentication gate:
// a plain password AUTH command, and the two-step HMAC challenge
// (HMAC_AUTH_GENERATE_CHALLENGE / HMAC_AUTH_VALIDATE_CHALLENGE) used when
// the caller does not want to send the shared secret in the clear.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Gate enforces §4.M's authentication rule: every non-auth command is
// rejected until AUTH or the HMAC challenge succeeds, when a password is
// configured.
type Gate struct {
	secret []byte // nil/empty means auth is disabled
}

// NewGate derives a gate from the configured cluster password. An empty
// password disables authentication entirely.
func NewGate(password string) *Gate {
	if password == "" {
		return &Gate{}
	}
	sum := sha256.Sum256([]byte(password))
	return &Gate{secret: sum[:]}
}

// Required reports whether the connection must authenticate before any
// command other than AUTH / HMAC_AUTH_* / CONTROL-classified ping-style
// commands may run.
func (g *Gate) Required() bool {
	return len(g.secret) > 0
}

// CheckPassword implements AUTH password.
func (g *Gate) CheckPassword(password string) bool {
	if !g.Required() {
		return true
	}
	sum := sha256.Sum256([]byte(password))
	return subtle.ConstantTimeCompare(sum[:], g.secret) == 1
}

// GenerateChallenge implements HMAC_AUTH_GENERATE_CHALLENGE: a random
// nonce the client must HMAC with the shared secret and echo back.
func (g *Gate) GenerateChallenge() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("auth: generate challenge: %w", err)
	}
	return nonce, nil
}

// ValidateChallenge implements HMAC_AUTH_VALIDATE_CHALLENGE: verifies the
// client computed HMAC-SHA256(secret, nonce) correctly.
func (g *Gate) ValidateChallenge(nonce, response []byte) bool {
	if !g.Required() {
		return true
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(nonce)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, response)
}
