package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoPasswordDisablesAuth(t *testing.T) {
	g := NewGate("")
	assert.False(t, g.Required())
	assert.True(t, g.CheckPassword("anything"))
	assert.True(t, g.ValidateChallenge([]byte("n"), []byte("r")))
}

func TestCheckPasswordAcceptsCorrectSecret(t *testing.T) {
	g := NewGate("hunter2")
	assert.True(t, g.Required())
	assert.True(t, g.CheckPassword("hunter2"))
}

func TestCheckPasswordRejectsWrongSecret(t *testing.T) {
	g := NewGate("hunter2")
	assert.False(t, g.CheckPassword("wrong"))
}

func TestGenerateChallengeProducesFreshNonces(t *testing.T) {
	g := NewGate("hunter2")
	n1, err := g.GenerateChallenge()
	require.NoError(t, err)
	n2, err := g.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, n1, 32)
	assert.NotEqual(t, n1, n2)
}

func TestValidateChallengeAcceptsCorrectHMAC(t *testing.T) {
	g := NewGate("hunter2")
	nonce, err := g.GenerateChallenge()
	require.NoError(t, err)

	response := computeHMAC(t, "hunter2", nonce)
	assert.True(t, g.ValidateChallenge(nonce, response))
}

func TestValidateChallengeRejectsWrongSecret(t *testing.T) {
	g := NewGate("hunter2")
	nonce, err := g.GenerateChallenge()
	require.NoError(t, err)

	response := computeHMAC(t, "not-the-secret", nonce)
	assert.False(t, g.ValidateChallenge(nonce, response))
}

func computeHMAC(t *testing.T, password string, nonce []byte) []byte {
	t.Helper()
	g2 := NewGate(password)
	mac := hmac.New(sha256.New, g2.secret)
	mac.Write(nonce)
	return mac.Sum(nil)
}
