package tlsconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledWhenNoCertConfigured(t *testing.T) {
	cfg, err := Build(Config{})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestEnabledRequiresBothCertAndKey(t *testing.T) {
	require.False(t, Config{CertFile: "cert.pem"}.Enabled())
	require.False(t, Config{KeyFile: "key.pem"}.Enabled())
	require.True(t, Config{CertFile: "cert.pem", KeyFile: "key.pem"}.Enabled())
}

func TestBuildFailsOnMissingFiles(t *testing.T) {
	_, err := Build(Config{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"})
	require.Error(t, err)
}
