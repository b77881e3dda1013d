package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"), dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, DefaultIterations, cfg.Iterations)
	assert.Equal(t, SchemeLegacy, cfg.KDFScheme)
	assert.Equal(t, DefaultIntermediateSlots, cfg.IntermediateSlots)
	assert.Len(t, cfg.Leaves, 1)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pki.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
organization: Acme
front_end_url: https://RMM.Example.com/
iterations: 10
kdf_scheme: hkdf
intermediate_slots: [a, b]
leaves:
  - kind: codesigning
    common_name: Acme Signing
trust_store:
  enabled: false
http:
  listen_addr: 0.0.0.0:443
  drain_duration: 5s
`), 0600))

	cfg, err := Load(path, dir)
	require.NoError(t, err)

	assert.Equal(t, "Acme", cfg.Organization)
	assert.Equal(t, 10, cfg.Iterations)
	assert.Equal(t, SchemeHKDF, cfg.KDFScheme)
	assert.Equal(t, []string{"a", "b"}, cfg.IntermediateSlots)
	assert.False(t, cfg.TrustStore.Enabled)
	assert.Equal(t, "https://rmm.example.com/pki/crl/acme.crl", cfg.CRLURL())

	assert.Equal(t, "0.0.0.0:443", cfg.HTTP.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.DrainDuration)
	assert.Equal(t, "127.0.0.1:8090", cfg.HTTP.MetricsAddr, "unset keys keep defaults")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
		{"unknown scheme", func(c *Config) { c.KDFScheme = "pbkdf2" }},
		{"no slots", func(c *Config) { c.IntermediateSlots = nil }},
		{"duplicate slot", func(c *Config) { c.IntermediateSlots = []string{"x", "x"} }},
		{"slot with separator", func(c *Config) { c.IntermediateSlots = []string{"../x"} }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"negative drain", func(c *Config) { c.HTTP.DrainDuration = -time.Second }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
