package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_NETWORKS", "devnet:sim, staging")
	t.Setenv("CONFIRM_TIMEOUT_MS", "2500")
	t.Setenv("SIM_MARKETS", "SOL-USD")
	t.Setenv("SIM_FEEDER", "true")
	t.Setenv("SIGNER_PRIVATE_KEY", "0xabc")
	t.Setenv("CHAIN_ID", "42")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, []Network{{Name: "devnet", Kind: "sim"}, {Name: "staging", Kind: "sim"}}, cfg.Networks)
	assert.Equal(t, 2500*time.Millisecond, cfg.Gateway.ConfirmTimeout)
	assert.Equal(t, []string{"SOL-USD"}, cfg.Sim.Markets)
	assert.True(t, cfg.Sim.Feeder)
	assert.Equal(t, "abc", cfg.Gateway.SignerKey)
	assert.Equal(t, int64(42), cfg.Gateway.ChainID)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_ADDR=:9999\nLOG_LEVEL=debug\n"), 0o644))
	// godotenv never overrides variables that are already set.
	os.Unsetenv("API_ADDR")
	os.Unsetenv("LOG_LEVEL")
	t.Cleanup(func() {
		os.Unsetenv("API_ADDR")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg := LoadFromEnv(path)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestDefaultIsUsableWithoutEnvironment(t *testing.T) {
	cfg := Default()
	require.NotEmpty(t, cfg.Networks)
	assert.Equal(t, "sim", cfg.Networks[0].Kind)
	assert.Positive(t, cfg.Gateway.ConfirmTimeout)
}
