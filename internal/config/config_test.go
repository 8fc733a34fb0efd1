package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("PLATFORM_ACCOUNT", "platform")
	t.Setenv("ADMIN_ACCOUNT", "admin")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_BACKEND", "")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Backend)
	assert.Equal(t, 3, cfg.Fee.Percent)
	assert.Equal(t, 5*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, 600.0, cfg.RateLimit.RequestsPerMinute)
	assert.Empty(t, cfg.Ledger.DatabaseURL)
}

func TestLoadRequiresFeeAccounts(t *testing.T) {
	t.Setenv("ESCROW_CONFIG", "")
	t.Setenv("PLATFORM_ACCOUNT", "")
	t.Setenv("ADMIN_ACCOUNT", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: 127.0.0.1:9000
ledger:
  backend: postgres
  database_url: postgres://u:p@db:5432/escrow
fee:
  percent: 5
  platform: yaml-platform
  administrator: yaml-admin
registry:
  url: http://registry:8081
  timeout: 2s
  allowlist: [doc-a, doc-b]
raft:
  node_id: node-7
  bootstrap: true
`), 0o600))

	t.Setenv("ESCROW_CONFIG", path)
	t.Setenv("PLATFORM_ACCOUNT", "")
	t.Setenv("ADMIN_ACCOUNT", "env-admin")
	t.Setenv("FEE_PERCENT", "7")
	t.Setenv("REGISTRY_ALLOWLIST", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_BACKEND", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ServerAddr)
	assert.Equal(t, LedgerPostgres, cfg.Ledger.Backend)
	assert.Equal(t, "postgres://u:p@db:5432/escrow", cfg.Ledger.DatabaseURL)
	assert.Equal(t, 7, cfg.Fee.Percent)
	assert.Equal(t, "yaml-platform", cfg.Fee.Platform)
	assert.Equal(t, "env-admin", cfg.Fee.Administrator)
	assert.Equal(t, 2*time.Second, cfg.Registry.Timeout)
	assert.Equal(t, []string{"doc-a", "doc-b"}, cfg.Registry.Allowlist)
	assert.Equal(t, "node-7", cfg.Raft.NodeID)
	assert.True(t, cfg.Raft.Bootstrap)
}

func TestLoadRejectsUnknownYAMLFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fees: {}\n"), 0o600))
	t.Setenv("ESCROW_CONFIG", path)
	setRequired(t)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Fee.Platform = "p"
	cfg.Fee.Administrator = "a"
	require.NoError(t, cfg.Validate())

	cfg.Fee.Percent = 101
	assert.Error(t, cfg.Validate())
	cfg.Fee.Percent = 3

	cfg.Ledger.Backend = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Ledger.Backend = LedgerPostgres
	assert.Error(t, cfg.Validate(), "postgres without a dsn")
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseDuration("bogus", 3*time.Second))
	assert.Equal(t, time.Minute, parseDuration(" 1m ", 0))
	assert.True(t, parseBool("", true))
	assert.False(t, parseBool("false", true))
	assert.Equal(t, 9, parseInt("x", 9))
	assert.Equal(t, 1.5, parseFloat("1.5", 0))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a, ,b "))
}

func TestFeeGenesis(t *testing.T) {
	fee := FeeConfig{Percent: 7, Platform: " Platform ", Administrator: "ABCD"}
	got := fee.Genesis()
	assert.Equal(t, uint8(7), got.FeePercent)
	assert.Equal(t, "platform", string(got.Platform))
	assert.Equal(t, "abcd", string(got.Administrator))
	assert.NoError(t, got.Validate())
}
