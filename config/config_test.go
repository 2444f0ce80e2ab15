package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://watcher:pw@localhost:5432/watcher
redis:
  addr: localhost:6379
chain:
  rpc_url: https://rpc.example.org
wallet:
  xpub: xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(15), cfg.Chain.Confirmations)
	require.Equal(t, uint64(10), cfg.Scanner.BatchSize)
	require.Equal(t, 15*time.Second, cfg.Scanner.PollInterval.Duration)
	require.Equal(t, "0.05", cfg.Pricing.ClickPrice)
	require.Equal(t, "0.20", cfg.Referral.BonusRate)
	require.Equal(t, uint64(200), cfg.Recon.WindowBlocks)
	require.Equal(t, 48*time.Hour, cfg.Recon.KnownHashWindow.Duration)
}

func TestLoadParsesDurationsAndTokens(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://watcher:pw@localhost:5432/watcher
redis:
  addr: localhost:6379
chain:
  rpc_url: https://rpc.example.org
  fallback_rpc_url: https://rpc-fallback.example.org
  confirmations: 6
  min_call_spacing: 250ms
scanner:
  poll_interval: 5s
  batch_size: 25
  start_block: 1200000
recon:
  interval: 2m
  window_blocks: 500
wallet:
  xpub: xpub6CUGRUonZSQ4TWtTMmzXdrXDtypWKiKrhko4egpiMZbpiaQL2jkwSB1icqYh2cfDfVxdx4df189oLKnC5fSwqPfgyP3hooxujYzAu3fDVmz
tokens:
  - symbol: USDT
    address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
    decimals: 6
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(6), cfg.Chain.Confirmations)
	require.Equal(t, 250*time.Millisecond, cfg.Chain.MinCallSpacing.Duration)
	require.Equal(t, 5*time.Second, cfg.Scanner.PollInterval.Duration)
	require.Equal(t, uint64(1200000), cfg.Scanner.StartBlock)
	require.Equal(t, 2*time.Minute, cfg.Recon.Interval.Duration)
	require.Len(t, cfg.Tokens, 1)
	require.Equal(t, "USDT", cfg.Tokens[0].Symbol)
	require.Equal(t, 6, cfg.Tokens[0].Decimals)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://watcher:pw@localhost:5432/watcher
redis:
  addr: localhost:6379
chain:
  rpc_url: https://rpc.example.org
wallet:
  xpub: xpub-from-file
`)
	t.Setenv("DATABASE_URL", "postgres://override:pw@db:5432/watcher")
	t.Setenv("WATCHER_XPUB", "xpub-from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://override:pw@db:5432/watcher", cfg.DatabaseURL)
	require.Equal(t, "xpub-from-env", cfg.Wallet.XPub)
}

func TestLoadRejectsMissingRequirements(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: localhost:6379
chain:
  rpc_url: https://rpc.example.org
wallet:
  xpub: xpub-from-file
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "database_url")
}

func TestLoadRejectsInvalidToken(t *testing.T) {
	path := writeConfig(t, `
database_url: postgres://watcher:pw@localhost:5432/watcher
redis:
  addr: localhost:6379
chain:
  rpc_url: https://rpc.example.org
wallet:
  xpub: xpub-from-file
tokens:
  - symbol: USDT
    address: ""
    decimals: 6
`)
	_, err := Load(path)
	require.Error(t, err)
}
