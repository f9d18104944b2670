package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: "http://node.internal:8545"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node.internal:8545", cfg.Chain.RPCURL)
	assert.Equal(t, 15*time.Second, cfg.Chain.RequestTimeout)
	assert.Equal(t, 16, cfg.Chain.MaxInflight)
	assert.Equal(t, "0xcA11bde05977b3631167028862bE2a173976CA11", cfg.Chain.Multicall)

	assert.Equal(t, "run", cfg.Harness.EntryPoint)
	assert.Equal(t, uint64(30_000_000), cfg.Harness.GasLimit)
	assert.Equal(t, 5, cfg.Refine.MaxIterations)

	require.Len(t, cfg.Revenue.Venues, 2)
	assert.Equal(t, "uniswap_v2", cfg.Revenue.Venues[0].Name)
	assert.Equal(t, 30, cfg.Revenue.Venues[0].FeeBps)
	assert.Len(t, cfg.Revenue.Intermediates, 3)
	assert.InDelta(t, 0.05, cfg.Revenue.MaxPriceImpact, 1e-9)
	assert.Equal(t, 50, cfg.Revenue.HopToleranceBps)

	assert.Equal(t, 3, cfg.Engine.Parallel)
	assert.Equal(t, 4, cfg.Engine.ProxyDepth)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: "http://node.internal:8545"
  max_inflight: 4
refine:
  max_iterations: 2
engine:
  parallel: 8
  run_timeout: 5m
sinks:
  bolt:
    path: /var/lib/scan/artifacts.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Chain.MaxInflight)
	assert.Equal(t, 2, cfg.Refine.MaxIterations)
	assert.Equal(t, 8, cfg.Engine.Parallel)
	assert.Equal(t, 5*time.Minute, cfg.Engine.RunTimeout)
	require.NotNil(t, cfg.Sinks.Bolt)
	assert.Equal(t, "/var/lib/scan/artifacts.db", cfg.Sinks.Bolt.Path)
}

func TestLoadRejectsBadBudget(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: "http://node.internal:8545"
refine:
  max_iterations: 0
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
