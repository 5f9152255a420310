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
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
environment:
  mode: paper
broker:
  provider: tradier
  api_key: test-key
  account_id: test-account
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "SPX", cfg.Oracle.Symbol)
	assert.Equal(t, "SPXW", cfg.Oracle.OptionRoot)
	assert.Equal(t, 3000.0, cfg.Oracle.MinPrice)
	assert.Equal(t, 7000.0, cfg.Oracle.MaxPrice)
	assert.Equal(t, 0.02, cfg.Trade.MaxRiskPct)
	assert.Equal(t, 0.20, cfg.Trade.MaxSpreadPct)
	assert.Equal(t, 30*time.Second, cfg.OrderTimeout())
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, 1.01, cfg.Execution.CrossCeiling)
	assert.Equal(t, "15:30", cfg.Schedule.EntryCutoff)
	assert.Equal(t, "trades.db", cfg.Storage.Path)
	assert.True(t, cfg.IsPaperTrading())
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BROKER_KEY", "secret-from-env")
	cfg, err := Load(writeConfig(t, `
environment:
  mode: live
broker:
  api_key: ${TEST_BROKER_KEY}
  account_id: acct
`))
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Broker.APIKey)
	assert.False(t, cfg.IsPaperTrading())
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
mystery_section:
  foo: 1
`))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		patch string
	}{
		{"bad mode", "environment:\n  mode: demo\nbroker:\n  api_key: k\n  account_id: a\n"},
		{"missing api key", "environment:\n  mode: paper\nbroker:\n  account_id: a\n"},
		{"risk too high", minimalConfig + "trade:\n  max_risk_pct: 0.9\n"},
		{"bad cutoff", minimalConfig + "schedule:\n  entry_cutoff: \"25:99\"\n"},
		{"bad ceiling", minimalConfig + "execution:\n  cross_ceiling: 2.0\n"},
		{"inverted band", minimalConfig + "oracle:\n  min_price: 7000\n  max_price: 3000\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.patch))
			assert.Error(t, err)
		})
	}
}
