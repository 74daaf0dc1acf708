package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MASTER_ENCRYPTION_KEY", "0123456789abcdef0123")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10.0, cfg.Limits.MaxTradeSOL)
	assert.Equal(t, 0.01, cfg.Limits.MinTradeSOL)
	assert.Equal(t, 200, cfg.Limits.MaxSlippageBps)
	assert.Equal(t, 10, cfg.Limits.MaxTradesPerHour)
	assert.Equal(t, 50, cfg.Limits.MaxTradesPerDay)
	assert.Equal(t, 100.0, cfg.Limits.DailyLimitSOL)
	assert.Equal(t, 30*time.Second, cfg.Jupiter.Timeout)
	assert.Equal(t, 3, cfg.Jupiter.MaxRetries)
	assert.Equal(t, "argon2id", cfg.Security.KDF)
	assert.Equal(t, "@every 1m", cfg.Workers.SweepSchedule)
	assert.Equal(t, 5*time.Second, cfg.Limits.UserLockTimeout)
	assert.False(t, cfg.App.IsProduction())
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing master key", map[string]string{"MASTER_ENCRYPTION_KEY": ""}},
		{"short master key", map[string]string{"MASTER_ENCRYPTION_KEY": "short"}},
		{"slippage ceiling", map[string]string{
			"MASTER_ENCRYPTION_KEY":   "0123456789abcdef0123",
			"LIMITS_MAX_SLIPPAGE_BPS": "20000",
		}},
		{"min above max", map[string]string{
			"MASTER_ENCRYPTION_KEY": "0123456789abcdef0123",
			"LIMITS_MIN_TRADE_SOL":  "20",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MASTER_ENCRYPTION_KEY", "0123456789abcdef0123")
	t.Setenv("ENV_NAME", "production")
	t.Setenv("SOLANA_DRY_RUN", "true")
	t.Setenv("BLOCKCHAIN_DEBUG_MODE", "1")
	t.Setenv("WORKERS_STALE_AFTER", "30m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.App.IsProduction())
	assert.True(t, cfg.Solana.DryRun)
	assert.True(t, cfg.Solana.Devnet)
	assert.Equal(t, 30*time.Minute, cfg.Workers.StaleAfter)
}
