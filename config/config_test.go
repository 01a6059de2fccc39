package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Bot.Token)
	assert.Equal(t, "leadwatch.db", cfg.Database.Path)
	assert.Equal(t, 1490.0, cfg.Billing.BaseMonthly)
	assert.Equal(t, 490.0, cfg.Billing.ExtraChatMonthly)
	assert.Equal(t, 5, cfg.Billing.FreeSources)
	assert.Equal(t, 3, cfg.Billing.ChargeHourUTC)
	assert.Equal(t, 300.0, cfg.Billing.MinTopup)
	assert.Equal(t, 300.0, cfg.Gateway.PayoutMin)
	assert.Equal(t, 5*time.Second, cfg.Settlement.PollInterval)
	assert.Equal(t, 60, cfg.Settlement.MaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("DB_PATH", "/tmp/other.db")
	t.Setenv("BILLING_BASE_MONTHLY", "990")
	t.Setenv("SETTLEMENT_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, 990.0, cfg.Billing.BaseMonthly)
	assert.Equal(t, 250*time.Millisecond, cfg.Settlement.PollInterval)
}
