package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "GRACE_PERIOD_HOURS", "")
	setEnv(t, "SWEEP_INTERVAL", "")
	setEnv(t, "FREE_DAILY_ALLOWANCE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultGracePeriodHours, cfg.GracePeriodHours)
	assert.Equal(t, 24*time.Hour, cfg.GracePeriod())
	assert.Equal(t, int64(DefaultFreeDailyAllowance), cfg.FreeDailyAllowance)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "PORT", "9090")
	setEnv(t, "GRACE_PERIOD_HOURS", "48")
	setEnv(t, "LOW_BALANCE_THRESHOLD", "250")
	setEnv(t, "SWEEP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 48, cfg.GracePeriodHours)
	assert.Equal(t, int64(250), cfg.LowBalanceThreshold)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{Env: "development", GracePeriodHours: 24, SweepInterval: time.Minute}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero grace allowed", func(c *Config) { c.GracePeriodHours = 0 }, ""},
		{"negative grace", func(c *Config) { c.GracePeriodHours = -1 }, "GRACE_PERIOD_HOURS"},
		{"negative allowance", func(c *Config) { c.FreeDailyAllowance = -5 }, "allowances"},
		{"negative threshold", func(c *Config) { c.LowBalanceThreshold = -1 }, "LOW_BALANCE_THRESHOLD"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"production without stripe", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
			c.DatabaseURL = "postgres://x"
		}, "STRIPE_WEBHOOK_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "s"
			c.StripeWebhookSecret = "whsec"
			c.DatabaseURL = "postgres://x"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
