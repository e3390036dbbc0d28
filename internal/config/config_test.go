package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, exchange.StrategyHybrid, cfg.Strategy)
	assert.Equal(t, 100, cfg.DefaultQPS)
	assert.Equal(t, 500*time.Millisecond, cfg.DefaultTMax)
	assert.Equal(t, 2*time.Second, cfg.WinNoticeTimeout)
	assert.Equal(t, 0.7, cfg.FraudThreshold)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.FraudIgnoreHeaders)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SOURCING_STRATEGY", "External")
	t.Setenv("DEFAULT_QPS", "25")
	t.Setenv("DEFAULT_TMAX_MS", "120")
	t.Setenv("FRAUD_THRESHOLD", "0.85")
	t.Setenv("FRAUD_IGNORE_HEADERS", "Via, X-Forwarded-For ,")
	t.Setenv("REGISTRY_REFRESH", "5s")
	t.Setenv("DEFAULT_CURRENCY", "eur")
	t.Setenv("TRUST_PROXY", "true")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, exchange.StrategyExternal, cfg.Strategy)
	assert.Equal(t, 25, cfg.DefaultQPS)
	assert.Equal(t, 120*time.Millisecond, cfg.DefaultTMax)
	assert.Equal(t, 0.85, cfg.FraudThreshold)
	assert.Equal(t, []string{"Via", "X-Forwarded-For"}, cfg.FraudIgnoreHeaders)
	assert.Equal(t, 5*time.Second, cfg.RegistryRefresh)
	assert.Equal(t, "EUR", cfg.DefaultCurrency)
	assert.True(t, cfg.TrustProxy)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DEFAULT_QPS", "lots")
	t.Setenv("EVENT_FLUSH_INTERVAL", "soon")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.DefaultQPS)
	assert.Equal(t, time.Second, cfg.EventFlushInterval)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown strategy", "SOURCING_STRATEGY", "auction-house"},
		{"threshold above one", "FRAUD_THRESHOLD", "1.5"},
		{"negative qps", "DEFAULT_QPS", "-1"},
		{"zero tmax", "DEFAULT_TMAX_MS", "0"},
		{"multiplier below one", "FLOOR_MULTIPLIER", "0.5"},
		{"unknown endpoint source", "ENDPOINT_SOURCE", "ldap"},
		{"redis source without redis", "ENDPOINT_SOURCE", "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("FALLBACK_MARKUP=<b>house</b>\nDEFAULT_QPS=7\n"), 0o600))
	t.Setenv("DEFAULT_QPS", "9")
	t.Cleanup(func() { os.Unsetenv("FALLBACK_MARKUP") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "<b>house</b>", cfg.FallbackMarkup)
	assert.Equal(t, 9, cfg.DefaultQPS, "environment wins over the file")
}

func TestConfig_Components(t *testing.T) {
	t.Setenv("SOURCING_STRATEGY", "internal")
	t.Setenv("FRAUD_IGNORE_HEADERS", "Via")
	t.Setenv("EVENT_BATCH_SIZE", "10")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	ex := cfg.Exchange()
	assert.Equal(t, exchange.StrategyInternal, ex.Strategy)
	assert.Equal(t, cfg.DefaultTMax, ex.DefaultTMax)
	assert.Equal(t, time.Second, ex.RateWindow)

	fr := cfg.Fraud()
	assert.Equal(t, []string{"Via"}, fr.IgnoreHeaders)
	assert.Equal(t, 100, fr.MinuteLimit)

	ev := cfg.Events()
	assert.Equal(t, 10, ev.BatchSize)
	assert.NotNil(t, ev.Clock)
}
