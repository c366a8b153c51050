package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		_ = os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				_ = os.Setenv(k, prev)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t, "TEST_LISTEN_ADDRESS", "TEST_MAX_LOGS_PER_AGENT", "TEST_STORE_BACKEND")
	cfg, err := Load("test")
	require.NoError(t, err)
	assert.Equal(t, ":3001", cfg.ListenAddress)
	assert.Equal(t, 1000, cfg.MaxLogsPerAgent)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 24*time.Hour, cfg.CompletedTTL)
}

func TestLoadOverridesFromPrefixedEnv(t *testing.T) {
	clearEnv(t, "TEST_LISTEN_ADDRESS", "TEST_MAX_LOGS_PER_AGENT")
	require.NoError(t, os.Setenv("TEST_LISTEN_ADDRESS", ":9090"))
	require.NoError(t, os.Setenv("TEST_MAX_LOGS_PER_AGENT", "42"))
	t.Cleanup(func() {
		_ = os.Unsetenv("TEST_LISTEN_ADDRESS")
		_ = os.Unsetenv("TEST_MAX_LOGS_PER_AGENT")
	})

	cfg, err := Load("test")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddress)
	assert.Equal(t, 42, cfg.MaxLogsPerAgent)
}

func TestLoadRejectsExternalKVWithoutRedisAddr(t *testing.T) {
	clearEnv(t, "TEST_STORE_BACKEND", "TEST_REDIS_ADDR")
	require.NoError(t, os.Setenv("TEST_STORE_BACKEND", "external-kv"))
	require.NoError(t, os.Setenv("TEST_REDIS_ADDR", ""))
	t.Cleanup(func() { _ = os.Unsetenv("TEST_STORE_BACKEND") })

	_, err := Load("test")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStoreBackend(t *testing.T) {
	clearEnv(t, "TEST_STORE_BACKEND")
	require.NoError(t, os.Setenv("TEST_STORE_BACKEND", "bogus"))
	t.Cleanup(func() { _ = os.Unsetenv("TEST_STORE_BACKEND") })

	_, err := Load("test")
	assert.Error(t, err)
}

func TestLoadParsesDurationFields(t *testing.T) {
	clearEnv(t, "TEST_PING_INTERVAL")
	require.NoError(t, os.Setenv("TEST_PING_INTERVAL", "45s"))
	t.Cleanup(func() { _ = os.Unsetenv("TEST_PING_INTERVAL") })

	cfg, err := Load("test")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.PingInterval)
}

func TestValidateRejectsNonPositiveCaps(t *testing.T) {
	cfg := &Config{StoreBackend: BackendMemory, MaxLogsPerAgent: 0, MaxSubscriberQueue: 1}
	assert.Error(t, cfg.Validate())

	cfg = &Config{StoreBackend: BackendMemory, MaxLogsPerAgent: 1, MaxSubscriberQueue: 0}
	assert.Error(t, cfg.Validate())
}
