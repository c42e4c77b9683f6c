package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CACHE_DEFAULT_TTL", "90s")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("SUBSCRIPTION_MAX_RETRIES", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 5, cfg.Subscription.MaxRetries)
}

func TestInvalidEnvValueFallsBackToDefault(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestFileOverlayThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
cache:
  maxEntries: 500
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "6060")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	// Env beats file, file beats default.
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 10, cfg.Invalidation.BatchSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"negative max entries", func(c *Config) { c.Cache.MaxEntries = -1 }},
		{"zero TTL", func(c *Config) { c.Cache.DefaultTTL = 0 }},
		{"zero batch size", func(c *Config) { c.Invalidation.BatchSize = 0 }},
		{"jitter above one", func(c *Config) { c.Subscription.BackoffJitter = 1.5 }},
		{"production without credentials", func(c *Config) { c.Environment = Production }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  maxEntries: 100\n"), 0o644))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	assert.Equal(t, 100, w.Current().Cache.MaxEntries)

	changed := make(chan *Config, 1)
	w.OnChange(func(_, next *Config) { changed <- next })
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  maxEntries: 200\n"), 0o644))

	select {
	case next := <-changed:
		assert.Equal(t, 200, next.Cache.MaxEntries)
		assert.Equal(t, 200, w.Current().Cache.MaxEntries)
	case <-time.After(2 * time.Second):
		t.Fatal("reload not observed")
	}
}

func TestWatcherKeepsLastGoodConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  maxEntries: 100\n"), 0o644))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  maxEntries: -5\n"), 0o644))

	// The invalid write must never replace the current config.
	assert.Never(t, func() bool {
		return w.Current().Cache.MaxEntries != 100
	}, 500*time.Millisecond, 50*time.Millisecond)
}
