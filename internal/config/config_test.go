// Package config tests for settings resolution.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chefcloud/posync/internal/errors"
)

// isolate points the home directory at a temp dir so a real user config
// never leaks into the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// =====================================================
// Load Tests
// =====================================================

// TestLoad_defaults verifies defaults when no file exists.
func TestLoad_defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, DirName, "posync"), cfg.DataDir)
	assert.Equal(t, 1, cfg.Sync.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, 24*time.Hour, cfg.Cache.MenuTTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.OpenOrdersTTL)
	assert.Equal(t, 200, cfg.History.MaxEntries)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Addr)
	assert.Empty(t, cfg.File)
	assert.Equal(t, filepath.Join(cfg.DataDir, "broadcast"), cfg.BroadcastDir())
}

// TestLoad_defaultLocation verifies ~/.chefcloud/posync.yaml is found.
func TestLoad_defaultLocation(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, DirName, "posync.yaml")
	writeFile(t, path, "terminal_id: till-1\nsync:\n  interval: 1m\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "till-1", cfg.TerminalID)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, path, cfg.File)
}

// TestLoad_explicitFile verifies an explicit JSON file overrides defaults.
func TestLoad_explicitFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.json")
	writeFile(t, path, `{
		"data_dir": "/var/lib/posync",
		"api": {"base_url": "https://api.chefcloud.test", "timeout": "5s"},
		"sync": {"concurrency": 3, "rate_limit": 2.5},
		"broadcast": {"dir": "/run/posync"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/posync", cfg.DataDir)
	assert.Equal(t, "https://api.chefcloud.test", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.Equal(t, 3, cfg.Sync.Concurrency)
	assert.Equal(t, 2.5, cfg.Sync.RateLimit)
	assert.Equal(t, "/run/posync", cfg.BroadcastDir())
}

// TestLoad_envOverridesFile verifies environment variables win over the file.
func TestLoad_envOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "posync.toml")
	writeFile(t, path, "[sync]\nconcurrency = 2\n\n[log]\nlevel = \"warn\"\n")
	t.Setenv("CHEFCLOUD_SYNC_CONCURRENCY", "6")
	t.Setenv("CHEFCLOUD_CACHE_MENU_TTL", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Sync.Concurrency)
	assert.Equal(t, 2*time.Hour, cfg.Cache.MenuTTL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

// TestLoad_missingExplicitFile verifies an explicit path must exist.
func TestLoad_missingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

// TestLoad_invalid verifies validation runs on load.
func TestLoad_invalid(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "posync.yaml")
	writeFile(t, path, "sync:\n  concurrency: 0\n")

	_, err := Load(path)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

// =====================================================
// Validate Tests
// =====================================================

// TestValidate verifies each rejected setting.
func TestValidate(t *testing.T) {
	isolate(t)

	tests := map[string]func(c *Config){
		"empty data dir":      func(c *Config) { c.DataDir = " " },
		"zero interval":       func(c *Config) { c.Sync.Interval = 0 },
		"negative timeout":    func(c *Config) { c.API.Timeout = -time.Second },
		"zero menu ttl":       func(c *Config) { c.Cache.MenuTTL = 0 },
		"zero concurrency":    func(c *Config) { c.Sync.Concurrency = 0 },
		"negative rate":       func(c *Config) { c.Sync.RateLimit = -1 },
		"base above max":      func(c *Config) { c.Sync.BackoffBase = time.Hour },
		"no history":          func(c *Config) { c.History.MaxEntries = 0 },
		"negative quota":      func(c *Config) { c.Quota.MaxBytes = -1 },
		"zero probe interval": func(c *Config) { c.Connectivity.ProbeInterval = 0 },
	}

	require.NoError(t, Default().Validate())
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, errors.ErrConfig), "got %v", err)
		})
	}
}
