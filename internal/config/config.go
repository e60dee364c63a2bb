// Package config loads posync settings.
//
// Values are resolved with the precedence defaults < config file <
// environment. The config file is ~/.chefcloud/posync.{yaml,toml,json}
// unless a path is passed explicitly. Environment variables use the
// CHEFCLOUD_ prefix with dots replaced by underscores, for example
// CHEFCLOUD_SYNC_CONCURRENCY.
package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chefcloud/posync/internal/errors"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CHEFCLOUD"
	// FileName is the config file name without extension.
	FileName = "posync"
	// DirName is the per-user directory under the home directory.
	DirName = ".chefcloud"
)

// Config holds every posync setting.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	TerminalID   string             `mapstructure:"terminal_id"`
	API          APIConfig          `mapstructure:"api"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Cache        CacheConfig        `mapstructure:"cache"`
	History      HistoryConfig      `mapstructure:"history"`
	Quota        QuotaConfig        `mapstructure:"quota"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// APIConfig configures the REST executor.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes draining and retries.
type SyncConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	Interval      time.Duration `mapstructure:"interval"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

// CacheConfig holds snapshot staleness thresholds.
type CacheConfig struct {
	MenuTTL       time.Duration `mapstructure:"menu_ttl"`
	OpenOrdersTTL time.Duration `mapstructure:"open_orders_ttl"`
}

// HistoryConfig bounds the sync log.
type HistoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// QuotaConfig caps the reported storage quota. Zero means the free space
// of the data directory's filesystem.
type QuotaConfig struct {
	MaxBytes int64 `mapstructure:"max_bytes"`
}

// BroadcastConfig locates the shared cross-session directory.
type BroadcastConfig struct {
	Dir string `mapstructure:"dir"`
}

// ConnectivityConfig configures the health prober. An empty ProbeURL
// disables probing and the terminal is assumed online.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// LogConfig configures logging. An empty File logs to stdout.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultDir returns ~/.chefcloud, or .chefcloud when the home directory
// is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return DirName
	}
	return filepath.Join(home, DirName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(DefaultDir(), "posync"))
	v.SetDefault("terminal_id", "")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("sync.concurrency", 1)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.rate_limit", 0.0)
	v.SetDefault("sync.burst", 1)
	v.SetDefault("sync.action_timeout", 30*time.Second)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("cache.menu_ttl", 24*time.Hour)
	v.SetDefault("cache.open_orders_ttl", 5*time.Minute)
	v.SetDefault("history.max_entries", 200)
	v.SetDefault("quota.max_bytes", int64(0))
	v.SetDefault("broadcast.dir", "")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("server.addr", "127.0.0.1:8090")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in defaults with environment overrides applied.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults always decode; a malformed env value is reported by Load
		cfg = &Config{}
	}
	return cfg
}

// Load resolves the configuration. An explicit path must exist; without
// one the default locations are searched and a missing file is not an
// error. The result is validated.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "failed to read config file "+path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.Wrap(errors.ErrConfig, "failed to read config file", err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "failed to decode config", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New(errors.ErrConfig, "data_dir is required")
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"api.timeout", c.API.Timeout},
		{"sync.interval", c.Sync.Interval},
		{"sync.action_timeout", c.Sync.ActionTimeout},
		{"sync.backoff_base", c.Sync.BackoffBase},
		{"sync.backoff_max", c.Sync.BackoffMax},
		{"cache.menu_ttl", c.Cache.MenuTTL},
		{"cache.open_orders_ttl", c.Cache.OpenOrdersTTL},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return errors.Newf(errors.ErrConfig, "%s must be positive, got %s", d.key, d.d)
		}
	}

	switch {
	case c.Sync.Concurrency < 1:
		return errors.Newf(errors.ErrConfig, "sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	case c.Sync.RateLimit < 0:
		return errors.New(errors.ErrConfig, "sync.rate_limit must not be negative")
	case c.Sync.Burst < 0:
		return errors.New(errors.ErrConfig, "sync.burst must not be negative")
	case c.Sync.BackoffBase > c.Sync.BackoffMax:
		return errors.New(errors.ErrConfig, "sync.backoff_base must not exceed sync.backoff_max")
	case c.History.MaxEntries < 1:
		return errors.Newf(errors.ErrConfig, "history.max_entries must be at least 1, got %d", c.History.MaxEntries)
	case c.Quota.MaxBytes < 0:
		return errors.New(errors.ErrConfig, "quota.max_bytes must not be negative")
	}
	return nil
}

// BroadcastDir returns the shared signal directory, defaulting to a
// broadcast directory inside DataDir.
func (c *Config) BroadcastDir() string {
	if c.Broadcast.Dir != "" {
		return c.Broadcast.Dir
	}
	return filepath.Join(c.DataDir, "broadcast")
}
