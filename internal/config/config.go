package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Feed drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	UserID         string         `toml:"user_id"`
	LogLevel       string         `toml:"log_level"`
	Feed           FeedConfig     `toml:"feed"`
	Sync           SyncConfig     `toml:"sync"`
	Presence       PresenceConfig `toml:"presence"`
}

// FeedConfig selects and configures the remote change feed.
type FeedConfig struct {
	Driver      string   `toml:"driver"`
	RedisURL    string   `toml:"redis_url"`
	RedisPrefix string   `toml:"redis_prefix"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Window    int      `toml:"window"`
	TypingTTL Duration `toml:"typing_ttl"`
}

// PresenceConfig tunes presence publishing.
type PresenceConfig struct {
	Heartbeat Duration `toml:"heartbeat"`
	Grace     Duration `toml:"grace"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Feed: FeedConfig{
			Driver:      DriverMemory,
			RedisPrefix: "chatsync",
			DialTimeout: Duration{5 * time.Second},
		},
		Sync: SyncConfig{
			Window:    100,
			TypingTTL: Duration{5 * time.Second},
		},
		Presence: PresenceConfig{
			Heartbeat: Duration{60 * time.Second},
			Grace:     Duration{30 * time.Second},
		},
	}
}

// Load reads config from the given path over the defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads the given .env files into the process environment, without
// overriding variables already set, then applies CHATSYNC_* overrides.
// Missing .env files are ignored.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return Override(cfg, os.LookupEnv)
}

// Override applies CHATSYNC_* variables found through lookup.
func Override(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("SESSION", &cfg.DefaultSession)
	str("USER_ID", &cfg.UserID)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("FEED_DRIVER", &cfg.Feed.Driver)
	str("REDIS_URL", &cfg.Feed.RedisURL)
	str("REDIS_PREFIX", &cfg.Feed.RedisPrefix)

	if v, ok := lookup(EnvPrefix + "WINDOW"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWINDOW: %w", EnvPrefix, err)
		}
		cfg.Sync.Window = n
	}
	for name, dst := range map[string]*Duration{
		"DIAL_TIMEOUT": &cfg.Feed.DialTimeout,
		"TYPING_TTL":   &cfg.Sync.TypingTTL,
		"HEARTBEAT":    &cfg.Presence.Heartbeat,
		"GRACE":        &cfg.Presence.Grace,
	} {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
		}
	}
	return nil
}

// Validate checks that the configuration can start a daemon.
func (c *Config) Validate() error {
	switch c.Feed.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Feed.RedisURL == "" {
			return errors.New("feed.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown feed driver %q", c.Feed.Driver)
	}
	if c.Sync.Window <= 0 {
		return fmt.Errorf("sync.window must be positive, got %d", c.Sync.Window)
	}
	for name, d := range map[string]Duration{
		"sync.typing_ttl":    c.Sync.TypingTTL,
		"presence.heartbeat": c.Presence.Heartbeat,
		"presence.grace":     c.Presence.Grace,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
