package ledgersync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the sync daemon.
type Config struct {
	Server struct {
		// Addr is the listen address, e.g. ":5000".
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		// DataDir holds one replica database per account.
		DataDir string `yaml:"data_dir"`

		Identity struct {
			// Driver selects the account store backend: sqlite | postgres.
			Driver string `yaml:"driver"`
			// Path is the sqlite database file (sqlite driver).
			Path string `yaml:"path"`
			// DSN is the connection string (postgres driver).
			DSN string `yaml:"dsn"`
		} `yaml:"identity"`
	} `yaml:"storage"`

	Cache struct {
		// Kind selects the token-verdict cache: memory | redis.
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Auth struct {
		// TokenSecret signs session bearer tokens. Required.
		TokenSecret string `yaml:"token_secret"`
		// TokenTTL bounds token lifetime. Defaults to 30 days.
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Log struct {
		// Env is "dev" (console) or "prod" (JSON).
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Addr = ":5000"
	cfg.Storage.DataDir = "data_storage"
	cfg.Storage.Identity.Driver = "sqlite"
	cfg.Storage.Identity.Path = "data_storage/identity.db"
	cfg.Cache.Kind = "memory"
	cfg.Cache.Redis.Prefix = "ledgersync"
	cfg.Auth.TokenTTL = 30 * 24 * time.Hour
	cfg.Log.Env = "dev"
	cfg.Log.Level = "info"
	return cfg
}

// LoadConfig reads a YAML config file. Missing file is not an error when
// path is empty; env overrides are applied either way.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides config fields from LEDGERSYNC_* environment variables.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, "LEDGERSYNC_ADDR")
	set(&c.Storage.DataDir, "LEDGERSYNC_DATA_DIR")
	set(&c.Storage.Identity.Driver, "LEDGERSYNC_IDENTITY_DRIVER")
	set(&c.Storage.Identity.Path, "LEDGERSYNC_IDENTITY_PATH")
	set(&c.Storage.Identity.DSN, "LEDGERSYNC_IDENTITY_DSN")
	set(&c.Cache.Kind, "LEDGERSYNC_CACHE_KIND")
	set(&c.Cache.Redis.Addr, "LEDGERSYNC_REDIS_ADDR")
	set(&c.Auth.TokenSecret, "LEDGERSYNC_TOKEN_SECRET")
	set(&c.Log.Env, "LEDGERSYNC_LOG_ENV")
	set(&c.Log.Level, "LEDGERSYNC_LOG_LEVEL")

	if v := os.Getenv("LEDGERSYNC_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.TokenTTL = d
		}
	}
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &ValidationError{Field: "server.addr", Message: "required"}
	}
	if c.Storage.DataDir == "" {
		return &ValidationError{Field: "storage.data_dir", Message: "required: directory for replica databases"}
	}
	switch c.Storage.Identity.Driver {
	case "sqlite":
		if c.Storage.Identity.Path == "" {
			return &ValidationError{Field: "storage.identity.path", Message: "required for sqlite driver"}
		}
	case "postgres":
		if c.Storage.Identity.DSN == "" {
			return &ValidationError{Field: "storage.identity.dsn", Message: "required for postgres driver"}
		}
	default:
		return &ValidationError{Field: "storage.identity.driver", Message: "must be sqlite or postgres"}
	}
	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return &ValidationError{Field: "cache.redis.addr", Message: "required for redis cache"}
		}
	default:
		return &ValidationError{Field: "cache.kind", Message: "must be memory or redis"}
	}
	if c.Auth.TokenSecret == "" {
		return &ValidationError{Field: "auth.token_secret", Message: "required: signs bearer tokens"}
	}
	if c.Auth.TokenTTL <= 0 {
		return &ValidationError{Field: "auth.token_ttl", Message: "must be positive"}
	}
	return nil
}
