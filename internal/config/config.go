package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are separated
// by a double underscore: CELLSCOPE_SERVER__ADDR sets server.addr.
const EnvPrefix = "CELLSCOPE_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Session    SessionConfig    `koanf:"session"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Storage    StorageConfig    `koanf:"storage"`
	Cache      CacheConfig      `koanf:"cache"`
	Log        LogConfig        `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReleaseMode     bool          `koanf:"release_mode"`
	MaxUploadBytes  int64         `koanf:"max_upload_bytes"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type SessionConfig struct {
	CookieName    string        `koanf:"cookie_name"`
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// ClassifierConfig selects the classification backend. Mode is "simulated" or
// "remote"; MinConfidence of 0 disables low-confidence rejection.
type ClassifierConfig struct {
	Mode          string        `koanf:"mode"`
	Delay         time.Duration `koanf:"delay"`
	Timeout       time.Duration `koanf:"timeout"`
	MinConfidence float64       `koanf:"min_confidence"`
	RemoteAddr    string        `koanf:"remote_addr"`
}

// StorageConfig enables the outcome history when DSN is set.
type StorageConfig struct {
	DSN string `koanf:"dsn"`
}

// CacheConfig enables the Redis result cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string        `koanf:"redis_addr"`
	KeyPrefix string        `koanf:"key_prefix"`
	ResultTTL time.Duration `koanf:"result_ttl"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

const (
	ModeSimulated = "simulated"
	ModeRemote    = "remote"
)

var defaults = map[string]interface{}{
	"server.addr":               ":8080",
	"server.release_mode":       false,
	"server.max_upload_bytes":   int64(10 << 20),
	"server.shutdown_timeout":   15 * time.Second,
	"session.cookie_name":       "cellscope_session",
	"session.ttl":               30 * time.Minute,
	"session.sweep_interval":    time.Minute,
	"classifier.mode":           ModeSimulated,
	"classifier.delay":          2 * time.Second,
	"classifier.timeout":        30 * time.Second,
	"classifier.min_confidence": 0.0,
	"classifier.remote_addr":    "",
	"storage.dsn":               "",
	"cache.redis_addr":          "",
	"cache.key_prefix":          "cellscope:",
	"cache.result_ttl":          time.Hour,
	"log.level":                 "info",
}

// Load builds the configuration from defaults, the optional YAML file at path
// and CELLSCOPE_ environment overrides, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Classifier.Mode {
	case ModeSimulated:
	case ModeRemote:
		if c.Classifier.RemoteAddr == "" {
			return errors.New("classifier.remote_addr is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown classifier.mode %q", c.Classifier.Mode)
	}
	if c.Classifier.Delay < 0 {
		return errors.New("classifier.delay must not be negative")
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 100 {
		return errors.New("classifier.min_confidence must be within [0, 100]")
	}
	if c.Server.MaxUploadBytes < 0 {
		return errors.New("server.max_upload_bytes must not be negative")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return errors.New("session.sweep_interval must be positive")
	}
	return nil
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// PathFromEnv returns the config file location, honouring CELLSCOPE_CONFIG.
func PathFromEnv() string {
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
