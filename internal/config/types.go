package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option once the loader resolves the
// configured sources.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Assistant AssistantConfig `koanf:"assistant"`
	Poll      PollConfig      `koanf:"poll"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig selects and tunes the result cache backend.
type CacheConfig struct {
	Backend string           `koanf:"backend"`
	TTL     string           `koanf:"ttl"`
	Redis   RedisCacheConfig `koanf:"redis"`
}

type RedisCacheConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisTLSCacheConfig `koanf:"tls"`
}

type RedisTLSCacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// AssistantConfig describes how to reach the external assistant-run API.
// APIKey and APIKeyFile are mutually exclusive; the file variant is watched
// at runtime so rotated credentials take effect without a restart.
type AssistantConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	APIKey         string `koanf:"apiKey"`
	APIKeyFile     string `koanf:"apiKeyFile"`
	RequestTimeout string `koanf:"requestTimeout"`
	RetryAttempts  int    `koanf:"retryAttempts"`
	RetryDelay     string `koanf:"retryDelay"`
}

// PollConfig carries the defaults handed to status pollers. A zero maxWait
// keeps polling unbounded, matching the historical product behavior.
type PollConfig struct {
	Interval string `koanf:"interval"`
	MaxWait  string `koanf:"maxWait"`
}

// TTLDuration parses the configured cache TTL, falling back to the given
// default when the value is empty or unparseable.
func (c CacheConfig) TTLDuration(fallback time.Duration) time.Duration {
	if c.TTL == "" {
		return fallback
	}
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Duration parses a duration field, returning the fallback for empty or
// malformed values. Validation rejects malformed values up front, so the
// fallback path only matters for callers assembling configs by hand.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if c.Server.Cache.TTL != "" {
		if _, err := time.ParseDuration(c.Server.Cache.TTL); err != nil {
			return fmt.Errorf("config: server.cache.ttl invalid: %w", err)
		}
	}
	if strings.TrimSpace(c.Server.Assistant.BaseURL) == "" {
		return errors.New("config: server.assistant.baseUrl required")
	}
	if c.Server.Assistant.APIKey != "" && c.Server.Assistant.APIKeyFile != "" {
		return errors.New("config: server.assistant.apiKey and apiKeyFile are mutually exclusive")
	}
	if c.Server.Assistant.RetryAttempts < 0 {
		return fmt.Errorf("config: server.assistant.retryAttempts invalid: %d", c.Server.Assistant.RetryAttempts)
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"server.assistant.requestTimeout", c.Server.Assistant.RequestTimeout},
		{"server.assistant.retryDelay", c.Server.Assistant.RetryDelay},
		{"server.poll.interval", c.Server.Poll.Interval},
		{"server.poll.maxWait", c.Server.Poll.MaxWait},
	} {
		if field.value == "" {
			continue
		}
		d, err := time.ParseDuration(field.value)
		if err != nil {
			return fmt.Errorf("config: %s invalid: %w", field.name, err)
		}
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative: %s", field.name, field.value)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: CacheConfig{
				Backend: "memory",
				TTL:     "24h",
			},
			Assistant: AssistantConfig{
				BaseURL:        "https://api.openai.com/v1",
				RequestTimeout: "30s",
				RetryAttempts:  3,
				RetryDelay:     "1s",
			},
			Poll: PollConfig{
				Interval: "2500ms",
				MaxWait:  "0s",
			},
		},
	}
}
