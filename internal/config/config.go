// Package config loads and validates the provider's YAML
// configuration. Sections map one-to-one onto component Config types;
// zero values defer to each component's own defaults, so a minimal
// file only names feeds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/binance"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/ccxt"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/coinbase"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/adapters/kraken"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/facade"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/data/ws"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/datasources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/infrastructure/httpclient"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/ratelimit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub001/internal/net/retry"
)

const (
	DefaultPort = 3101
	defaultHost = "0.0.0.0"
)

// ServerConfig tunes the HTTP listener
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects level and output format
type LogConfig struct {
	Level  string `yaml:"level"`  // zerolog level name
	Format string `yaml:"format"` // "json" or "console"
}

// Config is the complete service configuration
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	Log          LogConfig                  `yaml:"log"`
	Cache        cache.Config               `yaml:"cache"`
	Warmer       cache.WarmerConfig         `yaml:"warmer"`
	Circuit      circuit.Config             `yaml:"circuit"`
	Retry        retry.Config               `yaml:"retry"`
	Recovery     datasources.RecoveryConfig `yaml:"recovery"`
	Errors       datasources.HandlerConfig  `yaml:"errors"`
	RateLimit    ratelimit.Config           `yaml:"ratelimit"`
	HTTPClient   httpclient.Config          `yaml:"httpclient"`
	Orchestrator ws.Config                  `yaml:"orchestrator"`
	Facade       facade.Config              `yaml:"facade"`
	Binance      binance.Config             `yaml:"binance"`
	Coinbase     coinbase.Config            `yaml:"coinbase"`
	Kraken       kraken.Config              `yaml:"kraken"`
	CCXT         ccxt.Config                `yaml:"ccxt"`
	Feeds        []feed.Config              `yaml:"feeds"`
}

// Default returns the baseline configuration. Component sections stay
// zero-valued; their constructors fill their own defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            defaultHost,
			Port:            DefaultPort,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			HandlerTimeout:  5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file at path, layers PROVIDER_* environment overrides
// on top, and validates the result. An empty path loads defaults plus
// environment only, which still requires feeds from somewhere and
// therefore fails validation; that is intentional, feeds are the one
// section with no sane default.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv layers PROVIDER_* variables over the file values
func (c *Config) applyEnv() {
	if v := os.Getenv("PROVIDER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PROVIDER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PROVIDER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PROVIDER_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate rejects configurations the service cannot start with.
// Anything it accepts either works or defaults at construction time.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format %q, want json or console", c.Log.Format)
	}

	if len(c.Feeds) == 0 {
		return fmt.Errorf("no feeds configured")
	}
	seen := make(map[string]struct{}, len(c.Feeds))
	for i, fc := range c.Feeds {
		if fc.Feed.Name == "" {
			return fmt.Errorf("feed %d has no name", i)
		}
		if fc.Feed.Category < feed.CategoryCrypto || fc.Feed.Category > feed.CategoryStock {
			return fmt.Errorf("feed %s: unknown category %d", fc.Feed.Name, fc.Feed.Category)
		}
		key := fc.Feed.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("feed %s configured twice", key)
		}
		seen[key] = struct{}{}
		if len(fc.Sources) == 0 {
			return fmt.Errorf("feed %s has no sources", key)
		}
		for _, src := range fc.Sources {
			if src.Exchange == "" || src.Symbol == "" {
				return fmt.Errorf("feed %s has a source missing exchange or symbol", key)
			}
		}
	}
	return nil
}
