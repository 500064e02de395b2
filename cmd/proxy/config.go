package main

import (
	"fmt"
	"os"
	"time"

	"github.com/erdnusse/Anime-project/pkg/cache"
	"github.com/erdnusse/Anime-project/pkg/connlimit"
	"gopkg.in/yaml.v3"
)

// Config is the proxy configuration, loaded from YAML once at startup.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Upstream struct {
		BaseURL         string        `yaml:"baseUrl"`
		UserAgent       string        `yaml:"userAgent"`
		MaxConnsPerHost int           `yaml:"maxConnsPerHost"`
		Timeout         time.Duration `yaml:"timeout"`
	} `yaml:"upstream"`

	Retry struct {
		MaxRetries   int           `yaml:"maxRetries"`
		InitialDelay time.Duration `yaml:"initialDelay"`
		MaxDelay     time.Duration `yaml:"maxDelay"`
		Factor       float64       `yaml:"factor"`
		Jitter       *bool         `yaml:"jitter"`
	} `yaml:"retry"`

	Cache struct {
		// Backend selects the durable tier: "none", "redis" or "leveldb".
		Backend     string `yaml:"backend"`
		RedisAddr   string `yaml:"redisAddr"`
		LevelDBPath string `yaml:"leveldbPath"`

		// Namespaces overrides the per-resource-type TTL and size budgets.
		Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
	} `yaml:"cache"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// NamespaceConfig is the YAML form of one cache namespace.
type NamespaceConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"maxEntries"`
}

// LoadConfig reads the YAML config at path and applies defaults. An empty
// path yields the defaults alone.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.mangadex.org"
	}
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = "anime-proxy/1.0"
	}
	if cfg.Upstream.MaxConnsPerHost == 0 {
		cfg.Upstream.MaxConnsPerHost = connlimit.DefaultMaxPerHost
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 1 * time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry.Factor = 2.0
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "none"
	}
	if cfg.Cache.RedisAddr == "" {
		cfg.Cache.RedisAddr = "localhost:6379"
	}
	if cfg.Cache.LevelDBPath == "" {
		cfg.Cache.LevelDBPath = "./proxy-cache"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	switch cfg.Cache.Backend {
	case "none", "redis", "leveldb":
	default:
		return Config{}, fmt.Errorf("cache.backend must be none, redis or leveldb (got %q)", cfg.Cache.Backend)
	}

	return cfg, nil
}

// cacheConfig merges the YAML namespace overrides onto the defaults.
func (c Config) cacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	for resourceType, ns := range c.Cache.Namespaces {
		if ns.TTL <= 0 || ns.MaxEntries <= 0 {
			continue
		}
		cfg[resourceType] = cache.Namespace{TTL: ns.TTL, MaxEntries: ns.MaxEntries}
	}
	return cfg
}
