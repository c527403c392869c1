// Package config loads the modgraph TOML configuration.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"modgraph/internal/core/errors"
	"modgraph/internal/shared/version"
)

const DefaultFile = "modgraph.toml"

type Config struct {
	Version       int           `toml:"version"`
	Settings      Settings      `toml:"settings"`
	Fetch         Fetch         `toml:"fetch"`
	Caches        Caches        `toml:"caches"`
	DB            Database      `toml:"db"`
	Observability Observability `toml:"observability"`
	Watch         Watch         `toml:"watch"`
}

// Settings configures the environment settings object each run gets.
type Settings struct {
	BaseURL            string   `toml:"base_url"`
	ImportMap          string   `toml:"import_map"`
	AllowedModuleTypes []string `toml:"allowed_module_types"`
	ScriptingDisabled  bool     `toml:"scripting_disabled"`
}

type Fetch struct {
	Timeout      time.Duration `toml:"timeout"`
	RateLimit    float64       `toml:"rate_limit"`
	Burst        int           `toml:"burst"`
	UserAgent    string        `toml:"user_agent"`
	MaxBodyBytes int64         `toml:"max_body_bytes"`
	// Root confines file: loads; empty means unrestricted.
	Root string `toml:"root"`
}

type Caches struct {
	Sources int `toml:"sources"`
}

type Database struct {
	Enabled     bool          `toml:"enabled"`
	Path        string        `toml:"path"`
	BusyTimeout time.Duration `toml:"busy_timeout"`
}

type Observability struct {
	EnableMetrics  bool   `toml:"enable_metrics"`
	MetricsAddress string `toml:"metrics_address"`
	EnableTracing  bool   `toml:"enable_tracing"`
	OTLPEndpoint   string `toml:"otlp_endpoint"`
}

type Watch struct {
	Debounce     time.Duration `toml:"debounce"`
	Paths        []string      `toml:"paths"`
	ExcludeDirs  []string      `toml:"exclude_dirs"`
	ExcludeFiles []string      `toml:"exclude_files"`
}

// Load reads path, fills defaults, applies MODGRAPH_* environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "read config")
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.CodeValidationError, "decode config")
	}
	return finish(&cfg)
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg, err := finish(&Config{})
	if err != nil {
		// Defaults are valid by construction; only a bad environment override
		// can land here.
		cfg = &Config{}
		applyDefaults(cfg)
	}
	return cfg
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if len(cfg.Settings.AllowedModuleTypes) == 0 {
		cfg.Settings.AllowedModuleTypes = []string{"javascript", "json", "css"}
	}

	if cfg.Fetch.Timeout <= 0 {
		cfg.Fetch.Timeout = 30 * time.Second
	}
	if cfg.Fetch.Burst <= 0 {
		cfg.Fetch.Burst = 8
	}
	if strings.TrimSpace(cfg.Fetch.UserAgent) == "" {
		cfg.Fetch.UserAgent = "modgraph/" + version.Version
	}
	if cfg.Fetch.MaxBodyBytes <= 0 {
		cfg.Fetch.MaxBodyBytes = 8 << 20
	}

	if cfg.Caches.Sources <= 0 {
		cfg.Caches.Sources = 512
	}

	if strings.TrimSpace(cfg.DB.Path) == "" {
		cfg.DB.Path = "data/modgraph-history.db"
	}
	if cfg.DB.BusyTimeout <= 0 {
		cfg.DB.BusyTimeout = 5 * time.Second
	}

	if strings.TrimSpace(cfg.Observability.MetricsAddress) == "" {
		cfg.Observability.MetricsAddress = "127.0.0.1:9464"
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 300 * time.Millisecond
	}
	if len(cfg.Watch.Paths) == 0 {
		cfg.Watch.Paths = []string{"."}
	}
	if len(cfg.Watch.ExcludeDirs) == 0 {
		cfg.Watch.ExcludeDirs = []string{".git", "node_modules"}
	}
}

func normalize(cfg *Config) {
	cfg.Settings.BaseURL = strings.TrimSpace(cfg.Settings.BaseURL)
	cfg.Settings.ImportMap = strings.TrimSpace(cfg.Settings.ImportMap)
	for i, t := range cfg.Settings.AllowedModuleTypes {
		cfg.Settings.AllowedModuleTypes[i] = strings.ToLower(strings.TrimSpace(t))
	}
	cfg.Fetch.Root = strings.TrimSpace(cfg.Fetch.Root)
	cfg.DB.Path = strings.TrimSpace(cfg.DB.Path)
	cfg.Observability.OTLPEndpoint = strings.TrimSpace(cfg.Observability.OTLPEndpoint)
}
