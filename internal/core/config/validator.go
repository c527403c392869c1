package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"

	"modgraph/internal/core/errors"
)

var knownModuleTypes = map[string]bool{"javascript": true, "json": true, "css": true}

// Validate checks every section; the first problem wins.
func Validate(cfg *Config) error {
	for _, check := range []func(*Config) error{
		validateVersion,
		validateSettings,
		validateFetch,
		validateDatabase,
		validateObservability,
		validateWatch,
	} {
		if err := check(cfg); err != nil {
			return errors.Wrap(err, errors.CodeValidationError, "invalid config")
		}
	}
	return nil
}

func validateVersion(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d; supported version is 1", cfg.Version)
	}
	return nil
}

func validateSettings(cfg *Config) error {
	if raw := cfg.Settings.BaseURL; raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("settings.base_url: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("settings.base_url must be an absolute URL, got %q", raw)
		}
	}
	if len(cfg.Settings.AllowedModuleTypes) == 0 {
		return fmt.Errorf("settings.allowed_module_types must not be empty")
	}
	for _, t := range cfg.Settings.AllowedModuleTypes {
		if !knownModuleTypes[t] {
			return fmt.Errorf("settings.allowed_module_types: unknown module type %q", t)
		}
	}
	return nil
}

func validateFetch(cfg *Config) error {
	if cfg.Fetch.RateLimit < 0 {
		return fmt.Errorf("fetch.rate_limit must be >= 0, got %v", cfg.Fetch.RateLimit)
	}
	if cfg.Fetch.Burst < 1 {
		return fmt.Errorf("fetch.burst must be >= 1, got %d", cfg.Fetch.Burst)
	}
	if cfg.Fetch.MaxBodyBytes < 1 {
		return fmt.Errorf("fetch.max_body_bytes must be positive")
	}
	if cfg.Caches.Sources < 1 {
		return fmt.Errorf("caches.sources must be >= 1, got %d", cfg.Caches.Sources)
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	if cfg.DB.Enabled && strings.TrimSpace(cfg.DB.Path) == "" {
		return fmt.Errorf("db.path must not be empty when db.enabled is true")
	}
	return nil
}

func validateObservability(cfg *Config) error {
	if cfg.Observability.EnableTracing && cfg.Observability.OTLPEndpoint == "" {
		return fmt.Errorf("observability.otlp_endpoint is required when tracing is enabled")
	}
	if cfg.Observability.EnableMetrics && strings.TrimSpace(cfg.Observability.MetricsAddress) == "" {
		return fmt.Errorf("observability.metrics_address is required when metrics are enabled")
	}
	return nil
}

func validateWatch(cfg *Config) error {
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must not be negative")
	}
	for _, pattern := range append(append([]string(nil), cfg.Watch.ExcludeDirs...), cfg.Watch.ExcludeFiles...) {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("watch exclude pattern %q: %w", pattern, err)
		}
	}
	return nil
}
