package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides applies environment overrides named
// MODGRAPH_[SECTION]_[KEY], e.g. MODGRAPH_FETCH_TIMEOUT=5s. Values that do
// not parse are ignored.
func ApplyEnvOverrides(cfg *Config) {
	// Settings
	setEnvString(&cfg.Settings.BaseURL, "MODGRAPH_SETTINGS_BASE_URL")
	setEnvString(&cfg.Settings.ImportMap, "MODGRAPH_SETTINGS_IMPORT_MAP")
	setEnvList(&cfg.Settings.AllowedModuleTypes, "MODGRAPH_SETTINGS_ALLOWED_MODULE_TYPES")
	setEnvBool(&cfg.Settings.ScriptingDisabled, "MODGRAPH_SETTINGS_SCRIPTING_DISABLED")

	// Fetch
	setEnvDuration(&cfg.Fetch.Timeout, "MODGRAPH_FETCH_TIMEOUT")
	setEnvFloat64(&cfg.Fetch.RateLimit, "MODGRAPH_FETCH_RATE_LIMIT")
	setEnvInt(&cfg.Fetch.Burst, "MODGRAPH_FETCH_BURST")
	setEnvString(&cfg.Fetch.UserAgent, "MODGRAPH_FETCH_USER_AGENT")
	setEnvInt64(&cfg.Fetch.MaxBodyBytes, "MODGRAPH_FETCH_MAX_BODY_BYTES")
	setEnvString(&cfg.Fetch.Root, "MODGRAPH_FETCH_ROOT")

	// Caches
	setEnvInt(&cfg.Caches.Sources, "MODGRAPH_CACHES_SOURCES")

	// Database
	setEnvBool(&cfg.DB.Enabled, "MODGRAPH_DB_ENABLED")
	setEnvString(&cfg.DB.Path, "MODGRAPH_DB_PATH")
	setEnvDuration(&cfg.DB.BusyTimeout, "MODGRAPH_DB_BUSY_TIMEOUT")

	// Observability
	setEnvBool(&cfg.Observability.EnableMetrics, "MODGRAPH_OBSERVABILITY_ENABLE_METRICS")
	setEnvString(&cfg.Observability.MetricsAddress, "MODGRAPH_OBSERVABILITY_METRICS_ADDRESS")
	setEnvBool(&cfg.Observability.EnableTracing, "MODGRAPH_OBSERVABILITY_ENABLE_TRACING")
	setEnvString(&cfg.Observability.OTLPEndpoint, "MODGRAPH_OBSERVABILITY_OTLP_ENDPOINT")

	// Watch
	setEnvDuration(&cfg.Watch.Debounce, "MODGRAPH_WATCH_DEBOUNCE")
}

func setEnvString(target *string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		slog.Debug("applying env override", "key", key, "value", val)
		*target = val
	}
}

func setEnvList(target *[]string, key string) {
	if val, ok := os.LookupEnv(key); ok {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		slog.Debug("applying env override", "key", key, "value", val)
		*target = out
	}
}

func setEnvInt(target *int, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = i
		}
	}
}

func setEnvInt64(target *int64, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = i
		}
	}
}

func setEnvBool(target *bool, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.ToLower(val)); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = b
		}
	}
}

func setEnvFloat64(target *float64, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = f
		}
	}
}

func setEnvDuration(target *time.Duration, key string) {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			slog.Debug("applying env override", "key", key, "value", val)
			*target = d
		}
	}
}
