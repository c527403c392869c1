package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgraph/internal/core/errors"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, []string{"javascript", "json", "css"}, cfg.Settings.AllowedModuleTypes)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 8, cfg.Fetch.Burst)
	assert.Equal(t, int64(8<<20), cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, 512, cfg.Caches.Sources)
	assert.Equal(t, "data/modgraph-history.db", cfg.DB.Path)
	assert.Equal(t, 300*time.Millisecond, cfg.Watch.Debounce)
	assert.Contains(t, cfg.Fetch.UserAgent, "modgraph/")
}

func TestParseSections(t *testing.T) {
	data := `
version = 1

[settings]
base_url = "https://example.test/app/"
import_map = "importmap.json"
allowed_module_types = ["JavaScript"]

[fetch]
timeout = "5s"
rate_limit = 20.0
burst = 4

[db]
enabled = true
path = "runs.db"
busy_timeout = "2s"

[watch]
debounce = "1s"
exclude_files = ["*.min.js"]
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/app/", cfg.Settings.BaseURL)
	assert.Equal(t, "importmap.json", cfg.Settings.ImportMap)
	assert.Equal(t, []string{"javascript"}, cfg.Settings.AllowedModuleTypes)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 20.0, cfg.Fetch.RateLimit)
	assert.Equal(t, 4, cfg.Fetch.Burst)
	assert.True(t, cfg.DB.Enabled)
	assert.Equal(t, "runs.db", cfg.DB.Path)
	assert.Equal(t, 2*time.Second, cfg.DB.BusyTimeout)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)
	assert.Equal(t, []string{"*.min.js"}, cfg.Watch.ExcludeFiles)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"version":     "version = 2",
		"relative":    "[settings]\nbase_url = \"app/\"",
		"module type": "[settings]\nallowed_module_types = [\"wasm\"]",
		"rate":        "[fetch]\nrate_limit = -1.0",
		"tracing":     "[observability]\nenable_tracing = true",
		"glob":        "[watch]\nexclude_files = [\"[a-\"]",
		"syntax":      "[settings",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeValidationError), "got %v", err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODGRAPH_FETCH_TIMEOUT", "7s")
	t.Setenv("MODGRAPH_SETTINGS_ALLOWED_MODULE_TYPES", "javascript, css")
	t.Setenv("MODGRAPH_DB_ENABLED", "TRUE")
	t.Setenv("MODGRAPH_FETCH_BURST", "not-a-number")

	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"javascript", "css"}, cfg.Settings.AllowedModuleTypes)
	assert.True(t, cfg.DB.Enabled)
	assert.Equal(t, 8, cfg.Fetch.Burst)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NotNil(t, cfg)
	assert.NoError(t, Validate(cfg))
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte("[fetch]\nburst = 2\n"), 0o644))

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(cfg *Config) { got <- cfg })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[fetch]\nburst = 3\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, 3, cfg.Fetch.Burst)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
