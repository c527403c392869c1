// Package app wires configuration, resource loaders, the parser and the run
// journal into a service that fetches, links and evaluates module graphs.
package app

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"modgraph/internal/core/config"
	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
	"modgraph/internal/data/history"
	"modgraph/internal/engine/loader"
	"modgraph/internal/engine/resolver"
)

type App struct {
	Config *config.Config

	logger    *slog.Logger
	loader    ports.ResourceLoader
	cache     *loader.Caching
	history   ports.HistoryStore
	closeHist func() error
	baseURL   *url.URL
	importMap *resolver.ImportMap
}

var _ ports.GraphService = (*App)(nil)

type Option func(*App)

func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLoader replaces the file/http loader stack. The replacement is still
// wrapped by the rate limiter and the source cache.
func WithLoader(l ports.ResourceLoader) Option {
	return func(a *App) { a.loader = l }
}

// WithHistory uses store instead of opening the configured database.
func WithHistory(store ports.HistoryStore) Option {
	return func(a *App) { a.history = store }
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	base, err := settingsBaseURL(cfg.Settings.BaseURL)
	if err != nil {
		return nil, err
	}
	a.baseURL = base

	if cfg.Settings.ImportMap != "" {
		a.importMap, err = loadImportMap(cfg.Settings.ImportMap, a.logger)
		if err != nil {
			return nil, err
		}
	}

	if a.loader == nil {
		a.loader = loader.NewMux().
			Handle(&loader.FileLoader{Root: cfg.Fetch.Root, MaxBytes: cfg.Fetch.MaxBodyBytes}, "file").
			Handle(loader.NewHTTPLoader(loader.HTTPConfig{
				Timeout:      cfg.Fetch.Timeout,
				UserAgent:    cfg.Fetch.UserAgent,
				MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
			}), "http", "https")
	}
	a.cache = loader.NewCaching(loader.NewRateLimited(a.loader, cfg.Fetch.RateLimit, cfg.Fetch.Burst), cfg.Caches.Sources)

	if a.history == nil && cfg.DB.Enabled {
		store, err := history.Open(cfg.DB.Path, history.WithBusyTimeout(cfg.DB.BusyTimeout))
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "open run history")
		}
		a.history = store
		a.closeHist = store.Close
		a.logger.Debug("run history enabled", "path", store.Path())
	}
	return a, nil
}

// settingsBaseURL is the configured base URL, or the working directory as a
// file: URL.
func settingsBaseURL(raw string) (*url.URL, error) {
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeValidationError, "parse base URL")
		}
		return u, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "working directory")
	}
	return directoryURL(wd)
}

func directoryURL(dir string) (*url.URL, error) {
	u, err := loader.FileURL(dir)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// loadImportMap parses the import map file; its addresses resolve against the
// file's own URL.
func loadImportMap(path string, logger *slog.Logger) (*resolver.ImportMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeNotFound, "read import map"), errors.CtxURL, path)
	}
	base, err := loader.FileURL(path)
	if err != nil {
		return nil, err
	}
	im, err := resolver.ParseImportMap(data, base, logger)
	if err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeValidationError, "parse import map"), errors.CtxURL, path)
	}
	return im, nil
}

// entryURL accepts an absolute URL or a local path.
func (a *App) entryURL(entry string) (*url.URL, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, errors.New(errors.CodeValidationError, "entry is required")
	}
	if u, err := url.Parse(entry); err == nil && len(u.Scheme) > 1 {
		return u, nil
	}
	return loader.FileURL(entry)
}

// InvalidateURLs drops cached sources so the next run reads them again.
func (a *App) InvalidateURLs(urls []string) {
	for _, u := range urls {
		a.cache.Invalidate(u)
	}
}

// WatchRoots are the directories a watch over entry should cover.
func (a *App) WatchRoots(entry string) []string {
	roots := append([]string(nil), a.Config.Watch.Paths...)
	if u, err := a.entryURL(entry); err == nil && u.Scheme == "file" {
		if p, err := loader.FilePath(resolver.Serialize(u)); err == nil {
			roots = append(roots, filepath.Dir(p))
		}
	}
	if a.Config.Settings.ImportMap != "" {
		roots = append(roots, filepath.Dir(a.Config.Settings.ImportMap))
	}
	return dedupPaths(roots)
}

func dedupPaths(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = filepath.Clean(p)
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		out = append(out, abs)
	}
	return out
}

func (a *App) RecentRuns(ctx context.Context, limit int) ([]history.Run, error) {
	if a.history == nil {
		return nil, errors.New(errors.CodeNotSupported, "run history is disabled")
	}
	return a.history.RecentRuns(ctx, limit)
}

// Health backs the observability server's /health endpoint.
func (a *App) Health(ctx context.Context) error {
	if p, ok := a.history.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the run history. It is safe to call more than once.
func (a *App) Close() error {
	closeHist := a.closeHist
	a.closeHist = nil
	if closeHist != nil {
		return closeHist()
	}
	return nil
}
