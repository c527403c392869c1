package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"modgraph/internal/core/app"
	"modgraph/internal/core/config"
	"modgraph/internal/core/ports"
	"modgraph/internal/shared/observability"
	"modgraph/internal/shared/version"
)

var (
	configPath  = flag.String("config", config.DefaultFile, "Path to config file")
	inline      = flag.String("inline", "", "Evaluate this module source instead of an entry file")
	watch       = flag.Bool("watch", false, "Re-run the graph when sources change")
	historyN    = flag.Int("history", 0, "Print the N most recent recorded runs and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: modgraph [flags] <entry URL or path>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *showVersion {
		fmt.Printf("modgraph v%s\n", version.Version)
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg, loadedFrom, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.SetupTracing(ctx, cfg.Observability.OTLPEndpoint)
		if err != nil {
			slog.Error("failed to set up tracing", "error", err)
			return 1
		}
		defer flush(shutdown)
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		return 1
	}
	defer a.Close()

	var current atomic.Pointer[app.App]
	current.Store(a)
	if cfg.Observability.EnableMetrics {
		srv := observability.NewServer(cfg.Observability.MetricsAddress, func(ctx context.Context) error {
			return current.Load().Health(ctx)
		})
		srv.Start()
		defer flush(srv.Stop)
	}

	if *historyN > 0 {
		runs, err := a.RecentRuns(ctx, *historyN)
		if err != nil {
			slog.Error("failed to read run history", "error", err)
			return 1
		}
		fmt.Print(app.RenderRuns(runs))
		return 0
	}

	req := ports.GraphRunRequest{InlineSource: *inline}
	if req.InlineSource == "" {
		if flag.NArg() != 1 {
			flag.Usage()
			return 2
		}
		req.Entry = flag.Arg(0)
	}

	if *watch {
		if err := watchLoop(ctx, &current, loadedFrom, req); err != nil {
			slog.Error("watch failed", "error", err)
			return 1
		}
		return 0
	}

	report, err := a.RunGraph(ctx, req)
	fmt.Print(app.RenderReport(report))
	if err != nil {
		return 1
	}
	return 0
}

// loadConfig reads path when it exists. A missing default file means
// built-in defaults; a missing explicit file is an error.
func loadConfig(path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if path == config.DefaultFile {
		if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	return nil, "", err
}

// watchLoop runs the watch until ctx ends. A config file change rebuilds the
// app with the new configuration and restarts the watch.
func watchLoop(ctx context.Context, current *atomic.Pointer[app.App], configFile string, req ports.GraphRunRequest) error {
	a := current.Load()
	reloaded := make(chan *config.Config, 1)
	if configFile != "" {
		cw := config.NewWatcher(configFile, func(cfg *config.Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
		if err := cw.Start(ctx); err != nil {
			return err
		}
		defer cw.Stop()
	}

	show := func(report ports.GraphRunReport, _ error) {
		fmt.Print(app.RenderReport(report))
	}
	defer func() { _ = current.Load().Close() }()

	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func(a *app.App) { done <- a.Watch(runCtx, req, show) }(a)

		select {
		case err := <-done:
			cancel()
			return err
		case cfg := <-reloaded:
			cancel()
			if err := <-done; err != nil {
				return err
			}
			next, err := app.New(cfg)
			if err != nil {
				slog.Warn("keeping previous configuration", "error", err)
				continue
			}
			current.Store(next)
			_ = a.Close()
			a = next
			slog.Info("configuration reloaded", "path", configFile)
		}
	}
}

func flush(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("shutdown failed", "error", err)
	}
}
