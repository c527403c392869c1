package app

import (
	"context"

	"modgraph/internal/core/config"
	"modgraph/internal/core/ports"
	"modgraph/internal/core/watcher"
)

// Watch runs req once and again after every debounced batch of source
// changes, until ctx ends. Runs never overlap; changes that arrive during a
// run coalesce into one rerun.
func (a *App) Watch(ctx context.Context, req ports.GraphRunRequest, onReport func(ports.GraphRunReport, error)) error {
	changed := make(chan watcher.Batch, 1)
	w, err := watcher.New(watcher.Options{
		Debounce:     a.Config.Watch.Debounce,
		ExcludeDirs:  a.Config.Watch.ExcludeDirs,
		ExcludeFiles: a.Config.Watch.ExcludeFiles,
		Names:        []string{config.DefaultFile},
	}, func(batch watcher.Batch) {
		// Evict before queueing so a rerun already in flight or queued
		// reads the new sources.
		a.InvalidateURLs(batch.URLs())
		select {
		case changed <- batch:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer w.Close()

	entry := req.Entry
	if req.InlineSource != "" {
		entry = ""
	}
	roots := a.WatchRoots(entry)
	if err := w.Watch(roots); err != nil {
		return err
	}
	a.logger.Info("watching for changes", "paths", roots)

	onReport(a.RunGraph(ctx, req))
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-changed:
			a.logger.Info("sources changed, rerunning", "files", len(batch), "first", batch[0].URL)
			onReport(a.RunGraph(ctx, req))
		}
	}
}
