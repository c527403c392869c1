// Package watcher turns file system events under a set of roots into
// debounced batches of changed module sources, keyed by the file: URLs the
// module map and source cache use.
package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"modgraph/internal/engine/loader"
	"modgraph/internal/engine/resolver"
	"modgraph/internal/shared/observability"
)

// DefaultExtensions are the files a module graph can depend on.
var DefaultExtensions = []string{".js", ".mjs", ".json", ".css", ".importmap"}

type Op uint8

const (
	Modified Op = iota + 1
	Removed
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "modified"
}

// Change is one source file that changed on disk.
type Change struct {
	Path string
	URL  string
	Op   Op
}

// Batch is sorted by URL and holds at most one change per URL; the latest
// event for a file wins.
type Batch []Change

func (b Batch) URLs() []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = c.URL
	}
	return out
}

func (b Batch) Paths() []string {
	out := make([]string, len(b))
	for i, c := range b {
		out[i] = c.Path
	}
	return out
}

type Options struct {
	Debounce     time.Duration
	ExcludeDirs  []string
	ExcludeFiles []string
	// Extensions defaults to DefaultExtensions.
	Extensions []string
	// Names are reported whatever their extension, e.g. the config file.
	Names []string
}

type Watcher struct {
	fsw          *fsnotify.Watcher
	debounce     time.Duration
	excludeDirs  []glob.Glob
	excludeFiles []glob.Glob
	extensions   map[string]bool
	names        map[string]bool
	onBatch      func(Batch)

	mu      sync.Mutex
	started bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func New(opts Options, onBatch func(Batch)) (*Watcher, error) {
	if onBatch == nil {
		return nil, os.ErrInvalid
	}
	excludeDirs, err := compileAll(opts.ExcludeDirs)
	if err != nil {
		return nil, err
	}
	excludeFiles, err := compileAll(opts.ExcludeFiles)
	if err != nil {
		return nil, err
	}
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:          fsw,
		debounce:     opts.Debounce,
		excludeDirs:  excludeDirs,
		excludeFiles: excludeFiles,
		extensions:   lowerSet(extensions),
		names:        lowerSet(opts.Names),
		onBatch:      onBatch,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = true
		}
	}
	return set
}

// Watch adds every directory under roots that is not excluded, then starts
// delivering batches. A root naming a file watches its directory. Roots are
// never excluded themselves.
func (w *Watcher) Watch(roots []string) error {
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			root = filepath.Dir(root)
		}
		if _, err := w.addTree(root); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		w.started = true
		go w.run()
	}
	return nil
}

// addTree watches root and its subdirectories and returns the source files
// found under them.
func (w *Watcher) addTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if w.wanted(path) {
				files = append(files, path)
			}
			return nil
		}
		if path != root && w.excludedDir(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
	return files, err
}

// run owns the pending set and the debounce timer. Batches are delivered from
// this goroutine, so onBatch calls never overlap.
func (w *Watcher) run() {
	defer close(w.stopped)

	pending := make(map[string]Change)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-w.done:
			timer.Stop()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			observability.WatcherEventsTotal.Inc()
			for _, c := range w.changes(event) {
				pending[c.URL] = c
			}
			if len(pending) > 0 {
				timer.Reset(w.debounce)
				fire = timer.C
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)

		case <-fire:
			fire = nil
			batch := make(Batch, 0, len(pending))
			for _, c := range pending {
				batch = append(batch, c)
			}
			pending = make(map[string]Change)
			sort.Slice(batch, func(i, j int) bool { return batch[i].URL < batch[j].URL })
			w.onBatch(batch)
		}
	}
}

// changes maps one event to the source changes it implies. A new directory
// is watched and every source already inside it reported.
func (w *Watcher) changes(event fsnotify.Event) []Change {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.excludedDir(event.Name) {
				return nil
			}
			files, err := w.addTree(event.Name)
			if err != nil {
				slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
				return nil
			}
			out := make([]Change, 0, len(files))
			for _, f := range files {
				if c, ok := newChange(f, Modified); ok {
					out = append(out, c)
				}
			}
			return out
		}
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return nil
	}
	if !w.wanted(event.Name) {
		return nil
	}
	op := Modified
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		op = Removed
	}
	if c, ok := newChange(event.Name, op); ok {
		return []Change{c}
	}
	return nil
}

func newChange(path string, op Op) (Change, bool) {
	u, err := loader.FileURL(path)
	if err != nil {
		slog.Debug("skipping change", "path", path, "error", err)
		return Change{}, false
	}
	return Change{Path: path, URL: resolver.Serialize(u), Op: op}, true
}

func (w *Watcher) excludedDir(path string) bool {
	base := filepath.Base(path)
	for _, g := range w.excludeDirs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

// wanted reports whether path is a source file the watcher reports.
func (w *Watcher) wanted(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if !w.names[base] && !w.extensions[strings.ToLower(filepath.Ext(base))] {
		return false
	}
	for _, g := range w.excludeFiles {
		if g.Match(base) {
			return false
		}
	}
	return true
}

// Close stops delivery and releases the fsnotify watcher. A batch being
// delivered when Close is called finishes first.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			<-w.stopped
		}
	})
	return err
}
