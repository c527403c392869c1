package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgraph/internal/core/config"
	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
	"modgraph/internal/data/history"
	"modgraph/internal/engine/loader"
	"modgraph/internal/engine/resolver"
)

type fixture struct {
	t   *testing.T
	dir string
	app *App
}

func newFixture(t *testing.T, files map[string]string, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		writeFile(t, filepath.Join(dir, name), src)
	}

	cfg := config.Default()
	cfg.DB.Enabled = true
	cfg.DB.Path = filepath.Join(dir, "history.db")
	cfg.Watch.Paths = []string{dir}
	cfg.Watch.Debounce = 50 * time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}

	a, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return &fixture{t: t, dir: dir, app: a}
}

func writeFile(t *testing.T, path, src string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
}

func (f *fixture) path(name string) string { return filepath.Join(f.dir, name) }

func (f *fixture) url(name string) string {
	u, err := loader.FileURL(f.path(name))
	require.NoError(f.t, err)
	return resolver.Serialize(u)
}

func (f *fixture) run(name string) (ports.GraphRunReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.app.RunGraph(ctx, ports.GraphRunRequest{Entry: f.path(name)})
}

func (f *fixture) lastRun() history.Run {
	runs, err := f.app.RecentRuns(context.Background(), 1)
	require.NoError(f.t, err)
	require.Len(f.t, runs, 1)
	return runs[0]
}

func statuses(report ports.GraphRunReport) map[string]string {
	out := make(map[string]string, len(report.Modules))
	for _, m := range report.Modules {
		out[m.URL] = m.Status
	}
	return out
}

func TestRunGraphEvaluatesFileGraph(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import { value } from "./dep.js";
export const doubled = value * 2;
`,
		"dep.js": `export const value = 21;`,
	})

	report, err := f.run("main.js")
	require.NoError(t, err)

	assert.True(t, report.Fetched)
	assert.True(t, report.Linked)
	assert.True(t, report.Evaluated)
	assert.Empty(t, report.Error)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, report.Modules, 2)
	assert.Equal(t, f.url("main.js"), report.Modules[0].URL)
	assert.Equal(t, f.url("dep.js"), report.Modules[1].URL)
	assert.Equal(t, "evaluated", report.Modules[0].Status)
	assert.Equal(t, "evaluated", report.Modules[1].Status)
	assert.Equal(t, []string{f.url("dep.js"), f.url("main.js")}, report.Executions)

	run := f.lastRun()
	assert.Equal(t, report.RunID, run.ID)
	assert.Equal(t, history.OutcomeEvaluated, run.Outcome)
	assert.Len(t, run.Modules, 2)
}

func TestRunGraphMissingDependency(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import "./missing.js";`,
	})

	report, err := f.run("main.js")
	require.Error(t, err)
	assert.True(t, errors.IsFetchError(err), "got %v", err)
	assert.False(t, report.Fetched)
	assert.Empty(t, report.Executions)
	assert.Equal(t, "fetch-failed", statuses(report)[f.url("missing.js")])
	assert.Equal(t, history.OutcomeFetchFailed, f.lastRun().Outcome)
}

func TestRunGraphRetriesInFreshSettings(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import "./late.js";`,
	})

	_, err := f.run("main.js")
	require.Error(t, err)

	writeFile(t, f.path("late.js"), `export const ok = true;`)
	report, err := f.run("main.js")
	require.NoError(t, err)
	assert.True(t, report.Evaluated)
}

func TestRunGraphThrowIsEvaluationFailure(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import "./boom.js";`,
		"boom.js": `throw new Error("boom");`,
	})

	report, err := f.run("main.js")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeEvaluationFailed), "got %v", err)
	assert.True(t, report.Linked)
	assert.False(t, report.Evaluated)
	assert.Contains(t, report.Error, "boom")
	assert.Equal(t, []string{f.url("boom.js")}, report.Executions)
	assert.Equal(t, history.OutcomeEvalFailed, f.lastRun().Outcome)
}

func TestRunGraphSyntaxErrorIsLinkFailure(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js":   `import "./broken.js";`,
		"broken.js": `export const = ;`,
	})

	report, err := f.run("main.js")
	require.Error(t, err)
	assert.True(t, report.Fetched)
	assert.False(t, report.Linked)
	assert.Empty(t, report.Executions)
	assert.Equal(t, "parse-error", statuses(report)[f.url("broken.js")])
	assert.Equal(t, history.OutcomeLinkFailed, f.lastRun().Outcome)
}

func TestRunGraphReportsCycleRoot(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.js": `import "./b.js"; export const a = 1;`,
		"b.js": `import "./a.js"; export const b = 2;`,
	})

	report, err := f.run("a.js")
	require.NoError(t, err)
	require.Len(t, report.Modules, 2)

	byURL := make(map[string]ports.ModuleReport)
	for _, m := range report.Modules {
		byURL[m.URL] = m
	}
	assert.Empty(t, byURL[f.url("a.js")].CycleRoot)
	assert.Equal(t, f.url("a.js"), byURL[f.url("b.js")].CycleRoot)
	assert.Equal(t, []string{f.url("b.js"), f.url("a.js")}, report.Executions)
}

func TestRunGraphTopLevelAwait(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import "./tla.js";`,
		"tla.js":  `await Promise.resolve(); export const ready = true;`,
	})

	report, err := f.run("main.js")
	require.NoError(t, err)
	assert.True(t, report.Evaluated)

	byURL := make(map[string]ports.ModuleReport)
	for _, m := range report.Modules {
		byURL[m.URL] = m
	}
	assert.True(t, byURL[f.url("tla.js")].Async)
	assert.Equal(t, []string{f.url("tla.js"), f.url("main.js")}, report.Executions)
}

func TestRunGraphInlineWithImportMap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vendor", "lib.js"), `export const lib = 1;`)
	writeFile(t, filepath.Join(dir, "importmap.json"), `{"imports": {"lib": "./vendor/lib.js"}}`)

	f := newFixture(t, nil, func(cfg *config.Config) {
		cfg.Settings.ImportMap = filepath.Join(dir, "importmap.json")
	})

	report, err := f.app.RunGraph(context.Background(), ports.GraphRunRequest{
		InlineSource: `import { lib } from "lib";`,
		InlineName:   "page.js",
	})
	require.NoError(t, err)

	libURL, err := loader.FileURL(filepath.Join(dir, "vendor", "lib.js"))
	require.NoError(t, err)
	assert.Equal(t, "page.js", report.Entry)
	require.Len(t, report.Modules, 2)
	assert.Equal(t, "page.js", report.Modules[0].URL)
	assert.Equal(t, []string{resolver.Serialize(libURL), "page.js"}, report.Executions)
}

func TestRunGraphUnmappedBareSpecifier(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.app.RunGraph(context.Background(), ports.GraphRunRequest{
		InlineSource: `import "react";`,
	})
	require.Error(t, err)
	assert.Equal(t, defaultInlineName, report.Entry)
	assert.True(t, errors.IsCode(err, errors.CodeUnmappedBareSpecifier), "got %v", err)
}

func TestRunGraphRejectsEmptyEntry(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.app.RunGraph(context.Background(), ports.GraphRunRequest{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidationError))
}

func TestRunGraphCancelled(t *testing.T) {
	f := newFixture(t, map[string]string{"main.js": `export {};`})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.app.RunGraph(ctx, ports.GraphRunRequest{Entry: f.path("main.js")})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAborted), "got %v", err)
	assert.Equal(t, history.OutcomeAborted, f.lastRun().Outcome)
}

func TestRecentRunsDisabled(t *testing.T) {
	a, err := New(config.Default(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	_, err = a.RecentRuns(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotSupported))
	assert.NoError(t, a.Health(context.Background()))
}

func TestNewRejectsMissingImportMap(t *testing.T) {
	cfg := config.Default()
	cfg.Settings.ImportMap = filepath.Join(t.TempDir(), "nope.json")

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestRenderReport(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import "./dep.js";`,
		"dep.js":  `export {};`,
	})
	report, err := f.run("main.js")
	require.NoError(t, err)

	out := RenderReport(report)
	assert.Contains(t, out, f.url("dep.js"))
	assert.Contains(t, out, "execution order")
	assert.Contains(t, out, "evaluated")

	runs := RenderRuns([]history.Run{f.lastRun()})
	assert.Contains(t, runs, f.path("main.js"))
	assert.True(t, strings.Contains(RenderRuns(nil), "no recorded runs"))
}

func TestWatchRerunsOnChange(t *testing.T) {
	f := newFixture(t, map[string]string{
		"main.js": `import "./dep.js";`,
		"dep.js":  `export const v = 1;`,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.app.Watch(ctx, ports.GraphRunRequest{Entry: f.path("main.js")}, func(_ ports.GraphRunReport, err error) {
			reports <- err
		})
	}()

	select {
	case err := <-reports:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("initial run did not report")
	}

	writeFile(t, f.path("dep.js"), `throw new Error("changed");`)

	select {
	case err := <-reports:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "changed")
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not rerun after change")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

// redirectLoader answers every request with a module served from a different
// final URL.
type redirectLoader struct {
	final map[string]string
}

func (l redirectLoader) Load(_ context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	header := http.Header{}
	header.Set("Content-Type", "text/javascript")
	return &ports.ResourceResponse{URL: l.final[req.URL], Status: http.StatusOK, Header: header, Body: []byte(`export {};`)}, nil
}

func TestRunGraphRedirectedEntryListedOnce(t *testing.T) {
	const entry = "https://example.test/entry.js"
	cfg := config.Default()
	a, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLoader(redirectLoader{final: map[string]string{entry: "https://example.test/v2/entry.js"}}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	report, err := a.RunGraph(context.Background(), ports.GraphRunRequest{Entry: entry})
	require.NoError(t, err)
	require.Len(t, report.Modules, 1)
	assert.Equal(t, entry, report.Modules[0].URL)
	assert.Equal(t, "evaluated", report.Modules[0].Status)
}
