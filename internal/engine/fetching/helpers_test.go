package fetching

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/module"
	"modgraph/internal/engine/resolver"
)

const testOrigin = "https://example.test/"

type resource struct {
	status      int
	contentType string
	body        string
}

func js(body string) resource {
	return resource{status: http.StatusOK, contentType: "text/javascript", body: body}
}

// fakeLoader serves a fixed set of resources and records every request.
type fakeLoader struct {
	mu        sync.Mutex
	resources map[string]resource
	requests  []ports.ResourceRequest
}

func (l *fakeLoader) Load(ctx context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	res, ok := l.resources[req.URL]
	l.mu.Unlock()
	if !ok {
		return &ports.ResourceResponse{URL: req.URL, Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	header := http.Header{}
	if res.contentType != "" {
		header.Set("Content-Type", res.contentType)
	}
	return &ports.ResourceResponse{URL: req.URL, Status: res.status, Header: header, Body: []byte(res.body)}, nil
}

func (l *fakeLoader) count(u string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.requests {
		if r.URL == u {
			n++
		}
	}
	return n
}

func (l *fakeLoader) request(u string) (ports.ResourceRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.requests {
		if r.URL == u {
			return r, true
		}
	}
	return ports.ResourceRequest{}, false
}

type trace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trace) add(s string) {
	tr.mu.Lock()
	tr.steps = append(tr.steps, s)
	tr.mu.Unlock()
}

func (tr *trace) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.steps...)
}

// lineParser understands one directive per line:
//
//	import <specifier> [key=value ...]
//	export <name>
//	await
//	throw <message>
//	syntax
type lineParser struct {
	loop *eventloop.Loop
	tr   *trace
}

type lineBody struct {
	name  string
	throw string
	loop  *eventloop.Loop
	tr    *trace
}

func (b *lineBody) Execute(context.Context) error {
	b.tr.add(b.name)
	if b.throw != "" {
		return errors.New(errors.CodeEvaluationFailed, b.throw)
	}
	return nil
}

func (b *lineBody) ExecuteAsync(_ context.Context, capability *module.Capability) {
	b.tr.add(b.name + ":start")
	b.loop.Post(func() {
		b.tr.add(b.name + ":done")
		if b.throw != "" {
			capability.Reject(errors.New(errors.CodeEvaluationFailed, b.throw))
			return
		}
		capability.Resolve()
	})
}

func (p *lineParser) ParseModule(source []byte, filename string) (*module.ParsedModule, []error) {
	body := &lineBody{name: path.Base(filename), loop: p.loop, tr: p.tr}
	parsed := &module.ParsedModule{Body: body}
	for _, line := range strings.Split(string(source), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "import":
			req := module.Request{Specifier: fields[1]}
			for _, attr := range fields[2:] {
				k, v, _ := strings.Cut(attr, "=")
				if req.Attributes == nil {
					req.Attributes = make(map[string]string)
				}
				req.Attributes[k] = v
			}
			parsed.RequestedModules = append(parsed.RequestedModules, req)
		case "export":
			parsed.ExportedNames = append(parsed.ExportedNames, fields[1:]...)
		case "await":
			parsed.HasTopLevelAwait = true
		case "throw":
			body.throw = strings.Join(fields[1:], " ")
		case "syntax":
			return nil, []error{errors.Newf(errors.CodeValidationError, "%s: unexpected token", filename)}
		}
	}
	return parsed, nil
}

type harness struct {
	t        *testing.T
	loop     *eventloop.Loop
	loader   *fakeLoader
	tr       *trace
	settings *Settings
}

type harnessOption func(*SettingsConfig)

func withImportMap(t *testing.T, raw string) harnessOption {
	return func(cfg *SettingsConfig) {
		im, err := resolver.ParseImportMap([]byte(raw), cfg.BaseURL, nil)
		require.NoError(t, err)
		cfg.ImportMap = im
	}
}

func withAllowedTypes(types ...string) harnessOption {
	return func(cfg *SettingsConfig) { cfg.AllowedModuleTypes = types }
}

func newHarness(t *testing.T, resources map[string]resource, opts ...harnessOption) *harness {
	t.Helper()
	loop := eventloop.New()
	tr := &trace{}
	fl := &fakeLoader{resources: make(map[string]resource, len(resources))}
	for name, res := range resources {
		fl.resources[testOrigin+name] = res
	}
	cfg := SettingsConfig{
		BaseURL: mustURL(t, testOrigin),
		Loader:  fl,
		Parser:  &lineParser{loop: loop, tr: tr},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &harness{t: t, loop: loop, loader: fl, tr: tr, settings: NewSettings(loop, cfg)}
}

func (h *harness) url(name string) *url.URL { return mustURL(h.t, testOrigin+name) }

func (h *harness) run() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.loop.Run(ctx))
}

// settle drives the loop and returns the future's outcome.
func settle[T any](h *harness, f *eventloop.Future[T]) (T, error) {
	h.t.Helper()
	h.run()
	v, err, ok := f.Result()
	require.True(h.t, ok, "future did not settle")
	return v, err
}

func (h *harness) fetch(name string) (*ModuleScript, error) {
	h.t.Helper()
	return settle(h, h.settings.FetchExternalModuleScriptGraph(context.Background(), h.url(name), DefaultClassicScriptOptions()))
}

func (h *harness) module(name string) *module.CyclicModule {
	h.t.Helper()
	entry, ok := h.settings.ModuleMap.Get(keyFor(testOrigin+name, module.DefaultModuleType))
	require.True(h.t, ok, "no module map entry for %s", name)
	require.NotNil(h.t, entry.Value, "no module script for %s", name)
	return entry.Value.Module()
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
