package fetching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modgraph/internal/core/errors"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/module"
	"modgraph/internal/engine/registry"
)

func keyFor(u, moduleType string) registry.Key {
	return registry.Key{URL: u, Type: moduleType}
}

func TestExternalGraph_SingleModuleEvaluates(t *testing.T) {
	h := newHarness(t, map[string]resource{"a.js": js("export a")})

	script, err := h.fetch("a.js")
	require.NoError(t, err)
	require.NotNil(t, script)
	require.True(t, script.Record.Valid())
	assert.Nil(t, script.ErrorToRethrow)
	assert.Equal(t, module.StatusLinked, script.Module().Status())

	capability := h.settings.RunModuleScript(context.Background(), script)
	h.run()
	assert.Equal(t, module.CapabilityFulfilled, capability.State())
	assert.Equal(t, module.StatusEvaluated, script.Module().Status())
	assert.Equal(t, []string{"a.js"}, h.tr.get())
}

func TestExternalGraph_CycleSharesRoot(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"a.js": js("import ./b.js"),
		"b.js": js("import ./a.js"),
	})

	script, err := h.fetch("a.js")
	require.NoError(t, err)
	require.NotNil(t, script)
	require.Nil(t, script.ErrorToRethrow)

	a, b := h.module("a.js"), h.module("b.js")
	assert.Equal(t, module.StatusLinked, a.Status())
	assert.Equal(t, module.StatusLinked, b.Status())
	assert.Equal(t, a.Handle(), a.CycleRoot())
	assert.Equal(t, a.CycleRoot(), b.CycleRoot())

	capability := h.settings.RunModuleScript(context.Background(), script)
	h.run()
	require.Equal(t, module.CapabilityFulfilled, capability.State())
	assert.Equal(t, module.StatusEvaluated, a.Status())
	assert.Equal(t, module.StatusEvaluated, b.Status())
	assert.Equal(t, []string{"b.js", "a.js"}, h.tr.get())
	assert.Equal(t, 1, h.loader.count(testOrigin+"a.js"))
}

func TestExternalGraph_MissingModuleFails(t *testing.T) {
	h := newHarness(t, nil)

	script, err := h.fetch("missing.js")
	assert.Nil(t, script)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFetchFailed))
	assert.True(t, h.settings.ModuleMap.IsFailed(keyFor(testOrigin+"missing.js", module.DefaultModuleType)))

	// Failed entries stay failed for the settings object's lifetime.
	script, err = h.fetch("missing.js")
	assert.Nil(t, script)
	assert.True(t, errors.IsCode(err, errors.CodeFetchFailed))
	assert.Equal(t, 1, h.loader.count(testOrigin+"missing.js"))
}

func TestExternalGraph_SharedDependencyFetchedOnce(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"root.js":   js("import ./left.js\nimport ./right.js"),
		"left.js":   js("import ./shared.js"),
		"right.js":  js("import ./shared.js"),
		"shared.js": js("export s"),
	})

	script, err := h.fetch("root.js")
	require.NoError(t, err)
	require.Nil(t, script.ErrorToRethrow)

	assert.Equal(t, 1, h.loader.count(testOrigin+"shared.js"))
	fromLeft, ok := h.module("left.js").LoadedModule("./shared.js")
	require.True(t, ok)
	fromRight, ok := h.module("right.js").LoadedModule("./shared.js")
	require.True(t, ok)
	assert.Equal(t, fromLeft, fromRight)
	assert.Equal(t, h.module("shared.js").Handle(), fromLeft)
}

func TestConcurrentGraphs_ShareOneFetch(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"p1.js":     js("import ./shared.js"),
		"p2.js":     js("import ./shared.js"),
		"shared.js": js("export s"),
	})

	ctx := context.Background()
	first := h.settings.FetchExternalModuleScriptGraph(ctx, h.url("p1.js"), DefaultClassicScriptOptions())
	second := h.settings.FetchExternalModuleScriptGraph(ctx, h.url("p2.js"), DefaultClassicScriptOptions())
	h.run()

	s1, err1, ok1 := first.Result()
	s2, err2, ok2 := second.Result()
	require.True(t, ok1 && ok2)
	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.Equal(t, 1, h.loader.count(testOrigin+"shared.js"))
	h1, _ := s1.Module().LoadedModule("./shared.js")
	h2, _ := s2.Module().LoadedModule("./shared.js")
	assert.True(t, h1.Valid())
	assert.Equal(t, h1, h2)
}

func TestConcurrentGraphs_ShareOneFailure(t *testing.T) {
	cases := []struct {
		name   string
		shared *resource
	}{
		{name: "not found"},
		{name: "wrong MIME", shared: &resource{status: 200, contentType: "text/plain", body: "export s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resources := map[string]resource{
				"p1.js": js("import ./shared.js"),
				"p2.js": js("import ./shared.js"),
				"p3.js": js("import ./shared.js"),
			}
			if tc.shared != nil {
				resources["shared.js"] = *tc.shared
			}
			h := newHarness(t, resources)

			ctx := context.Background()
			var graphs []*eventloop.Future[*ModuleScript]
			for _, name := range []string{"p1.js", "p2.js", "p3.js"} {
				graphs = append(graphs, h.settings.FetchExternalModuleScriptGraph(ctx, h.url(name), DefaultClassicScriptOptions()))
			}
			h.run()

			for i, g := range graphs {
				script, err, ok := g.Result()
				require.True(t, ok, "graph %d did not settle", i)
				assert.Nil(t, script)
				assert.True(t, errors.IsCode(err, errors.CodeFetchFailed), "graph %d: %v", i, err)
			}
			assert.Equal(t, 1, h.loader.count(testOrigin+"shared.js"))
			assert.True(t, h.settings.ModuleMap.IsFailed(keyFor(testOrigin+"shared.js", module.DefaultModuleType)))
		})
	}
}

func TestSingleFetch_CancelledCallerDoesNotFailOtherWaiters(t *testing.T) {
	h := newHarness(t, map[string]resource{"shared.js": js("export s")})

	ctx, cancel := context.WithCancel(context.Background())
	first := h.settings.FetchExternalModuleScriptGraph(ctx, h.url("shared.js"), DefaultClassicScriptOptions())
	second := h.settings.FetchExternalModuleScriptGraph(context.Background(), h.url("shared.js"), DefaultClassicScriptOptions())
	cancel()
	h.run()

	_, err, ok := first.Result()
	require.True(t, ok)
	assert.True(t, errors.IsCode(err, errors.CodeAborted), "got %v", err)

	script, err, ok := second.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.NotNil(t, script)

	key := keyFor(testOrigin+"shared.js", module.DefaultModuleType)
	assert.False(t, h.settings.ModuleMap.IsFailed(key))
	entry, _ := h.settings.ModuleMap.Get(key)
	assert.Equal(t, registry.Loaded, entry.State)
	assert.Same(t, script, entry.Value)
	assert.Equal(t, 1, h.loader.count(testOrigin+"shared.js"))

	// A later graph in the same settings reuses the loaded entry.
	again, err := h.fetch("shared.js")
	require.NoError(t, err)
	assert.Same(t, script, again)
	assert.Equal(t, 1, h.loader.count(testOrigin+"shared.js"))
}

func TestLoadRequestedModules_PendingCountsNewDependencies(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"b.js": js(""),
		"c.js": js(""),
		"d.js": js(""),
	})
	root := h.settings.CreateJavaScriptModuleScript(testOrigin+"root.js",
		[]byte("import ./b.js\nimport ./c.js\nimport ./d.js\nimport ./b.js"),
		h.url("root.js"), DefaultClassicScriptOptions())
	require.True(t, root.Record.Valid())

	// Four requests: c.js was visited already and b.js repeats.
	visited := map[registry.Key]struct{}{keyFor(testOrigin+"c.js", module.DefaultModuleType): {}}
	st := h.settings.LoadRequestedModules(context.Background(), root, DestinationScript, visited)
	assert.Equal(t, 2, st.Pending())
	assert.NotEmpty(t, st.ID)

	got, err := settle(h, st.Done())
	require.NoError(t, err)
	assert.Same(t, root, got)
	assert.Equal(t, 0, st.Pending())
	assert.False(t, st.Failed())
	assert.Equal(t, 1, h.loader.count(testOrigin+"b.js"))
	assert.Equal(t, 0, h.loader.count(testOrigin+"c.js"))
	assert.Equal(t, 1, h.loader.count(testOrigin+"d.js"))
}

func TestLoadRequestedModules_NoDependenciesCompletesWithRoot(t *testing.T) {
	h := newHarness(t, nil)
	root := h.settings.CreateJavaScriptModuleScript(testOrigin+"leaf.js", []byte("export x"), h.url("leaf.js"), DefaultClassicScriptOptions())

	st := h.settings.LoadRequestedModules(context.Background(), root, DestinationScript, nil)
	assert.Equal(t, 0, st.Pending())
	got, err := settle(h, st.Done())
	require.NoError(t, err)
	assert.Same(t, root, got)
	assert.Equal(t, module.StatusUnlinked, root.Module().Status())
}

func TestLoadRequestedModules_FirstFailureLatches(t *testing.T) {
	h := newHarness(t, map[string]resource{"ok.js": js("")})
	root := h.settings.CreateJavaScriptModuleScript(testOrigin+"root.js",
		[]byte("import ./ok.js\nimport ./gone1.js\nimport ./gone2.js"),
		h.url("root.js"), DefaultClassicScriptOptions())

	st := h.settings.LoadRequestedModules(context.Background(), root, DestinationScript, nil)
	completions := 0
	st.Done().OnComplete(func(*ModuleScript, error) { completions++ })
	got, err := settle(h, st.Done())
	assert.Nil(t, got)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFetchFailed))
	assert.True(t, st.Failed())

	// Both missing modules and ok.js have finished; only the first result counted.
	assert.Equal(t, 1, h.loader.count(testOrigin+"gone1.js"))
	assert.Equal(t, 1, h.loader.count(testOrigin+"gone2.js"))
	assert.Equal(t, 1, h.loader.count(testOrigin+"ok.js"))
	assert.Equal(t, 1, completions)
	assert.False(t, st.Done().Complete(root, nil))
	assert.True(t, st.Failed())
}

func TestSingleFetch_RejectsNonJavaScriptMIME(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"a.js": {status: 200, contentType: "text/plain", body: "export a"},
	})

	script, err := h.fetch("a.js")
	assert.Nil(t, script)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFetchFailed))
	assert.True(t, h.settings.ModuleMap.IsFailed(keyFor(testOrigin+"a.js", module.DefaultModuleType)))
}

func TestSingleFetch_IntegrityMismatch(t *testing.T) {
	h := newHarness(t, map[string]resource{"a.js": js("export a")})
	options := DefaultClassicScriptOptions()
	options.IntegrityMetadata = "sha384-AAAA"

	script, err := settle(h, h.settings.FetchSingleModuleScript(context.Background(), SingleFetch{
		URL: h.url("a.js"), Destination: DestinationScript, Options: options, TopLevel: true,
	}))
	assert.Nil(t, script)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeFetchFailed))
}

func TestSingleFetch_CancelledContextAborts(t *testing.T) {
	h := newHarness(t, map[string]resource{"a.js": js("export a")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script, err := settle(h, h.settings.FetchExternalModuleScriptGraph(ctx, h.url("a.js"), DefaultClassicScriptOptions()))
	assert.Nil(t, script)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAborted))
}

func TestWorkerGraph_TopLevelIsSameOrigin(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"w.js":   js("import ./dep.js"),
		"dep.js": js(""),
	})

	script, err := settle(h, h.settings.FetchWorkerModuleScriptGraph(context.Background(), h.url("w.js"), DestinationWorker, DefaultClassicScriptOptions()))
	require.NoError(t, err)
	require.NotNil(t, script)

	top, ok := h.loader.request(testOrigin + "w.js")
	require.True(t, ok)
	assert.Equal(t, string(ModeSameOrigin), top.Mode)
	assert.Equal(t, string(DestinationWorker), top.Destination)
	assert.True(t, top.TopLevel)

	dep, ok := h.loader.request(testOrigin + "dep.js")
	require.True(t, ok)
	assert.Equal(t, string(ModeCORS), dep.Mode)
	assert.Equal(t, string(DestinationWorker), dep.Destination)
	assert.False(t, dep.TopLevel)
}

func TestExternalGraph_TopLevelIsCORS(t *testing.T) {
	h := newHarness(t, map[string]resource{"a.js": js("")})
	_, err := h.fetch("a.js")
	require.NoError(t, err)

	req, ok := h.loader.request(testOrigin + "a.js")
	require.True(t, ok)
	assert.Equal(t, string(ModeCORS), req.Mode)
	assert.Equal(t, string(DestinationScript), req.Destination)
}

func TestExternalGraph_ParseErrorInDescendant(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"a.js":   js("import ./bad.js"),
		"bad.js": js("syntax"),
	})

	script, err := h.fetch("a.js")
	require.NoError(t, err)
	require.NotNil(t, script)
	require.Error(t, script.ErrorToRethrow)
	assert.True(t, errors.IsCode(script.ErrorToRethrow, errors.CodeValidationError))
	// A module whose source failed to parse is still a loaded module map entry.
	entry, ok := h.settings.ModuleMap.Get(keyFor(testOrigin+"bad.js", module.DefaultModuleType))
	require.True(t, ok)
	assert.Equal(t, registry.Loaded, entry.State)
	assert.Equal(t, module.StatusUnlinked, script.Module().Status())

	capability := h.settings.RunModuleScript(context.Background(), script)
	h.run()
	assert.Equal(t, module.CapabilityRejected, capability.State())
	assert.Empty(t, h.tr.get())
}

func TestCreateScript_DisallowedModuleType(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"a.js": js("import ./style.css type=css"),
	}, withAllowedTypes(module.DefaultModuleType))

	script, err := h.fetch("a.js")
	require.NoError(t, err)
	assert.False(t, script.Record.Valid())
	require.Error(t, script.ErrorToRethrow)
	assert.True(t, errors.IsCode(script.ErrorToRethrow, errors.CodeDisallowedModuleType))
	assert.Equal(t, 0, h.loader.count(testOrigin+"style.css"))
}

func TestCreateScript_UnknownImportAttribute(t *testing.T) {
	h := newHarness(t, nil)
	script := h.settings.CreateJavaScriptModuleScript(testOrigin+"a.js", []byte("import ./b.js foo=bar"), h.url("a.js"), DefaultClassicScriptOptions())
	assert.False(t, script.Record.Valid())
	assert.True(t, errors.IsCode(script.ParseError, errors.CodeNotSupported))
}

func TestExternalGraph_JSONModulesUnsupported(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"a.js":      js("import ./data.json type=json"),
		"data.json": {status: 200, contentType: "application/json", body: "{}"},
	})

	script, err := h.fetch("a.js")
	assert.Nil(t, script)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeUnsupportedModuleType))

	req, ok := h.loader.request(testOrigin + "data.json")
	require.True(t, ok)
	assert.Equal(t, string(DestinationJSON), req.Destination)
	assert.True(t, h.settings.ModuleMap.IsFailed(keyFor(testOrigin+"data.json", "json")))
}

func TestInlineGraph_UsesImportMap(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"vendor/lib.js": js("export lib"),
	}, withImportMap(t, `{"imports": {"lib": "/vendor/lib.js"}}`))

	script, err := settle(h, h.settings.FetchInlineModuleScriptGraph(context.Background(),
		testOrigin+"inline.js", []byte("import lib"), nil, DefaultClassicScriptOptions()))
	require.NoError(t, err)
	require.NotNil(t, script)
	require.Nil(t, script.ErrorToRethrow)

	capability := h.settings.RunModuleScript(context.Background(), script)
	h.run()
	assert.Equal(t, module.CapabilityFulfilled, capability.State())
	assert.Equal(t, []string{"lib.js", "inline.js"}, h.tr.get())
}

func TestInlineGraph_UnmappedBareSpecifier(t *testing.T) {
	h := newHarness(t, nil)

	script, err := settle(h, h.settings.FetchInlineModuleScriptGraph(context.Background(),
		testOrigin+"inline.js", []byte("import nope"), nil, DefaultClassicScriptOptions()))
	require.NoError(t, err)
	require.Error(t, script.ErrorToRethrow)
	assert.True(t, errors.IsCode(script.ErrorToRethrow, errors.CodeUnmappedBareSpecifier))
}

func TestRunModuleScript_AsyncDependency(t *testing.T) {
	h := newHarness(t, map[string]resource{
		"a.js":   js("import ./tla.js"),
		"tla.js": js("await"),
	})

	script, err := h.fetch("a.js")
	require.NoError(t, err)
	capability := h.settings.RunModuleScript(context.Background(), script)
	h.run()

	assert.Equal(t, module.CapabilityFulfilled, capability.State())
	assert.Equal(t, []string{"tla.js:start", "tla.js:done", "a.js"}, h.tr.get())
	assert.Equal(t, module.StatusEvaluated, h.module("tla.js").Status())
}

func TestRunModuleScript_ThrowRejects(t *testing.T) {
	h := newHarness(t, map[string]resource{"a.js": js("throw boom")})

	script, err := h.fetch("a.js")
	require.NoError(t, err)
	capability := h.settings.RunModuleScript(context.Background(), script)
	h.run()

	require.Equal(t, module.CapabilityRejected, capability.State())
	assert.Contains(t, capability.Err().Error(), "boom")
	assert.Equal(t, module.StatusEvaluated, script.Module().Status())
}

func TestImportModule_ResolvesNamespace(t *testing.T) {
	h := newHarness(t, map[string]resource{"lib.js": js("export b a")})

	ns, err := settle(h, h.settings.ImportModule(context.Background(), nil, module.Request{Specifier: "./lib.js"}))
	require.NoError(t, err)
	require.NotNil(t, ns)
	assert.Equal(t, []string{"a", "b"}, ns.Exports)
	assert.True(t, ns.Has("a"))
	assert.Equal(t, []string{"lib.js"}, h.tr.get())
}

func TestImportModule_MissingRejects(t *testing.T) {
	h := newHarness(t, nil)

	ns, err := settle(h, h.settings.ImportModule(context.Background(), nil, module.Request{Specifier: "./gone.js"}))
	assert.Nil(t, ns)
	require.Error(t, err)
	assert.True(t, errors.IsFetchError(err))
}
