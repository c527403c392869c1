package fetching

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/module"
	"modgraph/internal/engine/registry"
	"modgraph/internal/engine/resolver"
	"modgraph/internal/shared/observability"
)

// GraphLoadingState joins the descendant fetches of one graph. Every newly
// visited (URL, type) pair adds one to the pending count; the count only
// drops once that dependency's own descendants have been counted, so it
// reaches zero exactly when the whole graph is in the module map. The first
// failure latches and completes the graph; later results are dropped.
type GraphLoadingState struct {
	ID string

	ctx         context.Context
	root        *ModuleScript
	destination Destination
	done        *eventloop.Future[*ModuleScript]

	mu      sync.Mutex
	pending int
	visited map[registry.Key]struct{}
	failed  bool
}

func newGraphLoadingState(ctx context.Context, s *Settings, root *ModuleScript, dest Destination, visited map[registry.Key]struct{}) *GraphLoadingState {
	if visited == nil {
		visited = make(map[registry.Key]struct{})
	}
	return &GraphLoadingState{
		ID:          uuid.NewString(),
		ctx:         ctx,
		root:        root,
		destination: dest,
		done:        eventloop.NewFuture[*ModuleScript](s.Loop),
		visited:     visited,
	}
}

// Pending is the number of counted dependencies that have not finished.
func (st *GraphLoadingState) Pending() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending
}

func (st *GraphLoadingState) Failed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failed
}

// Done settles with the root script, or with the first failure.
func (st *GraphLoadingState) Done() *eventloop.Future[*ModuleScript] { return st.done }

// visit records key and reports whether it was new.
func (st *GraphLoadingState) visit(key registry.Key) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.visited[key]; ok {
		return false
	}
	st.visited[key] = struct{}{}
	st.pending++
	return true
}

func (st *GraphLoadingState) finish() {
	st.mu.Lock()
	if st.failed {
		st.mu.Unlock()
		return
	}
	st.pending--
	zero := st.pending == 0
	st.mu.Unlock()
	if zero {
		st.done.Complete(st.root, nil)
	}
}

func (st *GraphLoadingState) fail(err error) {
	st.mu.Lock()
	if st.failed {
		st.mu.Unlock()
		return
	}
	st.failed = true
	st.mu.Unlock()
	st.done.Complete(nil, err)
}

// LoadRequestedModules fetches every descendant of root that is not already
// in visited. The returned state settles once they are all fetched.
func (s *Settings) LoadRequestedModules(ctx context.Context, root *ModuleScript, dest Destination, visited map[registry.Key]struct{}) *GraphLoadingState {
	st := newGraphLoadingState(ctx, s, root, dest, visited)
	s.loadRequestedModules(st, root)
	st.mu.Lock()
	empty := st.pending == 0 && !st.failed
	st.mu.Unlock()
	if empty {
		st.done.Complete(root, nil)
	}
	return st
}

func (s *Settings) loadRequestedModules(st *GraphLoadingState, script *ModuleScript) {
	if !script.Record.Valid() {
		return
	}
	if err := s.Arena.MarkLoaded(script.Record); err != nil {
		st.fail(err)
		return
	}
	options := script.Options.DescendantOptions()
	for _, req := range s.Arena.Module(script.Record).RequestedModules() {
		if st.Failed() {
			return
		}
		u, err := s.ResolveModuleSpecifier(script, req.Specifier)
		if err != nil {
			st.fail(err)
			return
		}
		key := registry.Key{URL: resolver.Serialize(u), Type: req.ModuleType()}
		if !st.visit(key) {
			continue
		}
		req := req
		fut := s.FetchSingleModuleScript(st.ctx, SingleFetch{
			URL:         u,
			Destination: st.destination,
			Options:     options,
			Request:     &req,
		})
		fut.OnComplete(func(child *ModuleScript, err error) {
			if st.Failed() {
				return
			}
			if err != nil {
				st.fail(err)
				return
			}
			s.loadRequestedModules(st, child)
			st.finish()
		})
	}
}

// FetchDescendantsAndLink fetches the graph under script and links it. A parse
// error anywhere in the graph, or a link failure, is stored as the script's
// ErrorToRethrow; the future still settles with the script. A fetch failure
// settles it with a nil script and that failure.
func (s *Settings) FetchDescendantsAndLink(ctx context.Context, script *ModuleScript, dest Destination, visited map[registry.Key]struct{}) *eventloop.Future[*ModuleScript] {
	ctx, span := observability.Tracer.Start(ctx, "fetching.FetchDescendantsAndLink")
	started := time.Now()

	st := s.LoadRequestedModules(ctx, script, dest, visited)
	s.logger.Debug("fetching descendants", "graph", st.ID, "root", script.Filename, "pending", st.Pending())

	out := eventloop.NewFuture[*ModuleScript](s.Loop)
	st.Done().OnComplete(func(root *ModuleScript, err error) {
		defer span.End()
		observability.GraphLoadDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			observability.GraphLoadsTotal.WithLabelValues("failed").Inc()
			s.logger.Debug("graph fetch failed", "graph", st.ID, "root", script.Filename, "error", err)
			out.Complete(nil, err)
			return
		}
		if perr := s.FindFirstParseError(root); perr != nil {
			root.ErrorToRethrow = perr
			observability.GraphLoadsTotal.WithLabelValues("parse_error").Inc()
			out.Complete(root, nil)
			return
		}
		if lerr := s.Arena.Link(ctx, root.Record); lerr != nil {
			root.ErrorToRethrow = lerr
			span.RecordError(lerr)
			observability.GraphLoadsTotal.WithLabelValues("link_error").Inc()
			out.Complete(root, nil)
			return
		}
		observability.GraphLoadsTotal.WithLabelValues("ok").Inc()
		out.Complete(root, nil)
	})
	return out
}

// FetchExternalModuleScriptGraph fetches the module at u as a top-level
// script, then its descendants, and links the result.
func (s *Settings) FetchExternalModuleScriptGraph(ctx context.Context, u *url.URL, options ScriptFetchOptions) *eventloop.Future[*ModuleScript] {
	return s.fetchTopLevelGraph(ctx, u, DestinationScript, options, nil)
}

// FetchWorkerModuleScriptGraph is the worker variant: the top-level fetch is
// same-origin and descendants use the worker destination.
func (s *Settings) FetchWorkerModuleScriptGraph(ctx context.Context, u *url.URL, dest Destination, options ScriptFetchOptions) *eventloop.Future[*ModuleScript] {
	if dest != DestinationSharedWorker {
		dest = DestinationWorker
	}
	return s.fetchTopLevelGraph(ctx, u, dest, options, nil)
}

// FetchInlineModuleScriptGraph creates a module script from inline source and
// fetches and links its descendants. The inline script is not in the module
// map, so nothing is pre-visited.
func (s *Settings) FetchInlineModuleScriptGraph(ctx context.Context, filename string, source []byte, baseURL *url.URL, options ScriptFetchOptions) *eventloop.Future[*ModuleScript] {
	if baseURL == nil {
		baseURL = s.baseURL
	}
	script := s.CreateJavaScriptModuleScript(filename, source, baseURL, options)
	return s.FetchDescendantsAndLink(ctx, script, DestinationScript, nil)
}

// FetchImportModuleScriptGraph is the import() variant: the specifier is
// resolved against the referrer (or the settings base URL) and the request's
// type attribute is honored.
func (s *Settings) FetchImportModuleScriptGraph(ctx context.Context, referrer *ModuleScript, req module.Request) *eventloop.Future[*ModuleScript] {
	u, err := s.ResolveModuleSpecifier(referrer, req.Specifier)
	if err != nil {
		observability.GraphLoadsTotal.WithLabelValues("failed").Inc()
		return eventloop.Rejected[*ModuleScript](s.Loop, err)
	}
	options := DefaultClassicScriptOptions()
	if referrer != nil {
		options = referrer.Options.DescendantOptions()
	}
	return s.fetchTopLevelGraph(ctx, u, DestinationScript, options, &req)
}

// ImportModule runs import(specifier) from referrer: fetch, link, evaluate,
// then settle with the module's namespace.
func (s *Settings) ImportModule(ctx context.Context, referrer *ModuleScript, req module.Request) *eventloop.Future[*module.Namespace] {
	graph := s.FetchImportModuleScriptGraph(ctx, referrer, req)
	return eventloop.Then(graph, func(script *ModuleScript) *eventloop.Future[*module.Namespace] {
		evaluated := s.RunModuleScript(ctx, script).Future()
		return eventloop.Then(evaluated, func(struct{}) *eventloop.Future[*module.Namespace] {
			ns, err := s.Arena.Namespace(script.Record)
			if err != nil {
				return eventloop.Rejected[*module.Namespace](s.Loop, err)
			}
			return eventloop.Resolved(s.Loop, ns)
		})
	})
}

func (s *Settings) fetchTopLevelGraph(ctx context.Context, u *url.URL, dest Destination, options ScriptFetchOptions, req *module.Request) *eventloop.Future[*ModuleScript] {
	single := SingleFetch{URL: u, Destination: dest, Options: options, Request: req, TopLevel: true}
	top := s.FetchSingleModuleScript(ctx, single)
	return eventloop.Then(top, func(script *ModuleScript) *eventloop.Future[*ModuleScript] {
		visited := map[registry.Key]struct{}{
			{URL: resolver.Serialize(u), Type: single.moduleType()}: {},
		}
		return s.FetchDescendantsAndLink(ctx, script, dest, visited)
	})
}
