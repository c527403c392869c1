package fetching

import (
	"context"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/loader"
	"modgraph/internal/engine/module"
	"modgraph/internal/engine/registry"
	"modgraph/internal/engine/resolver"
	"modgraph/internal/shared/observability"
)

// SingleFetch describes one call to FetchSingleModuleScript.
type SingleFetch struct {
	URL         *url.URL
	Destination Destination
	Options     ScriptFetchOptions
	// Request is the static import that caused the fetch; nil for top-level
	// fetches, which always use the "javascript" type.
	Request  *module.Request
	TopLevel bool
}

func (f SingleFetch) moduleType() string {
	if f.Request != nil {
		return f.Request.ModuleType()
	}
	return module.DefaultModuleType
}

// destinationFor maps json and css module types to their fetch destinations.
func destinationFor(dest Destination, moduleType string) Destination {
	switch moduleType {
	case "json":
		return DestinationJSON
	case "css":
		return DestinationStyle
	default:
		return dest
	}
}

// FetchSingleModuleScript fetches, parses and registers one module. Concurrent
// fetches of the same (URL, type) share the first one's result: only the call
// that finds no module map entry issues a network request, the others wait on
// the Fetching entry. A failed fetch completes with a non-nil error.
func (s *Settings) FetchSingleModuleScript(ctx context.Context, f SingleFetch) *eventloop.Future[*ModuleScript] {
	out := eventloop.NewFuture[*ModuleScript](s.Loop)
	moduleType := f.moduleType()
	if !s.ModuleTypeAllowed(moduleType) {
		out.Complete(nil, errors.AddContext(
			errors.Newf(errors.CodeDisallowedModuleType, "module type %q is not allowed", moduleType),
			errors.CtxURL, f.URL.String(),
		))
		return out
	}

	if err := ctx.Err(); err != nil {
		out.Complete(nil, errors.Wrap(err, errors.CodeAborted, "fetch abandoned"))
		return out
	}

	key := registry.Key{URL: resolver.Serialize(f.URL), Type: moduleType}
	if entry, ok := s.ModuleMap.Get(key); ok {
		switch entry.State {
		case registry.Fetching:
			observability.FetchesTotal.WithLabelValues("waited").Inc()
			s.ModuleMap.WaitForChange(key, func(e registry.Entry[*ModuleScript]) {
				if err := ctx.Err(); err != nil {
					out.Complete(nil, errors.Wrap(err, errors.CodeAborted, "fetch abandoned"))
					return
				}
				s.completeFromEntry(out, key, e)
			})
		default:
			observability.FetchesTotal.WithLabelValues("cached").Inc()
			s.completeFromEntry(out, key, entry)
		}
		return out
	}

	if err := s.ModuleMap.Set(key, registry.Entry[*ModuleScript]{State: registry.Fetching}); err != nil {
		out.Complete(nil, err)
		return out
	}

	dest := destinationFor(f.Destination, moduleType)
	req := f.Options.moduleRequest(key.URL, dest, f.TopLevel)
	s.logger.Debug("fetching module", "url", key.URL, "type", moduleType, "destination", dest, "mode", req.Mode)

	spanCtx, span := observability.Tracer.Start(ctx, "fetching.FetchSingleModuleScript")
	span.SetAttributes(attribute.String("url", key.URL), attribute.String("module_type", moduleType))
	started := time.Now()

	// The entry is shared with every graph waiting on it, so the load outlives
	// the caller's cancellation. Only the caller's own future sees the abort.
	loadCtx := context.WithoutCancel(spanCtx)
	s.Loop.Go(func() func() {
		resp, err := s.loader.Load(loadCtx, req)
		return func() {
			defer span.End()
			observability.FetchDuration.WithLabelValues(moduleType).Observe(time.Since(started).Seconds())
			script, ferr := s.processResponse(f, key, resp, err)
			if ferr != nil {
				span.RecordError(ferr)
				observability.FetchesTotal.WithLabelValues("failed").Inc()
				s.logger.Debug("module fetch failed", "url", key.URL, "error", ferr)
				_ = s.ModuleMap.Set(key, registry.Entry[*ModuleScript]{State: registry.Failed})
			} else {
				observability.FetchesTotal.WithLabelValues("network").Inc()
				_ = s.ModuleMap.Set(key, registry.Entry[*ModuleScript]{State: registry.Loaded, Value: script})
			}
			if cerr := ctx.Err(); cerr != nil {
				out.Complete(nil, errors.Wrap(cerr, errors.CodeAborted, "fetch abandoned"))
				return
			}
			out.Complete(script, ferr)
		}
	})
	return out
}

func (s *Settings) completeFromEntry(out *eventloop.Future[*ModuleScript], key registry.Key, e registry.Entry[*ModuleScript]) {
	if e.State == registry.Loaded && e.Value != nil {
		out.Complete(e.Value, nil)
		return
	}
	out.Complete(nil, errors.AddContext(
		errors.New(errors.CodeFetchFailed, "module fetch failed"),
		errors.CtxURL, key.URL,
	))
}

func (s *Settings) processResponse(f SingleFetch, key registry.Key, resp *ports.ResourceResponse, err error) (*ModuleScript, error) {
	if err != nil {
		if errors.IsCode(err, errors.CodeAborted) {
			return nil, err
		}
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeFetchFailed, "network error"), errors.CtxURL, key.URL)
	}
	if !resp.OK() || resp.Body == nil {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		return nil, errors.AddContext(
			errors.Newf(errors.CodeFetchFailed, "bad response status %d", status),
			errors.CtxURL, key.URL,
		)
	}

	if !loader.MatchesIntegrity(f.Options.IntegrityMetadata, resp.Body) {
		return nil, errors.AddContext(
			errors.New(errors.CodeFetchFailed, "response does not match integrity metadata"),
			errors.CtxURL, key.URL,
		)
	}

	responseURL := f.URL
	if resp.URL != "" {
		if u, perr := url.Parse(resp.URL); perr == nil {
			responseURL = u
		}
	}
	essence := loader.SniffMIME(resp.Header.Get("Content-Type"), resp.Body)

	switch key.Type {
	case module.DefaultModuleType:
		if !loader.IsJavaScriptMIME(essence) {
			return nil, errors.AddContext(
				errors.Newf(errors.CodeFetchFailed, "MIME type %q is not a JavaScript MIME type", essence),
				errors.CtxURL, key.URL,
			)
		}
		source := decodeSource(resp.Body)
		return s.CreateJavaScriptModuleScript(resolver.Serialize(responseURL), source, responseURL, f.Options), nil
	default:
		return nil, errors.AddContext(
			errors.Newf(errors.CodeUnsupportedModuleType, "%s modules are not supported", key.Type),
			errors.CtxModuleType, key.Type,
		)
	}
}
