package fetching

import (
	"context"
	"net/url"
	"strings"
	"time"

	"modgraph/internal/core/errors"
	"modgraph/internal/engine/module"
	"modgraph/internal/engine/registry"
	"modgraph/internal/engine/resolver"
	"modgraph/internal/shared/observability"
)

// ModuleScript is a JavaScript module script. Record is zero when the source
// failed to parse or one of its requests could not be resolved; ParseError
// then says why.
type ModuleScript struct {
	BaseURL  *url.URL
	Filename string
	Settings *Settings
	Options  ScriptFetchOptions

	Record     module.Handle
	ParseError error
	// ErrorToRethrow is set when the graph rooted here could not be linked.
	ErrorToRethrow error
}

func (ms *ModuleScript) Module() *module.CyclicModule {
	if ms == nil || ms.Settings == nil {
		return nil
	}
	return ms.Settings.Arena.Module(ms.Record)
}

// CreateJavaScriptModuleScript parses source and, when every request resolves
// to an allowed module type, creates its module record.
func (s *Settings) CreateJavaScriptModuleScript(filename string, source []byte, baseURL *url.URL, options ScriptFetchOptions) *ModuleScript {
	if s.scriptingDisabled {
		source = nil
	}
	script := &ModuleScript{
		BaseURL:  baseURL,
		Filename: filename,
		Settings: s,
		Options:  options,
	}

	started := time.Now()
	parsed, errs := s.parser.ParseModule(source, filename)
	observability.ParsingDuration.Observe(time.Since(started).Seconds())
	if len(errs) > 0 {
		script.ParseError = errs[0]
		s.logger.Debug("module failed to parse", "filename", filename, "error", errs[0], "errors", len(errs))
		return script
	}
	if parsed == nil {
		parsed = &module.ParsedModule{}
	}

	for _, req := range parsed.RequestedModules {
		for key := range req.Attributes {
			if key != "type" {
				script.ParseError = errors.AddContext(
					errors.Newf(errors.CodeNotSupported, "unsupported import attribute %q", key),
					errors.CtxSpecifier, req.Specifier,
				)
				return script
			}
		}
		if _, err := s.ResolveModuleSpecifier(script, req.Specifier); err != nil {
			script.ParseError = err
			return script
		}
		if t := req.ModuleType(); !s.ModuleTypeAllowed(t) {
			script.ParseError = errors.AddContext(
				errors.Newf(errors.CodeDisallowedModuleType, "module type %q is not allowed", t),
				errors.CtxSpecifier, req.Specifier,
			)
			return script
		}
	}

	script.Record = s.Arena.Create(parsed, module.Info{URL: resolver.Serialize(baseURL), Filename: filename})
	s.scripts[script.Record] = script
	return script
}

// FindFirstParseError walks the fetched graph under script depth first and
// returns the first parse error, or nil.
func (s *Settings) FindFirstParseError(script *ModuleScript) error {
	return s.findFirstParseError(script, make(map[*ModuleScript]bool))
}

func (s *Settings) findFirstParseError(script *ModuleScript, discovered map[*ModuleScript]bool) error {
	discovered[script] = true
	if !script.Record.Valid() {
		return script.ParseError
	}
	m := s.Arena.Module(script.Record)
	for _, req := range m.RequestedModules() {
		u, err := s.ResolveModuleSpecifier(script, req.Specifier)
		if err != nil {
			return err
		}
		key := registry.Key{URL: resolver.Serialize(u), Type: req.ModuleType()}
		entry, ok := s.ModuleMap.Get(key)
		if !ok || entry.State != registry.Loaded {
			return errors.AddContext(errors.New(errors.CodeNotLoaded, "descendant is not in the module map"), errors.CtxURL, key.URL)
		}
		child := entry.Value
		if discovered[child] {
			continue
		}
		if err := s.findFirstParseError(child, discovered); err != nil {
			return err
		}
	}
	return nil
}

// RunModuleScript evaluates a linked module script. Scripts whose graph
// failed to link yield a capability rejected with that failure.
func (s *Settings) RunModuleScript(ctx context.Context, script *ModuleScript) *module.Capability {
	if script.ErrorToRethrow != nil {
		return module.RejectedCapability(s.Loop, script.ErrorToRethrow)
	}
	if !script.Record.Valid() {
		return module.RejectedCapability(s.Loop, script.ParseError)
	}
	return s.Arena.Evaluate(ctx, script.Record)
}

// decodeSource decodes a response body as UTF-8, dropping a leading BOM and
// replacing invalid sequences.
func decodeSource(body []byte) []byte {
	src := strings.TrimPrefix(string(body), "\uFEFF")
	return []byte(strings.ToValidUTF8(src, "\uFFFD"))
}
