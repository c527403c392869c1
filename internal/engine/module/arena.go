package module

import (
	"log/slog"
	"sort"

	"modgraph/internal/core/errors"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/shared/observability"
)

// HostResolver binds a request to a record when the referrer has not seen
// that specifier yet. The fetching layer implements it on top of the module
// map.
type HostResolver interface {
	ResolveImportedModule(referrer Handle, request Request) (Handle, error)
}

type HostResolverFunc func(referrer Handle, request Request) (Handle, error)

func (f HostResolverFunc) ResolveImportedModule(referrer Handle, request Request) (Handle, error) {
	return f(referrer, request)
}

// Observer is told about every status transition, after the transition (and,
// for a strongly connected component, after the whole component) is applied.
type Observer interface {
	OnStatus(h Handle, status Status)
}

type ObserverFunc func(h Handle, status Status)

func (f ObserverFunc) OnStatus(h Handle, status Status) { f(h, status) }

// Arena owns every record created for one settings object.
type Arena struct {
	loop     *eventloop.Loop
	modules  []*CyclicModule
	host     HostResolver
	observer Observer
	logger   *slog.Logger

	// asyncOrder numbers modules as they enter async evaluation.
	asyncOrder uint64
}

type Option func(*Arena)

func WithHost(h HostResolver) Option {
	return func(a *Arena) { a.host = h }
}

func WithObserver(o Observer) Option {
	return func(a *Arena) { a.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Arena) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewArena(loop *eventloop.Loop, opts ...Option) *Arena {
	a := &Arena{
		loop:    loop,
		modules: []*CyclicModule{nil},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arena) Loop() *eventloop.Loop { return a.loop }

// Create allocates a record in status New for a successfully parsed module.
func (a *Arena) Create(parsed *ParsedModule, info Info) Handle {
	h := Handle(len(a.modules))
	m := &CyclicModule{
		handle:           h,
		info:             info,
		status:           StatusNew,
		loaded:           make(map[string]Handle),
		hasTopLevelAwait: parsed.HasTopLevelAwait,
		body:             parsed.Body,
	}
	m.requested = append(m.requested, parsed.RequestedModules...)
	m.exportedNames = append(m.exportedNames, parsed.ExportedNames...)
	a.modules = append(a.modules, m)
	a.logger.Debug("module record created", "url", info.URL, "handle", h, "requests", len(m.requested))
	return h
}

// Module resolves a handle; it returns nil for handles this arena never issued.
func (a *Arena) Module(h Handle) *CyclicModule {
	if h == 0 || int(h) >= len(a.modules) {
		return nil
	}
	return a.modules[h]
}

func (a *Arena) Len() int { return len(a.modules) - 1 }

// Handles lists every record in creation order.
func (a *Arena) Handles() []Handle {
	out := make([]Handle, 0, a.Len())
	for _, m := range a.modules[1:] {
		out = append(out, m.handle)
	}
	return out
}

func (a *Arena) mustModule(h Handle) (*CyclicModule, error) {
	m := a.Module(h)
	if m == nil {
		return nil, errors.Newf(errors.CodeNotFound, "unknown module handle %d", h)
	}
	return m, nil
}

// MarkLoaded moves a record from New to Unlinked once the graph loader has
// dispatched its requests. Calling it again is a no-op.
func (a *Arena) MarkLoaded(h Handle) error {
	m, err := a.mustModule(h)
	if err != nil {
		return err
	}
	if m.status == StatusNew {
		a.setStatus(m, StatusUnlinked)
	}
	return nil
}

// RecordLoaded binds specifier to target in the referrer's loaded modules.
// Rebinding a specifier to a different record is rejected.
func (a *Arena) RecordLoaded(referrer Handle, specifier string, target Handle) error {
	m, err := a.mustModule(referrer)
	if err != nil {
		return err
	}
	if a.Module(target) == nil {
		return errors.Newf(errors.CodeNotFound, "unknown module handle %d", target)
	}
	if prev, ok := m.loaded[specifier]; ok {
		if prev != target {
			return errors.AddContext(
				errors.Newf(errors.CodeConflict, "specifier already bound to %s", a.modules[prev].info.URL),
				errors.CtxSpecifier, specifier,
			)
		}
		return nil
	}
	m.loaded[specifier] = target
	return nil
}

// GetImportedModule returns the record a request resolves to, asking the host
// on the first lookup of a specifier.
func (a *Arena) GetImportedModule(referrer Handle, request Request) (Handle, error) {
	m, err := a.mustModule(referrer)
	if err != nil {
		return 0, err
	}
	if h, ok := m.loaded[request.Specifier]; ok {
		return h, nil
	}
	if a.host == nil {
		return 0, errors.AddContext(
			errors.New(errors.CodeNotLoaded, "dependency has not been loaded"),
			errors.CtxSpecifier, request.Specifier,
		)
	}
	h, err := a.host.ResolveImportedModule(referrer, request)
	if err != nil {
		return 0, err
	}
	if err := a.RecordLoaded(referrer, request.Specifier, h); err != nil {
		return 0, err
	}
	return h, nil
}

func (a *Arena) setStatus(m *CyclicModule, s Status) {
	a.applyStatus(m, s)
	a.notify(m)
}

// applyStatus changes status without telling the observer; callers finishing
// a whole component notify once every member is updated.
func (a *Arena) applyStatus(m *CyclicModule, s Status) {
	if m.status == StatusEvaluatingAsync && s != StatusEvaluatingAsync {
		observability.AsyncModulesInFlight.Dec()
	} else if s == StatusEvaluatingAsync && m.status != StatusEvaluatingAsync {
		observability.AsyncModulesInFlight.Inc()
	}
	m.status = s
}

func (a *Arena) notify(m *CyclicModule) {
	if a.observer != nil {
		a.observer.OnStatus(m.handle, m.status)
	}
}

// Namespace is the lazily created module namespace: the sorted list of names
// a module exports.
type Namespace struct {
	Module  Handle
	Exports []string
}

func (n *Namespace) Has(name string) bool {
	i := sort.SearchStrings(n.Exports, name)
	return i < len(n.Exports) && n.Exports[i] == name
}

// Namespace returns the module's namespace, creating it on first use. The
// module must be linked.
func (a *Arena) Namespace(h Handle) (*Namespace, error) {
	m, err := a.mustModule(h)
	if err != nil {
		return nil, err
	}
	if m.status < StatusLinked {
		return nil, errors.AddContext(
			errors.New(errors.CodeNotLinked, "namespace requested before linking"),
			errors.CtxStatus, m.status.String(),
		)
	}
	if m.namespace == nil {
		names := append([]string(nil), m.exportedNames...)
		sort.Strings(names)
		names = dedupSorted(names)
		m.namespace = &Namespace{Module: h, Exports: names}
	}
	return m.namespace, nil
}

func dedupSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
