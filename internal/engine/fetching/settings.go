package fetching

import (
	"log/slog"
	"net/url"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/module"
	"modgraph/internal/engine/registry"
	"modgraph/internal/engine/resolver"
)

// knownModuleTypes are the types a settings object can ever allow.
var knownModuleTypes = map[string]bool{
	module.DefaultModuleType: true,
	"json":                   true,
	"css":                    true,
}

type SettingsConfig struct {
	BaseURL   *url.URL
	ImportMap *resolver.ImportMap
	// AllowedModuleTypes restricts the known module types further. Empty
	// means every known type is allowed.
	AllowedModuleTypes []string
	ScriptingDisabled  bool
	Loader             ports.ResourceLoader
	Parser             ports.ModuleParser
	Logger             *slog.Logger
	Observer           module.Observer
}

// Settings is an environment settings object: it owns the module map and the
// record arena for everything fetched through it. All methods must be called
// from its loop.
type Settings struct {
	Loop      *eventloop.Loop
	Arena     *module.Arena
	ModuleMap *registry.ModuleMap[*ModuleScript]

	baseURL           *url.URL
	importMap         *resolver.ImportMap
	allowed           map[string]bool
	scriptingDisabled bool
	loader            ports.ResourceLoader
	parser            ports.ModuleParser
	logger            *slog.Logger

	scripts map[module.Handle]*ModuleScript
}

func NewSettings(loop *eventloop.Loop, cfg SettingsConfig) *Settings {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{
		Loop:              loop,
		ModuleMap:         registry.New[*ModuleScript](),
		baseURL:           cfg.BaseURL,
		importMap:         cfg.ImportMap,
		scriptingDisabled: cfg.ScriptingDisabled,
		loader:            cfg.Loader,
		parser:            cfg.Parser,
		logger:            logger,
		scripts:           make(map[module.Handle]*ModuleScript),
	}
	if len(cfg.AllowedModuleTypes) > 0 {
		s.allowed = make(map[string]bool, len(cfg.AllowedModuleTypes))
		for _, t := range cfg.AllowedModuleTypes {
			s.allowed[t] = true
		}
	}
	opts := []module.Option{module.WithHost(s), module.WithLogger(logger)}
	if cfg.Observer != nil {
		opts = append(opts, module.WithObserver(cfg.Observer))
	}
	s.Arena = module.NewArena(loop, opts...)
	return s
}

func (s *Settings) BaseURL() *url.URL { return s.baseURL }

func (s *Settings) ImportMap() *resolver.ImportMap { return s.importMap }

func (s *Settings) ModuleTypeAllowed(moduleType string) bool {
	if !knownModuleTypes[moduleType] {
		return false
	}
	return s.allowed == nil || s.allowed[moduleType]
}

// ResolveModuleSpecifier resolves against the referring script's base URL, or
// the settings base URL when there is no referrer.
func (s *Settings) ResolveModuleSpecifier(referrer *ModuleScript, specifier string) (*url.URL, error) {
	base := s.baseURL
	if referrer != nil && referrer.BaseURL != nil {
		base = referrer.BaseURL
	}
	return resolver.ResolveModuleSpecifier(base, s.importMap, specifier)
}

// Script returns the module script that owns a record.
func (s *Settings) Script(h module.Handle) *ModuleScript {
	return s.scripts[h]
}

// ResolveImportedModule binds a request to the module map entry it resolves
// to. The graph must have been fetched already.
func (s *Settings) ResolveImportedModule(referrer module.Handle, req module.Request) (module.Handle, error) {
	script := s.scripts[referrer]
	if script == nil {
		return 0, errors.Newf(errors.CodeNotFound, "no module script owns record %d", referrer)
	}
	u, err := s.ResolveModuleSpecifier(script, req.Specifier)
	if err != nil {
		return 0, err
	}
	key := registry.Key{URL: resolver.Serialize(u), Type: req.ModuleType()}
	entry, ok := s.ModuleMap.Get(key)
	if !ok || entry.State != registry.Loaded || entry.Value == nil {
		return 0, errors.AddContext(
			errors.New(errors.CodeNotLoaded, "imported module is not in the module map"),
			errors.CtxURL, key.URL,
		)
	}
	if !entry.Value.Record.Valid() {
		return 0, errors.AddContext(
			errors.Wrap(entry.Value.ParseError, errors.CodeNotLoaded, "imported module failed to parse"),
			errors.CtxURL, key.URL,
		)
	}
	return entry.Value.Record, nil
}
