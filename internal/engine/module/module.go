// # internal/engine/module/module.go
// Package module implements cyclic module records: the per-module state
// machine plus the DFS-based Link and Evaluate algorithms, including the
// asynchronous evaluation protocol for modules that use top-level await.
//
// Records live in an Arena and refer to one another through Handles, so
// cycles in the import graph never become ownership cycles.
package module

import (
	"context"
	"fmt"
)

// Handle addresses a record inside its Arena. The zero Handle is never valid.
type Handle uint32

func (h Handle) Valid() bool { return h != 0 }

type Status uint8

const (
	StatusNew Status = iota
	StatusUnlinked
	StatusLinking
	StatusLinked
	StatusEvaluating
	StatusEvaluatingAsync
	StatusEvaluated
)

var statusNames = [...]string{
	StatusNew:             "new",
	StatusUnlinked:        "unlinked",
	StatusLinking:         "linking",
	StatusLinked:          "linked",
	StatusEvaluating:      "evaluating",
	StatusEvaluatingAsync: "evaluating-async",
	StatusEvaluated:       "evaluated",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

const DefaultModuleType = "javascript"

// Request is one static dependency: a specifier plus its import attributes.
type Request struct {
	Specifier  string
	Attributes map[string]string
}

// ModuleType is the "type" attribute, or "javascript" when absent.
func (r Request) ModuleType() string {
	if t, ok := r.Attributes["type"]; ok {
		return t
	}
	return DefaultModuleType
}

// Body is an executable module body produced by the parser.
type Body interface {
	// Execute runs a body without top-level await to completion.
	Execute(ctx context.Context) error
	// ExecuteAsync starts a top-level-await body. The body settles capability
	// once it finishes, usually from a later loop task.
	ExecuteAsync(ctx context.Context, capability *Capability)
}

// EnvironmentInitializer is implemented by bodies that need to instantiate
// their bindings once the whole graph is linked.
type EnvironmentInitializer interface {
	InitializeEnvironment() error
}

// ParsedModule is what the parser hands over for a successfully parsed source.
type ParsedModule struct {
	RequestedModules []Request
	HasTopLevelAwait bool
	ExportedNames    []string
	Body             Body
}

// Info identifies where a record came from.
type Info struct {
	URL      string
	Filename string
}

type dfsMark struct {
	index    uint
	ancestor uint
}

// CyclicModule is one node of the module graph. Its fields are only touched
// from the owning Arena's loop.
type CyclicModule struct {
	handle Handle
	info   Info
	status Status

	requested        []Request
	loaded           map[string]Handle
	hasTopLevelAwait bool
	exportedNames    []string
	body             Body

	dfs       *dfsMark
	cycleRoot Handle // set by Link, never changed afterwards
	// evalRoot is the root of m's component in the evaluation DFS. It matches
	// cycleRoot unless evaluation reached the component through another member.
	evalRoot Handle

	asyncEvaluation          bool
	asyncEvaluationOrder     uint64
	pendingAsyncDependencies int
	asyncParentModules       []Handle
	topLevelCapability       *Capability

	evaluationError error

	namespace *Namespace
}

func (m *CyclicModule) Handle() Handle { return m.handle }
func (m *CyclicModule) Info() Info { return m.info }
func (m *CyclicModule) Status() Status { return m.status }
func (m *CyclicModule) CycleRoot() Handle { return m.cycleRoot }

func (m *CyclicModule) HasTopLevelAwait() bool { return m.hasTopLevelAwait }

// RequestedModules returns the dependency requests in source order.
func (m *CyclicModule) RequestedModules() []Request {
	return append([]Request(nil), m.requested...)
}

// LoadedModule reports the record a specifier has been bound to, if any.
func (m *CyclicModule) LoadedModule(specifier string) (Handle, bool) {
	h, ok := m.loaded[specifier]
	return h, ok
}

func (m *CyclicModule) AsyncEvaluation() bool { return m.asyncEvaluation }

func (m *CyclicModule) PendingAsyncDependencies() int { return m.pendingAsyncDependencies }

func (m *CyclicModule) AsyncParentModules() []Handle {
	return append([]Handle(nil), m.asyncParentModules...)
}

// EvaluationError is the recorded failure once the module has been evaluated.
func (m *CyclicModule) EvaluationError() error { return m.evaluationError }

// DFSIndex reports the traversal indices; ok is false outside a Link or
// Evaluate call.
func (m *CyclicModule) DFSIndex() (index, ancestor uint, ok bool) {
	if m.dfs == nil {
		return 0, 0, false
	}
	return m.dfs.index, m.dfs.ancestor, true
}

func (m *CyclicModule) String() string {
	return fmt.Sprintf("%s#%d[%s]", m.info.URL, m.handle, m.status)
}
