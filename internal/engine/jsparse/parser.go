// Package jsparse builds module records from JavaScript source with the
// tree-sitter JavaScript grammar: static imports with their attributes,
// exported names, top-level await, and a simulated body for evaluation.
package jsparse

import (
	"log/slog"
	"sort"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"

	"modgraph/internal/core/errors"
	"modgraph/internal/engine/eventloop"
	"modgraph/internal/engine/module"
)

// Parser implements ports.ModuleParser. Bodies it produces settle async work
// on loop and record their execution in Executor.
type Parser struct {
	pool     *ParserPool
	loop     *eventloop.Loop
	executor *Executor
	logger   *slog.Logger
}

func NewParser(loop *eventloop.Loop, executor *Executor, logger *slog.Logger) *Parser {
	if executor == nil {
		executor = NewExecutor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		pool:     NewParserPool(sitter.NewLanguage(tree_sitter_javascript.Language())),
		loop:     loop,
		executor: executor,
		logger:   logger,
	}
}

func (p *Parser) Executor() *Executor { return p.executor }

type extraction struct {
	requests []module.Request
	seen     map[[2]string]bool
	exports  []string
	tla      bool
	throw    string
	errs     []error
}

func (p *Parser) ParseModule(source []byte, filename string) (*module.ParsedModule, []error) {
	sp := p.pool.Get()
	defer p.pool.Put(sp)

	tree := sp.Parse(source, nil)
	if tree == nil {
		return nil, []error{errors.AddContext(errors.New(errors.CodeValidationError, "parser produced no tree"), errors.CtxURL, filename)}
	}
	defer tree.Close()

	root := tree.RootNode()
	if bad := firstError(root); bad != nil {
		pos := bad.StartPosition()
		what := "unexpected token"
		if bad.IsMissing() {
			what = "missing " + bad.Kind()
		}
		return nil, []error{errors.AddContext(
			errors.Newf(errors.CodeValidationError, "%s:%d:%d: syntax error: %s", filename, pos.Row+1, pos.Column+1, what),
			errors.CtxURL, filename,
		)}
	}

	ex := &extraction{seen: make(map[[2]string]bool)}
	w := &walker{source: source}
	w.handlers = map[string]nodeHandler{
		"import_statement": func(w *walker, n *sitter.Node) bool {
			ex.addRequest(w, n)
			return true
		},
		"export_statement": func(w *walker, n *sitter.Node) bool {
			ex.addExport(w, n)
			return false
		},
		"await_expression": func(w *walker, n *sitter.Node) bool {
			if w.depth == 0 {
				ex.tla = true
			}
			return false
		},
		"for_in_statement": func(w *walker, n *sitter.Node) bool {
			if w.depth == 0 && childOfKind(n, "await") != nil {
				ex.tla = true
			}
			return false
		},
	}
	for i := uint(0); i < root.ChildCount(); i++ {
		child := root.Child(i)
		if child.Kind() == "throw_statement" && ex.throw == "" {
			ex.throw = strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(w.text(child), "throw")), ";")
		}
		w.walk(child)
	}
	if len(ex.errs) > 0 {
		return nil, ex.errs
	}

	exports := append([]string(nil), ex.exports...)
	sort.Strings(exports)
	p.logger.Debug("parsed module", "filename", filename, "requests", len(ex.requests), "exports", len(exports), "tla", ex.tla)
	return &module.ParsedModule{
		RequestedModules: ex.requests,
		HasTopLevelAwait: ex.tla,
		ExportedNames:    exports,
		Body: &body{
			url:      filename,
			throw:    ex.throw,
			loop:     p.loop,
			executor: p.executor,
		},
	}, nil
}

func (ex *extraction) addRequest(w *walker, n *sitter.Node) {
	source := n.ChildByFieldName("source")
	if source == nil {
		return
	}
	req := module.Request{Specifier: w.stringValue(source)}
	if attr := childOfKind(n, "import_attribute"); attr != nil {
		attrs, err := ex.attributes(w, attr)
		if err != nil {
			ex.errs = append(ex.errs, err)
			return
		}
		req.Attributes = attrs
	}
	key := [2]string{req.Specifier, req.ModuleType()}
	if ex.seen[key] {
		return
	}
	ex.seen[key] = true
	ex.requests = append(ex.requests, req)
}

// attributes reads `with { type: "json" }`. Values must be string literals.
func (ex *extraction) attributes(w *walker, attr *sitter.Node) (map[string]string, error) {
	obj := childOfKind(attr, "object")
	if obj == nil {
		return nil, nil
	}
	out := make(map[string]string)
	for i := uint(0); i < obj.NamedChildCount(); i++ {
		pair := obj.NamedChild(i)
		if pair.Kind() != "pair" {
			continue
		}
		key := pair.ChildByFieldName("key")
		value := pair.ChildByFieldName("value")
		if value == nil || value.Kind() != "string" {
			pos := pair.StartPosition()
			return nil, errors.Newf(errors.CodeValidationError, "%d:%d: import attribute values must be strings", pos.Row+1, pos.Column+1)
		}
		out[w.stringValue(key)] = w.stringValue(value)
	}
	return out, nil
}

func (ex *extraction) addExport(w *walker, n *sitter.Node) {
	// Re-exports request their source like imports do.
	ex.addRequest(w, n)

	if childOfKind(n, "default") != nil {
		ex.exports = append(ex.exports, "default")
		return
	}
	if ns := childOfKind(n, "namespace_export"); ns != nil {
		for i := uint(0); i < ns.NamedChildCount(); i++ {
			ex.exports = append(ex.exports, w.stringValue(ns.NamedChild(i)))
		}
		return
	}
	if clause := childOfKind(n, "export_clause"); clause != nil {
		for i := uint(0); i < clause.NamedChildCount(); i++ {
			spec := clause.NamedChild(i)
			if spec.Kind() != "export_specifier" {
				continue
			}
			name := spec.ChildByFieldName("alias")
			if name == nil {
				name = spec.ChildByFieldName("name")
			}
			ex.exports = append(ex.exports, w.stringValue(name))
		}
		return
	}
	if decl := n.ChildByFieldName("declaration"); decl != nil {
		ex.exports = append(ex.exports, declaredNames(w, decl)...)
	}
}

func declaredNames(w *walker, decl *sitter.Node) []string {
	switch decl.Kind() {
	case "lexical_declaration", "variable_declaration":
		var names []string
		for i := uint(0); i < decl.NamedChildCount(); i++ {
			d := decl.NamedChild(i)
			if d.Kind() == "variable_declarator" {
				names = append(names, patternNames(w, d.ChildByFieldName("name"))...)
			}
		}
		return names
	default:
		if name := decl.ChildByFieldName("name"); name != nil {
			return []string{w.text(name)}
		}
	}
	return nil
}

// patternNames collects the identifiers a binding pattern declares.
func patternNames(w *walker, n *sitter.Node) []string {
	if n == nil {
		return nil
	}
	switch n.Kind() {
	case "identifier", "shorthand_property_identifier_pattern":
		return []string{w.text(n)}
	case "pair_pattern":
		return patternNames(w, n.ChildByFieldName("value"))
	case "assignment_pattern", "object_assignment_pattern":
		return patternNames(w, n.ChildByFieldName("left"))
	}
	var names []string
	for i := uint(0); i < n.NamedChildCount(); i++ {
		names = append(names, patternNames(w, n.NamedChild(i))...)
	}
	return names
}
