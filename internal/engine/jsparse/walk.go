package jsparse

import (
	"strconv"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"
)

// nodeHandler handles one node kind. Returning true skips the node's children.
type nodeHandler func(w *walker, node *sitter.Node) bool

type walker struct {
	source   []byte
	handlers map[string]nodeHandler
	// depth counts enclosing function-like nodes.
	depth int
}

var functionKinds = map[string]bool{
	"function_declaration":           true,
	"function_expression":            true,
	"function":                       true,
	"generator_function":             true,
	"generator_function_declaration": true,
	"arrow_function":                 true,
	"method_definition":              true,
	"class_static_block":             true,
}

func (w *walker) walk(node *sitter.Node) {
	if node == nil {
		return
	}
	if h, ok := w.handlers[node.Kind()]; ok && h(w, node) {
		return
	}
	fn := functionKinds[node.Kind()]
	if fn {
		w.depth++
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		w.walk(node.Child(i))
	}
	if fn {
		w.depth--
	}
}

func (w *walker) text(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	return node.Utf8Text(w.source)
}

// stringValue decodes a string literal node.
func (w *walker) stringValue(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	if node.Kind() != "string" {
		return w.text(node)
	}
	var b strings.Builder
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		switch child.Kind() {
		case "string_fragment":
			b.WriteString(w.text(child))
		case "escape_sequence":
			b.WriteString(unescape(w.text(child)))
		}
	}
	return b.String()
}

func unescape(seq string) string {
	if v, err := strconv.Unquote(`"` + seq + `"`); err == nil {
		return v
	}
	return strings.TrimPrefix(seq, `\`)
}

// childOfKind returns the first direct child of the given kind.
func childOfKind(node *sitter.Node, kind string) *sitter.Node {
	for i := uint(0); i < node.ChildCount(); i++ {
		if c := node.Child(i); c.Kind() == kind {
			return c
		}
	}
	return nil
}

// firstError finds the first error or missing node in document order.
func firstError(node *sitter.Node) *sitter.Node {
	if node == nil || !node.HasError() && !node.IsMissing() {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		if found := firstError(node.Child(i)); found != nil {
			return found
		}
	}
	return node
}
