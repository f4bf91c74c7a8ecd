// internal/pycall/functions.go
package pycall

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Span locates a definition in a source file. Lines are 1-based and inclusive.
type Span struct {
	StartLine int
	EndLine   int
	Text      string
}

// FindFunction returns the first function definition called name, in
// source order. Methods and nested functions are included. The span starts
// at the def line, so decorators are left out.
func FindFunction(ctx context.Context, code, name string) (Span, bool, error) {
	name = strings.TrimSpace(name)
	// Accept "foo(a, b)" or "def foo" as well as a bare name.
	name = strings.TrimPrefix(name, "def ")
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Span{}, false, nil
	}

	src := []byte(code)
	tree, err := parse(ctx, src)
	if err != nil {
		return Span{}, false, err
	}
	defer tree.Close()

	var found *sitter.Node
	var walk func(n *sitter.Node) bool
	walk = func(n *sitter.Node) bool {
		if n.Type() == "function_definition" {
			if id := n.ChildByFieldName("name"); id != nil && id.Content(src) == name {
				found = n
				return true
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if walk(n.NamedChild(i)) {
				return true
			}
		}
		return false
	}
	if !walk(tree.RootNode()) {
		return Span{}, false, nil
	}

	start := int(found.StartPoint().Row) + 1
	end := int(found.EndPoint().Row) + 1
	// A node that ends at column 0 stops at the start of the next line.
	if found.EndPoint().Column == 0 && end > start {
		end--
	}
	lines := strings.Split(code, "\n")
	if end > len(lines) {
		end = len(lines)
	}
	return Span{
		StartLine: start,
		EndLine:   end,
		Text:      strings.Join(lines[start-1:end], "\n"),
	}, true, nil
}
