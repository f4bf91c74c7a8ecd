// internal/pycall/pycall.go
package pycall

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Call is one call expression whose callee is a bare identifier.
type Call struct {
	Name   string
	Args   []any
	Kwargs map[string]any
	// Literal is false when any argument is not a Python literal.
	Literal bool
	// Start and End are byte offsets of the call in the source.
	Start, End int
	Text       string
}

// Arg returns the argument at position pos, or the keyword argument name.
func (c Call) Arg(pos int, name string) (any, bool) {
	if v, ok := c.Kwargs[name]; ok {
		return v, true
	}
	if pos >= 0 && pos < len(c.Args) {
		return c.Args[pos], true
	}
	return nil, false
}

// String returns the argument as a string.
func (c Call) String(pos int, name string) (string, bool) {
	v, ok := c.Arg(pos, name)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// Int returns the argument as an integer. Floats are truncated.
func (c Call) Int(pos int, name string) (int, bool) {
	v, ok := c.Arg(pos, name)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

// Float returns the argument as a float.
func (c Call) Float(pos int, name string) (float64, bool) {
	v, ok := c.Arg(pos, name)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns the argument as a bool.
func (c Call) Bool(pos int, name string) (bool, bool) {
	v, ok := c.Arg(pos, name)
	if !ok {
		return false, false
	}
	b, isBool := v.(bool)
	return b, isBool
}

// Statement is one top-level statement of a cell. Call is set when the
// statement is a bare call to an identifier.
type Statement struct {
	Start, End int
	Call       *Call
}

// Program is the result of parsing a code cell.
type Program struct {
	Calls      []Call
	Statements []Statement
	// Pure is true when the cell consists only of top-level literal calls
	// (and comments). Such a cell can be dispatched without a kernel.
	Pure bool
	// HasErrors reports tree-sitter syntax errors.
	HasErrors bool
}

func parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse python source: %w", err)
	}
	return tree, nil
}

// Parse reads a code cell and returns its top-level calls.
func Parse(ctx context.Context, code string) (*Program, error) {
	src := []byte(code)
	tree, err := parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	prog := &Program{Pure: true, HasErrors: root.HasError()}
	if prog.HasErrors {
		prog.Pure = false
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		switch stmt.Type() {
		case "comment":
			continue
		case "expression_statement":
			if stmt.NamedChildCount() == 1 && stmt.NamedChild(0).Type() == "call" {
				if call, ok := readCall(stmt.NamedChild(0), src); ok {
					prog.Calls = append(prog.Calls, call)
					prog.Statements = append(prog.Statements, Statement{Start: int(stmt.StartByte()), End: int(stmt.EndByte()), Call: &call})
					if !call.Literal {
						prog.Pure = false
					}
					continue
				}
			}
		}
		prog.Statements = append(prog.Statements, Statement{Start: int(stmt.StartByte()), End: int(stmt.EndByte())})
		prog.Pure = false
	}
	if len(prog.Calls) == 0 {
		prog.Pure = false
	}
	return prog, nil
}

// FindCalls walks the whole cell and returns every call to one of names, at
// any depth, in source order.
func FindCalls(ctx context.Context, code string, names ...string) ([]Call, error) {
	src := []byte(code)
	tree, err := parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []Call
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "call" {
			fn := n.ChildByFieldName("function")
			if fn != nil && fn.Type() == "identifier" && want[fn.Content(src)] {
				if call, ok := readCall(n, src); ok {
					out = append(out, call)
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())
	return out, nil
}

func readCall(n *sitter.Node, src []byte) (Call, bool) {
	fn := n.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" {
		return Call{}, false
	}
	call := Call{
		Name:    fn.Content(src),
		Kwargs:  map[string]any{},
		Literal: true,
		Start:   int(n.StartByte()),
		End:     int(n.EndByte()),
		Text:    n.Content(src),
	}
	args := n.ChildByFieldName("arguments")
	if args == nil || args.Type() != "argument_list" {
		call.Literal = false
		return call, true
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		switch a.Type() {
		case "comment":
			continue
		case "keyword_argument":
			name := a.ChildByFieldName("name")
			value := a.ChildByFieldName("value")
			if name == nil || value == nil {
				call.Literal = false
				continue
			}
			v, ok := literal(value, src)
			if !ok {
				call.Literal = false
			}
			call.Kwargs[name.Content(src)] = v
		default:
			v, ok := literal(a, src)
			if !ok {
				call.Literal = false
			}
			call.Args = append(call.Args, v)
		}
	}
	return call, true
}

// literal evaluates the Python literals used as primitive arguments.
func literal(n *sitter.Node, src []byte) (any, bool) {
	text := n.Content(src)
	switch n.Type() {
	case "string":
		return Unquote(text)
	case "concatenated_string":
		var b strings.Builder
		for i := 0; i < int(n.NamedChildCount()); i++ {
			part := n.NamedChild(i)
			if part.Type() != "string" {
				continue
			}
			s, ok := Unquote(part.Content(src))
			if !ok {
				return nil, false
			}
			b.WriteString(s)
		}
		return b.String(), true
	case "integer":
		v, err := strconv.ParseInt(strings.ReplaceAll(text, "_", ""), 0, 64)
		return v, err == nil
	case "float":
		v, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
		return v, err == nil
	case "true":
		return true, true
	case "false":
		return false, true
	case "none":
		return nil, true
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return literal(n.NamedChild(0), src)
		}
	case "unary_operator":
		arg := n.ChildByFieldName("argument")
		if arg == nil {
			return nil, false
		}
		v, ok := literal(arg, src)
		if !ok {
			return nil, false
		}
		neg := strings.HasPrefix(strings.TrimSpace(text), "-")
		switch t := v.(type) {
		case int64:
			if neg {
				return -t, true
			}
			return t, true
		case float64:
			if neg {
				return -t, true
			}
			return t, true
		}
	case "tuple", "list":
		var out []any
		for i := 0; i < int(n.NamedChildCount()); i++ {
			v, ok := literal(n.NamedChild(i), src)
			if !ok {
				return nil, false
			}
			out = append(out, v)
		}
		return out, true
	}
	return text, false
}

// Unquote decodes a Python string literal, including prefixes and triple
// quotes. Formatted strings are rejected.
func Unquote(lit string) (string, bool) {
	i := 0
	raw := false
	for i < len(lit) && strings.ContainsRune("rRbBuUfF", rune(lit[i])) {
		switch lit[i] {
		case 'r', 'R':
			raw = true
		case 'f', 'F':
			return "", false
		}
		i++
	}
	body := lit[i:]
	var quote string
	switch {
	case strings.HasPrefix(body, `"""`), strings.HasPrefix(body, `'''`):
		quote = body[:3]
	case strings.HasPrefix(body, `"`), strings.HasPrefix(body, `'`):
		quote = body[:1]
	default:
		return "", false
	}
	if len(body) < 2*len(quote) || !strings.HasSuffix(body, quote) {
		return "", false
	}
	body = body[len(quote) : len(body)-len(quote)]
	if raw {
		return body, true
	}
	return unescape(body), true
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
			// line continuation
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'x', 'u', 'U':
			width := 2
			if e == 'u' {
				width = 4
			} else if e == 'U' {
				width = 8
			}
			if i+1+width <= len(s) {
				if r, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32); err == nil {
					b.WriteRune(rune(r))
					i += width
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(e)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			r, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(r))
			i = j - 1
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String()
}

// Quote renders s as a Python string literal.
func Quote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
