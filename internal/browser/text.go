// internal/browser/text.go
package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/chromedp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skipText = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Head: true,
	atom.Template: true, atom.Svg: true, atom.Iframe: true,
}

var blockTags = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Table: true, atom.Ul: true, atom.Ol: true, atom.Form: true, atom.Pre: true,
	atom.Blockquote: true, atom.Nav: true, atom.Main: true, atom.Aside: true,
}

// extractText returns the visible text of an HTML document, one block per
// line with whitespace collapsed.
func extractText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteString(" ")
			return
		case html.ElementNode:
			if skipText[n.DataAtom] {
				return
			}
			if blockTags[n.DataAtom] {
				flush()
				defer flush()
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	flush()
	return strings.Join(lines, "\n"), nil
}

// PageText returns the readable text of the active page.
func (s *Session) PageText(ctx context.Context) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	var doc string
	if err := s.run(ctx, t, chromedp.OuterHTML("html", &doc, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page: %w", err)
	}
	return extractText(doc)
}

type axNode struct {
	id       string
	role     string
	name     string
	ignored  bool
	children []string
}

func axValue(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		return string(v.Value)
	}
	return s
}

func fromCDP(nodes []*accessibility.Node) []axNode {
	out := make([]axNode, 0, len(nodes))
	for _, n := range nodes {
		a := axNode{id: string(n.NodeID), role: axValue(n.Role), name: axValue(n.Name), ignored: n.Ignored}
		for _, c := range n.ChildIDs {
			a.children = append(a.children, string(c))
		}
		out = append(out, a)
	}
	return out
}

// formatAXTree renders the tree rooted at the first node, two spaces of
// indent per level. Ignored nodes are skipped but their children are kept.
func formatAXTree(nodes []axNode) string {
	if len(nodes) == 0 {
		return ""
	}
	byID := make(map[string]axNode, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}
	var b strings.Builder
	seen := make(map[string]bool)
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		n, ok := byID[id]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		next := depth
		if !n.ignored {
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(n.role)
			if n.name != "" {
				fmt.Fprintf(&b, " %q", n.name)
			}
			b.WriteString("\n")
			next++
		}
		for _, c := range n.children {
			walk(c, next)
		}
	}
	walk(nodes[0].id, 0)
	return strings.TrimRight(b.String(), "\n")
}

// AccessibilityTree returns the full accessibility tree of the active page.
func (s *Session) AccessibilityTree(ctx context.Context) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	var nodes []*accessibility.Node
	err = s.run(ctx, t, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		nodes, err = accessibility.GetFullAXTree().Do(c)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("failed to read accessibility tree: %w", err)
	}
	return formatAXTree(fromCDP(nodes)), nil
}
