// internal/browser/snapshot.go
package browser

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/infant/internal/tools"
)

//go:embed dom.js
var domScript string

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const removeHighlightsScript = `(function () {
  const c = document.getElementById('infant-highlight-container');
  if (c) c.remove();
  return true;
})()`

// Element is one numbered interactive element of a page.
type Element struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes"`
	Text       string            `json:"text"`
	XPath      string            `json:"xpath"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	InViewport bool              `json:"inViewport"`
	Top        bool              `json:"top"`
}

// openTag renders the element as an opening HTML tag with sorted attributes.
func (e Element) openTag() string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("<" + e.Tag)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, e.Attributes[k])
	}
	b.WriteString(">")
	return b.String()
}

// Snapshot describes the numbered elements of the active page.
type Snapshot struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	ScrollY        float64   `json:"scrollY"`
	ViewportHeight float64   `json:"viewportHeight"`
	PageHeight     float64   `json:"pageHeight"`
	Elements       []Element `json:"elements"`
}

func decodeSnapshot(raw string) (*Snapshot, error) {
	var snap Snapshot
	if err := json.UnmarshalFromString(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode DOM snapshot: %w", err)
	}
	return &snap, nil
}

// PixelsAbove is how far the page is scrolled down.
func (s *Snapshot) PixelsAbove() int {
	return int(math.Max(0, s.ScrollY))
}

// PixelsBelow is how much of the page lies under the viewport.
func (s *Snapshot) PixelsBelow() int {
	return int(math.Max(0, s.PageHeight-s.ScrollY-s.ViewportHeight))
}

// ElementTree renders each element with its text, one per line.
func (s *Snapshot) ElementTree() string {
	lines := make([]string, 0, len(s.Elements))
	for _, e := range s.Elements {
		lines = append(lines, fmt.Sprintf("[%d]%s%s</%s>", e.Index, e.openTag(), e.Text, e.Tag))
	}
	return strings.Join(lines, "\n")
}

// SelectorMap renders each element's tag and flags, ordered by index.
func (s *Snapshot) SelectorMap() string {
	elems := append([]Element(nil), s.Elements...)
	sort.Slice(elems, func(i, j int) bool { return elems[i].Index < elems[j].Index })
	lines := make([]string, 0, len(elems))
	for _, e := range elems {
		flags := []string{"interactive"}
		if e.Top {
			flags = append(flags, "top")
		}
		flags = append(flags, fmt.Sprintf("highlight:%d", e.Index))
		if e.InViewport {
			flags = append(flags, "in-viewport")
		}
		lines = append(lines, fmt.Sprintf("%d: %s [%s]", e.Index, e.openTag(), strings.Join(flags, ", ")))
	}
	return strings.Join(lines, "\n")
}

// State converts the snapshot into the grounding prompt's page description.
func (s *Snapshot) State(tabs string) tools.DOMState {
	return tools.DOMState{
		Tabs:        tabs,
		URL:         s.URL,
		Title:       s.Title,
		ElementTree: s.ElementTree(),
		PixelsAbove: s.PixelsAbove(),
		PixelsBelow: s.PixelsBelow(),
		SelectorMap: s.SelectorMap(),
	}
}

func evalOpts(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
}

// annotate numbers the interactive elements of t's page, drawing the
// numbered boxes when highlight is set.
func (s *Session) annotate(ctx context.Context, t *tab, highlight bool) (*Snapshot, error) {
	var raw string
	script := fmt.Sprintf("%s(%t)", domScript, highlight)
	if err := s.run(ctx, t, chromedp.Evaluate(script, &raw, evalOpts)); err != nil {
		return nil, fmt.Errorf("failed to snapshot DOM: %w", err)
	}
	return decodeSnapshot(raw)
}

// Snapshot numbers and highlights the active page's interactive elements and
// returns the page description with a screenshot showing the numbers. Call
// RemoveHighlights afterwards.
func (s *Session) Snapshot(ctx context.Context) (tools.DOMState, []byte, error) {
	t, err := s.current()
	if err != nil {
		return tools.DOMState{}, nil, err
	}
	snap, err := s.annotate(ctx, t, true)
	if err != nil {
		return tools.DOMState{}, nil, err
	}
	var png []byte
	if err := s.run(ctx, t, chromedp.CaptureScreenshot(&png)); err != nil {
		return tools.DOMState{}, nil, fmt.Errorf("failed to capture highlighted page: %w", err)
	}
	return snap.State(s.tabInfo(ctx)), png, nil
}

// RemoveHighlights clears the numbered boxes. Element numbers stay valid.
func (s *Session) RemoveHighlights(ctx context.Context) error {
	t, err := s.current()
	if err != nil {
		return err
	}
	var ok bool
	return s.run(ctx, t, chromedp.Evaluate(removeHighlightsScript, &ok, evalOpts))
}
