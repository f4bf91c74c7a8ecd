// internal/browser/interaction.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
)

const locateScript = `(function (index) {
  const el = document.querySelector('[data-infant-index="' + index + '"]');
  if (!el) return JSON.stringify({missing: true});
  el.scrollIntoView({block: 'center', inline: 'center'});
  const r = el.getBoundingClientRect();
  return JSON.stringify({
    x: r.left + r.width / 2,
    y: r.top + r.height / 2,
    tag: el.tagName.toLowerCase(),
    text: String(el.innerText || el.value || '').trim().replace(/\s+/g, ' ').slice(0, 50),
  });
})(%d)`

const selectScript = `(function (index, option) {
  const el = document.querySelector('[data-infant-index="' + index + '"]');
  if (!el) return JSON.stringify({missing: true});
  const tag = el.tagName.toLowerCase();
  if (tag !== 'select') return JSON.stringify({error: 'Element ' + index + ' is a <' + tag + '>, not a dropdown'});
  if (option < 0 || option >= el.options.length) {
    return JSON.stringify({error: 'Option ' + option + ' is out of range; dropdown ' + index + ' has ' + el.options.length + ' options'});
  }
  el.selectedIndex = option;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  const o = el.options[option];
  return JSON.stringify({tag: tag, text: o.text.trim(), value: o.value});
})(%d, %d)`

const dropdownScript = `(function () {
  const out = [];
  document.querySelectorAll('select[data-infant-index]').forEach(el => {
    out.push({
      index: Number(el.getAttribute('data-infant-index')),
      options: Array.from(el.options).map(o => o.text.trim()),
    });
  });
  return JSON.stringify(out);
})()`

const jsWrapper = `(async () => {
  const __result = await (0, eval)(%s);
  if (__result === undefined) return "undefined";
  try { return JSON.stringify(__result) ?? String(__result); } catch (e) { return String(__result); }
})()`

type elementResult struct {
	Missing bool    `json:"missing"`
	Error   string  `json:"error"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Tag     string  `json:"tag"`
	Text    string  `json:"text"`
	Value   string  `json:"value"`
}

// element runs an element script for index. If the page has not been
// numbered yet it is numbered and the script runs once more.
func (s *Session) element(ctx context.Context, t *tab, script string, index int) (*elementResult, error) {
	for attempt := 0; ; attempt++ {
		var raw string
		if err := s.run(ctx, t, chromedp.Evaluate(script, &raw, evalOpts)); err != nil {
			return nil, err
		}
		var res elementResult
		if err := json.UnmarshalFromString(raw, &res); err != nil {
			return nil, fmt.Errorf("failed to decode element result: %w", err)
		}
		if !res.Missing {
			if res.Error != "" {
				return nil, errors.New(res.Error)
			}
			return &res, nil
		}
		if attempt > 0 {
			return nil, fmt.Errorf("element with index %d does not exist; retry or use alternative actions", index)
		}
		if _, err := s.annotate(ctx, t, false); err != nil {
			return nil, err
		}
	}
}

func clickAction(kind computer.ClickKind, x, y float64) (chromedp.Action, string) {
	switch kind {
	case computer.ClickDouble:
		return chromedp.MouseClickXY(x, y, chromedp.ClickCount(2)), "Double-clicked"
	case computer.ClickRight:
		return chromedp.MouseClickXY(x, y, chromedp.ButtonRight), "Right-clicked"
	case computer.ClickMove:
		return chromedp.MouseEvent(input.MouseMoved, x, y), "Moved to"
	default:
		return chromedp.MouseClickXY(x, y), "Clicked"
	}
}

// ClickElement clicks the center of the element numbered index.
func (s *Session) ClickElement(ctx context.Context, index int, kind computer.ClickKind) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	el, err := s.element(ctx, t, fmt.Sprintf(locateScript, index), index)
	if err != nil {
		return "", err
	}
	action, verb := clickAction(kind, el.X, el.Y)
	if err := s.run(ctx, t, action); err != nil {
		return "", fmt.Errorf("click on element %d failed: %w", index, err)
	}
	s.logger.Debug("Clicked element.", zap.Int("index", index), zap.String("kind", string(kind)), zap.String("tag", el.Tag))
	return s.observe(ctx, t, fmt.Sprintf("%s element with index %d: <%s> %s", verb, index, el.Tag, el.Text))
}

// SelectDropdownOption picks the option-th entry of the dropdown numbered index.
func (s *Session) SelectDropdownOption(ctx context.Context, index, option int) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	el, err := s.element(ctx, t, fmt.Sprintf(selectScript, index, option), index)
	if err != nil {
		return "", err
	}
	return s.observe(ctx, t, fmt.Sprintf("Selected option %q with value %q in dropdown %d", el.Text, el.Value, index))
}

type dropdown struct {
	Index   int      `json:"index"`
	Options []string `json:"options"`
}

func formatDropdowns(ds []dropdown) string {
	blocks := make([]string, 0, len(ds))
	for _, d := range ds {
		if len(d.Options) == 0 {
			continue
		}
		lines := []string{fmt.Sprintf("Selector index %d dropdown options:", d.Index)}
		for i, o := range d.Options {
			lines = append(lines, fmt.Sprintf("%d: text=%q", i, o))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

// DetectDropdowns numbers the active page and lists the options of every
// dropdown on it. It returns "" when the page has none.
func (s *Session) DetectDropdowns(ctx context.Context) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	if _, err := s.annotate(ctx, t, false); err != nil {
		return "", err
	}
	var raw string
	if err := s.run(ctx, t, chromedp.Evaluate(dropdownScript, &raw, evalOpts)); err != nil {
		return "", fmt.Errorf("failed to list dropdowns: %w", err)
	}
	var ds []dropdown
	if err := json.UnmarshalFromString(raw, &ds); err != nil {
		return "", fmt.Errorf("failed to decode dropdowns: %w", err)
	}
	return formatDropdowns(ds), nil
}

// ExecuteJS evaluates script in the active page, awaiting a returned
// promise, and reports the JSON encoded result.
func (s *Session) ExecuteJS(ctx context.Context, script string) (string, error) {
	t, err := s.current()
	if err != nil {
		return "", err
	}
	literal, err := json.MarshalToString(script)
	if err != nil {
		return "", err
	}
	var result string
	if err := s.run(ctx, t, chromedp.Evaluate(fmt.Sprintf(jsWrapper, literal), &result, evalOpts)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("javascript failed: %w", err)
	}
	return s.observe(ctx, t, "JavaScript executed. Result: "+result)
}
