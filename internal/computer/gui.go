// internal/computer/gui.go
package computer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/infant/internal/humanoid"
)

const (
	settleDelay     = time.Second
	dragStepDelay   = 10 * time.Millisecond
	screenshotDir   = "screenshots"
	clickRetryHint  = "Please provide a more detailed description of where you want to %s."
	typeDelayMillis = 30
)

// ClickKind selects the mouse action of a click primitive.
type ClickKind string

const (
	ClickLeft   ClickKind = "left"
	ClickDouble ClickKind = "double"
	ClickRight  ClickKind = "right"
	ClickMove   ClickKind = "move"
)

func (k ClickKind) verb() string {
	switch k {
	case ClickDouble:
		return "double-click"
	case ClickRight:
		return "right-click"
	case ClickMove:
		return "move the mouse"
	default:
		return "click"
	}
}

// shellQuote quotes s for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// execFunc runs one shell command in the container.
type execFunc func(ctx context.Context, cmd string) (int, string, error)

// Desktop drives the X display through xdotool and records screenshots in
// the shared workspace.
type Desktop struct {
	run     execFunc
	fs      FileSystem
	display string
	settle  time.Duration
	now     func() time.Time
}

func newDesktop(run execFunc, fsys FileSystem, display string) *Desktop {
	return &Desktop{run: run, fs: fsys, display: display, settle: settleDelay, now: time.Now}
}

func (d *Desktop) xdotool(ctx context.Context, args string) error {
	cmd := "xdotool " + args
	if d.display != "" {
		cmd = "DISPLAY=" + d.display + " " + cmd
	}
	code, out, err := d.run(ctx, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("xdotool %s exited with %d: %s", args, code, out)
	}
	return nil
}

// screenshotName returns a fresh container path under the screenshot dir.
func (d *Desktop) screenshotName() string {
	name := fmt.Sprintf("%d-%s.png", d.now().Unix(), uuid.NewString()[:8])
	return path.Join(d.fs.Workspace, screenshotDir, name)
}

// SaveScreenshot stores png in the workspace and returns its marker line.
func (d *Desktop) SaveScreenshot(png []byte) (string, error) {
	containerPath := d.screenshotName()
	host, err := d.fs.HostPath(containerPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	if err := os.WriteFile(host, png, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return ScreenshotLine(containerPath), nil
}

// TakeScreenshot captures the whole display.
func (d *Desktop) TakeScreenshot(ctx context.Context) (string, error) {
	if err := sleepCtx(ctx, d.settle); err != nil {
		return "", err
	}
	containerPath := d.screenshotName()
	script := fmt.Sprintf("import os; from PIL import ImageGrab; os.makedirs(%s, exist_ok=True); ImageGrab.grab().save(%s)",
		pyQuote(path.Dir(containerPath)), pyQuote(containerPath))
	cmd := "python3 -c " + shellQuote(script)
	if d.display != "" {
		cmd = "DISPLAY=" + d.display + " " + cmd
	}
	code, out, err := d.run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("screenshot failed: %s", out)
	}
	return ScreenshotLine(containerPath), nil
}

func pyQuote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// Click performs kind at (x, y). (-1, -1) means grounding found nothing.
func (d *Desktop) Click(ctx context.Context, kind ClickKind, x, y int) (string, error) {
	if x == -1 || y == -1 {
		return fmt.Sprintf(clickRetryHint, kind.verb()), nil
	}
	args := fmt.Sprintf("mousemove %d %d", x, y)
	switch kind {
	case ClickLeft:
		args += " click 1"
	case ClickDouble:
		args += " click --repeat 2 1"
	case ClickRight:
		args += " click 3"
	}
	if err := d.xdotool(ctx, args); err != nil {
		return "", err
	}
	return d.TakeScreenshot(ctx)
}

// MoveRelative nudges the pointer by (dx, dy).
func (d *Desktop) MoveRelative(ctx context.Context, dx, dy int) (string, error) {
	if err := d.xdotool(ctx, fmt.Sprintf("mousemove_relative -- %d %d", dx, dy)); err != nil {
		return "", err
	}
	return d.TakeScreenshot(ctx)
}

// Scroll scrolls the wheel amount steps up or down.
func (d *Desktop) Scroll(ctx context.Context, direction string, amount int) (string, error) {
	button := 5
	if strings.EqualFold(direction, "up") {
		button = 4
	}
	if amount < 1 {
		amount = 1
	}
	if err := d.xdotool(ctx, fmt.Sprintf("click --repeat %d --delay 200 %d", amount, button)); err != nil {
		return "", err
	}
	return d.TakeScreenshot(ctx)
}

// Drag presses the left button at the start point and releases it at the
// end point, moving along an eased path in between.
func (d *Desktop) Drag(ctx context.Context, x0, y0, x1, y1 int) (string, error) {
	start, end := humanoid.Point{X: x0, Y: y0}, humanoid.Point{X: x1, Y: y1}
	if err := d.xdotool(ctx, fmt.Sprintf("mousemove %d %d mousedown 1", x0, y0)); err != nil {
		return "", err
	}
	var moves []string
	for _, p := range humanoid.DragPath(start, end) {
		moves = append(moves, fmt.Sprintf("mousemove %d %d sleep %.3f", p.X, p.Y, dragStepDelay.Seconds()))
	}
	moves = append(moves, "mouseup 1")
	if err := d.xdotool(ctx, strings.Join(moves, " ")); err != nil {
		_ = d.xdotool(context.Background(), "mouseup 1")
		return "", err
	}
	return d.TakeScreenshot(ctx)
}

// TypeText types text into the focused window.
func (d *Desktop) TypeText(ctx context.Context, text string) (string, error) {
	if err := d.xdotool(ctx, fmt.Sprintf("type --delay %d -- %s", typeDelayMillis, shellQuote(text))); err != nil {
		return "", err
	}
	return d.TakeScreenshot(ctx)
}

// PressKey sends a key or a "+" separated combination such as "ctrl+s".
func (d *Desktop) PressKey(ctx context.Context, key string) (string, error) {
	if err := d.xdotool(ctx, "key -- "+shellQuote(normalizeKey(key))); err != nil {
		return "", err
	}
	return d.TakeScreenshot(ctx)
}

var keyAliases = map[string]string{
	"enter": "Return", "return": "Return", "esc": "Escape", "escape": "Escape",
	"tab": "Tab", "backspace": "BackSpace", "delete": "Delete", "space": "space",
	"up": "Up", "down": "Down", "left": "Left", "right": "Right",
	"pageup": "Page_Up", "pagedown": "Page_Down", "home": "Home", "end": "End",
	"win": "super", "cmd": "super", "control": "ctrl",
}

func normalizeKey(key string) string {
	parts := strings.Split(strings.TrimSpace(key), "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if alias, ok := keyAliases[strings.ToLower(p)]; ok {
			p = alias
		}
		parts[i] = p
	}
	return strings.Join(parts, "+")
}

// OpenApplication launches an application through the desktop launcher.
func (d *Desktop) OpenApplication(ctx context.Context, app string) (string, error) {
	steps := []string{"key super", "type --delay 50 -- " + shellQuote(app), "key Return"}
	for _, s := range steps {
		if err := d.xdotool(ctx, s); err != nil {
			return "", err
		}
		if err := sleepCtx(ctx, d.settle); err != nil {
			return "", err
		}
	}
	return d.TakeScreenshot(ctx)
}
