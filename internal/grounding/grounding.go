// internal/grounding/grounding.go
package grounding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/config"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/llmutil"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/pycall"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/tools"
)

// ErrGroundingFailure is returned when no strategy found the target. The
// code has been rewritten to a no-op move by then.
var ErrGroundingFailure = errors.New("grounding failed")

// Strategy names the way a target was resolved.
type Strategy string

const (
	StrategyNone   Strategy = "none"
	StrategyDOM    Strategy = "dom"
	StrategyJS     Strategy = "js"
	StrategyVisual Strategy = "visual"
)

const (
	tracebackMarker = "Traceback (most recent call last)"
	noopMove        = "mouse_move_rel(dx=0, dy=0)"
	screenshotCall  = "take_screenshot()"
)

var actionVerbs = map[computer.ClickKind]string{
	computer.ClickLeft:   "left click",
	computer.ClickDouble: "double click",
	computer.ClickRight:  "right click",
	computer.ClickMove:   "mouse move",
}

// Executor runs code cells on the computer.
type Executor interface {
	RunIPython(ctx context.Context, m *memory.IPythonRun) (string, error)
	FileSystem() computer.FileSystem
}

// Page is the browser view used for element grounding.
type Page interface {
	Active() bool
	Snapshot(ctx context.Context) (tools.DOMState, []byte, error)
	RemoveHighlights(ctx context.Context) error
}

// Outcome reports how a mouse call was resolved.
type Outcome struct {
	Strategy Strategy
	// Executed is true when grounding already ran the action and stored
	// its result on the memory.
	Executed bool
	// Point is set when the call was rewritten to coordinates.
	Point *memory.LocalizationFinish
}

// Localizer turns described mouse targets into something the computer can
// act on: an element click in the browser, a script, or a screen point.
type Localizer struct {
	cfg      config.GroundingConfig
	exec     Executor
	page     Page
	reasoner llmclient.Gateway
	pointer  llmclient.Gateway
	logger   *zap.Logger
}

// New returns a Localizer. reasoner answers the element questions and
// pointer the coordinate questions. page may be nil.
func New(cfg config.GroundingConfig, exec Executor, page Page, reasoner, pointer llmclient.Gateway, logger *zap.Logger) *Localizer {
	if cfg.CropHalfWidth <= 0 {
		cfg.CropHalfWidth = 1400
	}
	if cfg.CropHalfHeight <= 0 {
		cfg.CropHalfHeight = 500
	}
	return &Localizer{
		cfg:      cfg,
		exec:     exec,
		page:     page,
		reasoner: reasoner,
		pointer:  pointer,
		logger:   logger.Named("grounding"),
	}
}

// Localize resolves the first described mouse call in run. Element and
// script strategies execute the action and commit the result. The visual
// strategy only rewrites run.Code and leaves execution to the caller.
func (l *Localizer) Localize(ctx context.Context, run *memory.IPythonRun) (Outcome, error) {
	targets, err := FindTargets(ctx, run.Code)
	if err != nil {
		return Outcome{}, err
	}
	if len(targets) == 0 {
		return Outcome{Strategy: StrategyNone}, nil
	}
	target := targets[0]
	log := l.logger.With(zap.String("item", target.Item), zap.String("action", target.Call.Name))
	if len(targets) > 1 {
		log.Warn("Only the first described mouse call is grounded; the rest run as written.", zap.Int("described_calls", len(targets)))
	}
	log.Info("Grounding mouse target.")

	if l.browserUsable(target) {
		code, out, strategy, err := l.viaBrowser(ctx, run.Code, target, log)
		if err == nil {
			run.Code = code
			if err := computer.Commit(run, out); err != nil {
				return Outcome{}, err
			}
			log.Info("Grounded in the browser.", zap.String("strategy", string(strategy)))
			return Outcome{Strategy: strategy, Executed: true}, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Info("Browser grounding failed, trying the screen.", zap.Error(err))
	}

	x, y, err := l.point(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		log.Warn("Could not find the target on screen.", zap.Error(err))
		run.Code = substitute(run.Code, target, noopMove)
		return Outcome{Strategy: StrategyVisual}, fmt.Errorf("%w: %s: %v", ErrGroundingFailure, target.Item, err)
	}
	run.Code = substitute(run.Code, target, fmt.Sprintf("%s(x=%d, y=%d)", target.Call.Name, x, y))
	log.Info("Grounded on screen.", zap.Int("x", x), zap.Int("y", y))
	return Outcome{
		Strategy: StrategyVisual,
		Point: &memory.LocalizationFinish{
			Envelope:     memory.Envelope{Source: memory.SourceAssistant},
			Thought:      target.Item,
			Coordination: fmt.Sprintf("(%d, %d)", x, y),
		},
	}, nil
}

func (l *Localizer) browserUsable(t Target) bool {
	if !l.cfg.EnableDOM || l.page == nil || l.reasoner == nil {
		return false
	}
	if _, ok := elementNodes[t.Kind]; !ok {
		return false
	}
	return l.page.Active()
}

// viaBrowser asks for the element index first and for a script second.
// Only the target call is replaced; the rest of the cell runs with it. A cell
// with other statements runs at most once, so its first outcome is kept even
// when it reports an error.
func (l *Localizer) viaBrowser(ctx context.Context, code string, t Target, log *zap.Logger) (string, string, Strategy, error) {
	state, shot, err := l.page.Snapshot(ctx)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to snapshot page: %w", err)
	}
	if err := l.page.RemoveHighlights(ctx); err != nil {
		log.Debug("Could not remove highlights.", zap.Error(err))
	}
	alone := strings.TrimSpace(substitute(code, t, "")) == ""

	index, err := l.askIndex(ctx, t, state, shot)
	if err != nil {
		return "", "", "", err
	}
	if index >= 0 {
		ran := rewriteCell(code, t, fmt.Sprintf("%s(element_index=%d)", elementNodes[t.Kind], index))
		out, err := l.try(ctx, ran)
		if err == nil || (!alone && out != "") {
			return ran, out, StrategyDOM, nil
		}
		if ctx.Err() != nil {
			return "", "", "", ctx.Err()
		}
		log.Info("Element click failed.", zap.Int("index", index), zap.Error(err))
	}

	if !l.cfg.EnableJS {
		return "", "", "", errors.New("no clickable element found")
	}
	script, err := l.askScript(ctx, t, state)
	if err != nil {
		return "", "", "", err
	}
	ran := rewriteCell(code, t, fmt.Sprintf("execute_javascript(%s)", pycall.Quote("(function() {\n"+script+"\n})();")))
	out, err := l.try(ctx, ran)
	if err != nil && (alone || out == "") {
		return "", "", "", fmt.Errorf("script failed: %w", err)
	}
	return ran, out, StrategyJS, nil
}

// rewriteCell swaps the target call for call and ends the cell with a
// screenshot.
func rewriteCell(code string, t Target, call string) string {
	return strings.TrimRight(substitute(code, t, call), "\n") + "\n" + screenshotCall
}

// askIndex returns -1 when the model names no element.
func (l *Localizer) askIndex(ctx context.Context, t Target, state tools.DOMState, shot []byte) (int, error) {
	user := tools.GroundingDOMUser(t.Item, t.Description, state)
	var userMsg llmclient.Message
	if len(shot) > 0 {
		userMsg = llmclient.ImageMessage(llmclient.RoleUser, user, retrieval.DataURL("image/png", shot))
	} else {
		userMsg = llmclient.TextMessage(llmclient.RoleUser, user)
	}
	msgs := []llmclient.Message{
		llmclient.TextMessage(llmclient.RoleSystem, tools.GroundingDOMSystem(t.Item, t.Description)),
		userMsg,
	}
	resp, err := l.reasoner.Completion(ctx, msgs, []string{"</index>"})
	if err != nil {
		return -1, fmt.Errorf("element index request failed: %w", err)
	}
	index, ok := llmutil.ExtractIndex(resp.Text)
	if !ok || index < 0 {
		return -1, nil
	}
	return index, nil
}

func (l *Localizer) askScript(ctx context.Context, t Target, state tools.DOMState) (string, error) {
	msgs := []llmclient.Message{
		llmclient.TextMessage(llmclient.RoleUser, tools.GroundingJS(actionVerbs[t.Kind], t.Item, t.Description, state)),
	}
	resp, err := l.reasoner.Completion(ctx, msgs, []string{"</execute_js>"})
	if err != nil {
		return "", fmt.Errorf("script request failed: %w", err)
	}
	script, ok := llmutil.ExtractTag(llmutil.AutoClose(resp.Text, []string{"execute_js"}), "execute_js")
	script = llmutil.CleanCodeOutput(script)
	if !ok || script == "" {
		return "", errors.New("model returned no script")
	}
	return script, nil
}

// try runs code and treats a traceback or a nonzero exit as failure. The
// output is returned with those failures.
func (l *Localizer) try(ctx context.Context, code string) (string, error) {
	out, err := l.exec.RunIPython(ctx, &memory.IPythonRun{Code: code})
	if err != nil {
		return "", err
	}
	if strings.Contains(out, tracebackMarker) {
		return out, fmt.Errorf("raised: %s", llmutil.TruncateString(computer.StripExitCode(out), 200))
	}
	if exit, ok := computer.ExitCode(out); ok && exit != 0 {
		return out, fmt.Errorf("exited with %d: %s", exit, llmutil.TruncateString(computer.StripExitCode(out), 200))
	}
	return out, nil
}
