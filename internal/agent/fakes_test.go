// internal/agent/fakes_test.go
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/config"
	"github.com/xkilldash9x/infant/internal/grounding"
	"github.com/xkilldash9x/infant/internal/helpers"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/store"
	"github.com/xkilldash9x/infant/internal/workspace"
)

type reply struct {
	text  string
	extra []llmclient.Message
}

// scripted answers each call with the next reply and records the prompts.
type scripted struct {
	mu      sync.Mutex
	replies []reply
	calls   [][]llmclient.Message
	stops   [][]string
}

func script(texts ...string) *scripted {
	s := &scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, reply{text: t})
	}
	return s
}

func (s *scripted) Completion(_ context.Context, msgs []llmclient.Message, stop []string) (llmclient.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	s.stops = append(s.stops, stop)
	if len(s.replies) == 0 {
		return llmclient.Completion{}, errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return llmclient.Completion{
		Text:  r.text,
		Extra: r.extra,
		Usage: llmclient.Usage{PromptTokens: 1, CompletionTokens: 1},
	}, nil
}

func (s *scripted) call(i int) []llmclient.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func (s *scripted) numCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func lastText(msgs []llmclient.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text()
}

func promptContains(msgs []llmclient.Message, s string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Text(), s) {
			return true
		}
	}
	return false
}

// fakeComputer keeps a tiny workspace in memory.
type fakeComputer struct {
	mu       sync.Mutex
	files    map[string]string
	cells    []string
	commands []string
	outputs  map[string]string
}

func newFakeComputer() *fakeComputer {
	return &fakeComputer{files: map[string]string{}, outputs: map[string]string{}}
}

func (c *fakeComputer) RunIPython(_ context.Context, m *memory.IPythonRun) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells = append(c.cells, m.Code)
	if out, ok := c.outputs[m.Code]; ok {
		return out, nil
	}
	switch {
	case strings.HasPrefix(m.Code, "create_file('app.py')"):
		c.files["/workspace/app.py"] = ""
		return computer.WithExitCode(0, "[File: /workspace/app.py (1 lines total)]"), nil
	case strings.HasPrefix(m.Code, "edit_file('app.py'"):
		c.files["/workspace/app.py"] = "print('hi')"
		return computer.WithExitCode(0, "[File: /workspace/app.py (1 lines total after edit)]"), nil
	case strings.HasPrefix(m.Code, "mouse_"), strings.HasPrefix(m.Code, "take_screenshot"):
		return computer.WithExitCode(0, computer.ScreenshotLine("/workspace/screenshots/shot.png")), nil
	}
	return computer.WithExitCode(0, ""), nil
}

func (c *fakeComputer) RunCommand(_ context.Context, m *memory.CmdRun) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, m.Command)
	if m.Command == "python3 /workspace/app.py" {
		if c.files["/workspace/app.py"] == "print('hi')" {
			return computer.WithExitCode(0, "hi"), nil
		}
		return computer.WithExitCode(2, "python3: can't open file '/workspace/app.py'"), nil
	}
	return computer.WithExitCode(0, ""), nil
}

func (c *fakeComputer) Browse(_ context.Context, m *memory.BrowseURL) (string, error) {
	return computer.WithExitCode(0, "[Navigated to "+m.URL+"]"), nil
}

// fakeLocalizer rewrites or executes mouse cells.
type fakeLocalizer struct {
	execute bool
	fail    bool
	calls   int
}

func (l *fakeLocalizer) Localize(_ context.Context, run *memory.IPythonRun) (grounding.Outcome, error) {
	l.calls++
	switch {
	case l.fail:
		run.Code = "mouse_move_rel(dx=0, dy=0)"
		return grounding.Outcome{Strategy: grounding.StrategyVisual}, grounding.ErrGroundingFailure
	case l.execute:
		if err := computer.Commit(run, computer.WithExitCode(0, computer.ScreenshotLine("/workspace/screenshots/dom.png"))); err != nil {
			return grounding.Outcome{}, err
		}
		return grounding.Outcome{Strategy: grounding.StrategyDOM, Executed: true}, nil
	}
	run.Code = "mouse_left_click(x=120, y=45)"
	return grounding.Outcome{
		Strategy: grounding.StrategyVisual,
		Point: &memory.LocalizationFinish{
			Envelope:     memory.Envelope{Source: memory.SourceAssistant},
			Thought:      "button 7",
			Coordination: "(120, 45)",
		},
	}, nil
}

type fakeToolMaker struct{ codes []string }

func (f *fakeToolMaker) Handle(_ context.Context, code string) (string, error) {
	f.codes = append(f.codes, code)
	return "The new tool is created, here is its detailed implementation:\ndef add(a, b):\n    return a + b", nil
}

type fakeLineDrift struct{ repair helpers.Repair }

func (f *fakeLineDrift) Repair(_ context.Context, _, _ string) (helpers.Repair, error) {
	return f.repair, nil
}

type fakeDropdowns struct{ text string }

func (f *fakeDropdowns) DetectDropdowns(context.Context) (string, error) { return f.text, nil }

type fakeSnapshots struct {
	change    workspace.Change
	commits   int
	discarded []workspace.Change
}

func (f *fakeSnapshots) Commit(context.Context) (workspace.Change, error) {
	f.commits++
	return f.change, nil
}

func (f *fakeSnapshots) Discard(_ context.Context, c workspace.Change) error {
	f.discarded = append(f.discarded, c)
	return nil
}

type fakeRecorder struct{ records []store.TaskRecord }

func (f *fakeRecorder) RecordTask(_ context.Context, rec store.TaskRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxRepetition:       2,
		MaxBudgetPerTask:    4,
		SpecialCaseInterval: 5 * time.Millisecond,
	}
}

// newTestAgent meters gw at price per prompt token and returns the agent.
func newTestAgent(t *testing.T, cfg config.AgentConfig, deps Deps, gw llmclient.Gateway, price float64) *Agent {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if deps.Metrics == nil {
		deps.Metrics = llmclient.NewMetrics()
	}
	deps.Gateway = llmclient.Metered(deps.Metrics, "main", "scripted", llmclient.Pricing{Input: price}, logger)(gw)
	if deps.Computer == nil {
		deps.Computer = newFakeComputer()
	}
	a, err := New(cfg, deps, logger)
	require.NoError(t, err)
	return a
}

func kinds(h *memory.History) []memory.Kind {
	items := h.Snapshot()
	out := make([]memory.Kind, len(items))
	for i, m := range items {
		out[i] = m.Kind()
	}
	return out
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
