// internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/infant/internal/config"
	"github.com/xkilldash9x/infant/internal/grounding"
	"github.com/xkilldash9x/infant/internal/helpers"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/store"
	"github.com/xkilldash9x/infant/internal/tools"
	"github.com/xkilldash9x/infant/internal/workspace"
)

// Computer is the part of the computer facade the agent drives.
type Computer interface {
	RunCommand(ctx context.Context, m *memory.CmdRun) (string, error)
	RunIPython(ctx context.Context, m *memory.IPythonRun) (string, error)
	Browse(ctx context.Context, m *memory.BrowseURL) (string, error)
}

// Localizer grounds described mouse targets.
type Localizer interface {
	Localize(ctx context.Context, run *memory.IPythonRun) (grounding.Outcome, error)
}

// ToolMaker answers make_new_tool cells.
type ToolMaker interface {
	Handle(ctx context.Context, code string) (string, error)
}

// LineDrift repairs edits refused for mismatched anchors.
type LineDrift interface {
	Repair(ctx context.Context, code, result string) (helpers.Repair, error)
}

// Dropdowns lists the dropdown menus of the active page.
type Dropdowns interface {
	DetectDropdowns(ctx context.Context) (string, error)
}

// Snapshots records the workspace after each task.
type Snapshots interface {
	Commit(ctx context.Context) (workspace.Change, error)
	Discard(ctx context.Context, c workspace.Change) error
}

// Recorder persists finished requests.
type Recorder interface {
	RecordTask(ctx context.Context, rec store.TaskRecord) error
}

// Deps are the agent's collaborators. Gateway, Computer and Metrics are
// required; the rest switch features on when set.
type Deps struct {
	Gateway   llmclient.Gateway
	Computer  Computer
	Metrics   *llmclient.Metrics
	Catalog   *tools.Catalog
	Images    retrieval.ImageLoader
	Localizer Localizer
	ToolMaker ToolMaker
	LineDrift LineDrift
	Dropdowns Dropdowns
	Snapshots Snapshots
	Recorder  Recorder
	// Interactive hands planner questions to the user instead of nudging.
	Interactive bool
}

// Agent runs the plan, classify and execute loop over one session history.
type Agent struct {
	cfg     config.AgentConfig
	deps    Deps
	catalog *tools.Catalog
	history *memory.History
	state   *StateBus
	logger  *zap.Logger

	// avoidRepetition selects the stricter planning tail.
	avoidRepetition atomic.Bool
	// spentBase is the metrics total when the current request started.
	spentBase atomic.Value
	stopped   atomic.Bool

	runMu sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an agent. The history starts empty.
func New(cfg config.AgentConfig, deps Deps, logger *zap.Logger) (*Agent, error) {
	if deps.Gateway == nil {
		return nil, errors.New("agent requires an LLM gateway")
	}
	if deps.Computer == nil {
		return nil, errors.New("agent requires a computer")
	}
	if deps.Metrics == nil {
		deps.Metrics = llmclient.NewMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = tools.Default()
	}
	if cfg.SpecialCaseInterval <= 0 {
		cfg.SpecialCaseInterval = time.Second
	}
	logger = logger.Named("agent")
	a := &Agent{
		cfg:     cfg,
		deps:    deps,
		catalog: catalog,
		history: memory.NewHistory(),
		state:   NewStateBus(logger, 0),
		logger:  logger,
		sleep:   sleepCtx,
	}
	a.spentBase.Store(0.0)
	return a, nil
}

// History exposes the session history for reading.
func (a *Agent) History() *memory.History { return a.history }

// State returns the current state.
func (a *Agent) State() State { return a.state.Current() }

// Subscribe streams state transitions.
func (a *Agent) Subscribe() (<-chan StateChange, func()) { return a.state.Subscribe() }

// Pause holds the stepper before its next model call.
func (a *Agent) Pause() {
	if a.state.Current() == StateRunning {
		a.state.Set(StatePaused)
	}
}

// Resume releases a paused stepper.
func (a *Agent) Resume() {
	if a.state.Current() == StatePaused {
		a.state.Set(StateRunning)
	}
}

// Stop ends the active run with StateError.
func (a *Agent) Stop() {
	a.stopped.Store(true)
	a.state.Set(StateError)
}

// Spent is the cost of the current request so far.
func (a *Agent) Spent() float64 {
	return a.deps.Metrics.Total() - a.spentBase.Load().(float64)
}

// Run appends a user turn and drives the loop until the request finishes,
// needs the user, or fails. The stepper, the state watcher and the special
// case handler race; the first to return cancels the others.
func (a *Agent) Run(ctx context.Context, request string, images ...string) (State, error) {
	if !a.runMu.TryLock() {
		return a.state.Current(), ErrBusy
	}
	defer a.runMu.Unlock()

	start := a.history.Len()
	req := &memory.UserRequest{Envelope: memory.Envelope{Source: memory.SourceUser, Images: images}, Text: request}
	if _, err := a.history.Append(req); err != nil {
		return a.state.Current(), err
	}
	a.spentBase.Store(a.deps.Metrics.Total())
	a.avoidRepetition.Store(false)
	a.stopped.Store(false)
	a.state.Set(StateRunning)
	a.logger.Info("Starting request.", zap.String("request", request))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	// A clean return ends the run; errors cancel the group once recorded.
	for _, fn := range []func(context.Context) error{a.Step, a.MonitorState, a.handleSpecialCases} {
		g.Go(func() error {
			err := fn(gctx)
			if err == nil {
				cancel()
			}
			return err
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil && !a.stopped.Load() {
		err = nil
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrBudgetExceeded):
		a.abort(err)
		a.appendBudgetMessage()
	case a.stopped.Load():
		a.abort(ErrStopped)
		err = ErrStopped
	default:
		a.abort(err)
	}
	if err != nil {
		a.state.Set(StateError)
	}
	a.record(ctx, start, request)
	return a.state.Current(), err
}

// Continue answers an agent waiting for the user.
func (a *Agent) Continue(ctx context.Context, reply string, images ...string) (State, error) {
	return a.Run(ctx, reply, images...)
}

// abort closes an open task so the next user turn is legal.
func (a *Agent) abort(cause error) {
	a.logger.Error("Run failed.", zap.Error(cause), zap.Int("memory_index", a.history.Len()-1))
	if !a.history.InExecuteBlock() {
		return
	}
	if _, idx := a.history.LastOfKind(memory.KindTask); idx == a.history.Len()-1 {
		a.mustAppend(&memory.Classification{Envelope: memory.Envelope{Source: memory.SourceAssistant}, CmdSet: []string{tools.DefaultFamily}})
	}
	a.mustAppend(&memory.TaskFinish{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: "Task aborted: " + cause.Error()})
}

func (a *Agent) appendBudgetMessage() {
	a.mustAppend(&memory.Message{
		Envelope: memory.Envelope{Source: memory.SourceAssistant},
		Thought:  tools.BudgetExhausted(a.Spent(), a.cfg.MaxBudgetPerTask),
	})
}

// mustAppend is used on the failure path where the grammar is known to
// accept m; a refusal is logged and dropped.
func (a *Agent) mustAppend(m memory.Memory) {
	if _, err := a.history.Append(m); err != nil {
		a.logger.Error("Failed to record memory.", zap.String("kind", string(m.Kind())), zap.Error(err))
	}
}

// record persists the memories of one request when an audit store is set.
func (a *Agent) record(ctx context.Context, start int, request string) {
	if a.deps.Recorder == nil {
		return
	}
	items := a.history.Snapshot()
	rec := store.TaskRecord{
		ID:       uuid.NewString(),
		Request:  request,
		State:    string(a.state.Current()),
		Cost:     a.Spent(),
		Memories: items[start:],
	}
	if err := a.deps.Recorder.RecordTask(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Warn("Failed to record request.", zap.Error(err))
	}
}

// MonitorState returns once the state stops the run.
func (a *Agent) MonitorState(ctx context.Context) error {
	s, err := a.state.Wait(ctx, State.Stops)
	if err != nil {
		return err
	}
	a.logger.Debug("Agent reached a stopping state.", zap.String("state", string(s)))
	if s == StateError && a.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// handleSpecialCases polls for runaway spend and planner repetition.
func (a *Agent) handleSpecialCases(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.SpecialCaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := a.checkBudget(); err != nil {
			return err
		}
		a.checkRepetition()
	}
}

func (a *Agent) checkBudget() error {
	if a.cfg.MaxBudgetPerTask > 0 && a.Spent() > a.cfg.MaxBudgetPerTask {
		return fmt.Errorf("%w: spent $%.4f of $%.2f", ErrBudgetExceeded, a.Spent(), a.cfg.MaxBudgetPerTask)
	}
	return nil
}

// checkRepetition switches the planning tail once the analyses since the
// last finished task pass the threshold.
func (a *Agent) checkRepetition() {
	n := a.history.CountSince(memory.KindAnalysis, memory.KindTaskFinish)
	repeating := n > a.cfg.MaxRepetition
	if repeating && !a.avoidRepetition.Swap(true) {
		a.logger.Info("Switching to the anti-repetition planning tail.", zap.Int("analyses", n), zap.Error(ErrRepetitionDetected))
	} else if !repeating {
		a.avoidRepetition.Store(false)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
