// internal/agent/agent_test.go
package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/helpers"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/tools"
	"github.com/xkilldash9x/infant/internal/workspace"
)

const (
	planTask = "I will write the script first.<task>Create app.py that prints hi<target>python3 app.py prints hi</target></task>"
	classify = "<clf_task>code_exec, file_edit</clf_task>"
)

func requireKinds(t *testing.T, h *memory.History, want ...memory.Kind) {
	t.Helper()
	if diff := cmp.Diff(want, kinds(h)); diff != "" {
		t.Fatalf("history kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestNew_RequiresGatewayAndComputer(t *testing.T) {
	_, err := New(testConfig(), Deps{Computer: newFakeComputer()}, nil)
	assert.Error(t, err)
	_, err = New(testConfig(), Deps{Gateway: script()}, nil)
	assert.Error(t, err)
}

func TestNew_NilLoggerIsSilent(t *testing.T) {
	a, err := New(testConfig(), Deps{Gateway: script(planTask, classify, "<finish>done</finish>"), Computer: newFakeComputer()}, nil)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Zero(t, a.History().Len())
}

func TestRun_CreatesAndRunsScript(t *testing.T) {
	comp := newFakeComputer()
	gw := script(
		planTask,
		classify,
		"<execute_ipython>create_file('app.py')</execute_ipython>",
		"Now the content.<execute_ipython>edit_file('app.py', start=1, start_str='', end=1, end_str='', content=\"print('hi')\")</execute_ipython>",
		"<execute_bash>python3 /workspace/app.py</execute_bash>",
		"<task_finish>app.py prints hi</task_finish>",
		"<finish>Created app.py; running it prints hi.</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp}, gw, 0)

	state, err := a.Run(runCtx(t), "Create app.py that prints hi and run it.")
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)
	assert.Equal(t, StateFinished, a.State())

	h := a.History()
	requireKinds(t, h,
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindIPythonRun, memory.KindIPythonRun, memory.KindCmdRun,
		memory.KindTaskFinish, memory.KindFinish,
	)
	require.NoError(t, memory.Validate(h.Snapshot()))

	task := h.At(1).(*memory.Task)
	assert.Equal(t, "Create app.py that prints hi", task.Task)
	assert.Equal(t, "python3 app.py prints hi", task.Target)
	assert.Equal(t, []string{"code_exec", "file_edit"}, h.At(2).(*memory.Classification).CmdSet)

	edit := h.At(4).(*memory.IPythonRun)
	assert.Equal(t, memory.SpecialEdit, edit.SpecialType)
	assert.Equal(t, "Now the content.", edit.Thought)

	run := h.At(5).(*memory.CmdRun)
	code, ok := computer.ExitCode(run.Output())
	require.True(t, ok)
	assert.Equal(t, 0, code)
	assert.Contains(t, run.Output(), "hi")

	// The executor sees the previous observation.
	assert.Equal(t, "hi", gw.call(5)[len(gw.call(5))-2].Text())
	assert.Equal(t, []string{"</task>", "</finish>"}, gw.stops[0])
	assert.Equal(t, []string{"</clf_task>"}, gw.stops[1])
}

func TestRun_ClassificationFallsBackToDefaultFamily(t *testing.T) {
	gw := script(planTask, "<clf_task>telepathy</clf_task>", "<task_finish>nothing to do</task_finish>", "<finish>done</finish>")
	a := newTestAgent(t, testConfig(), Deps{}, gw, 0)

	_, err := a.Run(runCtx(t), "noop")
	require.NoError(t, err)
	assert.Equal(t, []string{tools.DefaultFamily}, a.History().At(2).(*memory.Classification).CmdSet)
}

func TestRun_VisualGroundingRewritesCode(t *testing.T) {
	comp := newFakeComputer()
	loc := &fakeLocalizer{}
	gw := script(
		planTask, "<clf_task>computer_interaction</clf_task>",
		"<execute_ipython>mouse_left_click(item='7', description='the 7 key of the calculator')</execute_ipython>",
		"<task_finish>clicked</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp, Localizer: loc}, gw, 0)

	_, err := a.Run(runCtx(t), "press 7 on the calculator")
	require.NoError(t, err)

	h := a.History()
	requireKinds(t, h,
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindIPythonRun, memory.KindLocalizationFinish,
		memory.KindTaskFinish, memory.KindFinish,
	)
	run := h.At(3).(*memory.IPythonRun)
	assert.Equal(t, "mouse_left_click(x=120, y=45)", run.Code)
	assert.True(t, run.Executed())
	assert.Equal(t, "(120, 45)", h.At(4).(*memory.LocalizationFinish).Coordination)
	assert.Equal(t, []string{"mouse_left_click(x=120, y=45)"}, comp.cells)
	assert.Equal(t, 1, loc.calls)
}

func TestRun_DOMGroundingExecutesAction(t *testing.T) {
	comp := newFakeComputer()
	gw := script(
		planTask, "<clf_task>web_browse</clf_task>",
		"<execute_ipython>mouse_left_click(item='Search', description='the search button')</execute_ipython>",
		"<task_finish>searched</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp, Localizer: &fakeLocalizer{execute: true}}, gw, 0)

	_, err := a.Run(runCtx(t), "search")
	require.NoError(t, err)

	run := a.History().At(3).(*memory.IPythonRun)
	assert.Contains(t, run.Output(), "dom.png")
	assert.Empty(t, comp.cells, "an executed grounding must not run the cell again")
	assert.Equal(t, memory.KindTaskFinish, a.History().At(4).Kind())
}

func TestRun_GroundingFailureRunsNoOp(t *testing.T) {
	comp := newFakeComputer()
	gw := script(
		planTask, "<clf_task>computer_interaction</clf_task>",
		"<execute_ipython>mouse_left_click(item='ghost', description='a button that is not there')</execute_ipython>",
		"<task_finish>gave up</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp, Localizer: &fakeLocalizer{fail: true}}, gw, 0)

	_, err := a.Run(runCtx(t), "click the ghost")
	require.NoError(t, err)
	assert.Equal(t, []string{"mouse_move_rel(dx=0, dy=0)"}, comp.cells)
	assert.True(t, a.History().At(3).(*memory.IPythonRun).Executed())
}

func TestRun_BudgetExceededOnFirstCall(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBudgetPerTask = 0.0001
	rec := &fakeRecorder{}
	gw := script("<analysis>thinking</analysis>", "<finish>never reached</finish>")
	a := newTestAgent(t, cfg, Deps{Recorder: rec}, gw, 0.001)

	state, err := a.Run(runCtx(t), "do something expensive")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, StateError, state)
	assert.Equal(t, 1, gw.numCalls())

	requireKinds(t, a.History(), memory.KindUserRequest, memory.KindMessage)
	msg := a.History().At(1).(*memory.Message)
	assert.Equal(t, memory.SourceAssistant, msg.Source)
	assert.Contains(t, msg.Thought, "budget")
	assert.InDelta(t, 0.001, a.Spent(), 1e-9)

	require.Len(t, rec.records, 1)
	assert.Equal(t, string(StateError), rec.records[0].State)
	assert.Len(t, rec.records[0].Memories, 2)
}

func TestRun_BudgetExceededInsideTaskClosesIt(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBudgetPerTask = 0.0025
	gw := script(planTask, classify, "<execute_bash>ls</execute_bash>", "<task_finish>never</task_finish>")
	a := newTestAgent(t, cfg, Deps{}, gw, 0.001)

	_, err := a.Run(runCtx(t), "list files")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	requireKinds(t, a.History(),
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindTaskFinish, memory.KindMessage,
	)
	assert.True(t, strings.HasPrefix(a.History().At(3).(*memory.TaskFinish).Thought, "Task aborted"))
	require.NoError(t, memory.Validate(a.History().Snapshot()))
}

func TestRun_SyntaxErrorIsObserved(t *testing.T) {
	comp := newFakeComputer()
	comp.outputs["print("] = computer.WithExitCode(1, "  File \"<cell>\", line 1\n    print(\n          ^\nSyntaxError: '(' was never closed")
	gw := script(
		planTask, classify,
		"<execute_ipython>print(",
		"<task_finish>the cell is broken</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp}, gw, 0)

	_, err := a.Run(runCtx(t), "print something")
	require.NoError(t, err)

	run := a.History().At(3).(*memory.IPythonRun)
	assert.Equal(t, "print(", run.Code)
	code, _ := computer.ExitCode(run.Output())
	assert.Equal(t, 1, code)
	assert.True(t, promptContains(gw.call(3), "SyntaxError"))
}

func TestRun_RepetitionSwitchesPlanningTail(t *testing.T) {
	gw := script(
		"<analysis>first look</analysis>",
		"<analysis>second look</analysis>",
		"<analysis>third look</analysis>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{}, gw, 0)

	_, err := a.Run(runCtx(t), "think hard")
	require.NoError(t, err)
	require.Equal(t, 4, gw.numCalls())

	assert.Equal(t, tools.PlanTail, lastText(gw.call(0)))
	assert.Equal(t, tools.PlanTail, lastText(gw.call(2)))
	assert.Equal(t, tools.PlanTailAvoidRepetition, lastText(gw.call(3)))

	requireKinds(t, a.History(),
		memory.KindUserRequest,
		memory.KindAnalysis, memory.KindMessage,
		memory.KindAnalysis, memory.KindMessage,
		memory.KindAnalysis, memory.KindMessage,
		memory.KindFinish,
	)
	assert.Equal(t, tools.PlanNudge, a.History().At(2).(*memory.Message).Thought)
}

func TestRun_PlannerMessage(t *testing.T) {
	t.Run("interactive waits for the user", func(t *testing.T) {
		gw := script("Which file should I edit?", "<finish>edited app.py</finish>")
		a := newTestAgent(t, testConfig(), Deps{Interactive: true}, gw, 0)
		ctx := runCtx(t)

		state, err := a.Run(ctx, "edit the file")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingUserInput, state)
		msg := a.History().At(1).(*memory.Message)
		assert.True(t, msg.WaitForResponse)

		state, err = a.Continue(ctx, "app.py")
		require.NoError(t, err)
		assert.Equal(t, StateFinished, state)
		requireKinds(t, a.History(), memory.KindUserRequest, memory.KindMessage, memory.KindUserRequest, memory.KindFinish)
	})

	t.Run("headless nudges the planner", func(t *testing.T) {
		gw := script("Which file should I edit?", "<finish>guessed</finish>")
		a := newTestAgent(t, testConfig(), Deps{}, gw, 0)

		state, err := a.Run(runCtx(t), "edit the file")
		require.NoError(t, err)
		assert.Equal(t, StateFinished, state)
		requireKinds(t, a.History(), memory.KindUserRequest, memory.KindMessage, memory.KindMessage, memory.KindFinish)
		assert.Equal(t, memory.SourceUser, a.History().At(2).Env().Source)
	})
}

func TestRun_ParseErrorIsNudged(t *testing.T) {
	comp := newFakeComputer()
	gw := script(
		planTask, classify,
		"<execute_bash>ls</execute_bash><task_finish>done</task_finish>",
		"<task_finish>done</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp}, gw, 0)

	_, err := a.Run(runCtx(t), "list")
	require.NoError(t, err)
	requireKinds(t, a.History(),
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindMessage, memory.KindMessage, memory.KindTaskFinish, memory.KindFinish,
	)
	assert.Empty(t, comp.commands)
	nudge := a.History().At(4).(*memory.Message)
	assert.Equal(t, memory.SourceUser, nudge.Source)
	assert.Contains(t, nudge.Thought, "incompatible tags")
}

func TestRun_FinishInsideTaskClosesTask(t *testing.T) {
	gw := script(planTask, classify, "<finish>all done</finish>", "<finish>request complete</finish>")
	a := newTestAgent(t, testConfig(), Deps{}, gw, 0)

	_, err := a.Run(runCtx(t), "finish early")
	require.NoError(t, err)
	requireKinds(t, a.History(),
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindTaskFinish, memory.KindFinish,
	)
	assert.Equal(t, "all done", a.History().At(3).(*memory.TaskFinish).Thought)
}

func TestRun_ToolMaker(t *testing.T) {
	comp := newFakeComputer()
	maker := &fakeToolMaker{}
	gw := script(
		planTask, classify,
		"<execute_ipython>make_new_tool('add two numbers')</execute_ipython>",
		"<task_finish>tool ready</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp, ToolMaker: maker}, gw, 0)

	_, err := a.Run(runCtx(t), "make an adder")
	require.NoError(t, err)
	assert.Equal(t, []string{"make_new_tool('add two numbers')"}, maker.codes)
	assert.Empty(t, comp.cells)
	assert.Contains(t, a.History().At(3).(*memory.IPythonRun).Output(), "def add(a, b)")
}

func TestRun_LineDriftRepairIsAdopted(t *testing.T) {
	comp := newFakeComputer()
	broken := "edit_file('app.py', start=3, start_str='x = 1', end=3, end_str='x = 1', content='x = 2')"
	comp.outputs[broken] = computer.WithExitCode(0, computer.EditMismatchMarker+"\nx = 1")
	fixed := "edit_file('app.py', start=2, start_str='x = 1', end=2, end_str='x = 1', content='x = 2')"
	drift := &fakeLineDrift{repair: helpers.Repair{
		Code:     fixed,
		Result:   computer.WithExitCode(0, "[File: /workspace/app.py (2 lines total after edit)]"),
		Fixed:    true,
		Attempts: 1,
	}}
	gw := script(
		planTask, classify,
		"<execute_ipython>"+broken+"</execute_ipython>",
		"<task_finish>edited</task_finish>",
		"<finish>done</finish>",
	)
	a := newTestAgent(t, testConfig(), Deps{Computer: comp, LineDrift: drift}, gw, 0)

	_, err := a.Run(runCtx(t), "set x to 2")
	require.NoError(t, err)
	run := a.History().At(3).(*memory.IPythonRun)
	assert.Equal(t, fixed, run.Code)
	assert.Contains(t, run.Output(), "after edit")
	assert.NotContains(t, run.Output(), computer.EditMismatchMarker)
}

func TestRun_BrowseAppendsDropdowns(t *testing.T) {
	gw := script(
		planTask, "<clf_task>web_browse</clf_task>",
		"<browse>https://example.com/form</browse>",
		"<task_finish>opened</task_finish>",
		"<finish>done</finish>",
	)
	dd := &fakeDropdowns{text: "selector_index 0: [0] red, [1] blue"}
	a := newTestAgent(t, testConfig(), Deps{Dropdowns: dd}, gw, 0)

	_, err := a.Run(runCtx(t), "open the form")
	require.NoError(t, err)
	out := a.History().At(3).(*memory.BrowseURL).Output()
	assert.Contains(t, out, "[Navigated to https://example.com/form]")
	assert.Contains(t, out, tools.DetectDropdown)
	assert.Contains(t, out, "[1] blue")
}

func TestRun_CriticRejectionDiscardsSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Critic = true
	cfg.Summarize = true
	cfg.GitSnapshot = true
	snaps := &fakeSnapshots{change: workspace.Change{
		Files: []string{"app.py"},
		Patch: "diff --git a/app.py b/app.py\n--- a/app.py\n+++ b/app.py\n@@ -0,0 +1 @@\n+print('hi')\n",
	}}
	gw := script(
		planTask, classify,
		"<task_finish>done</task_finish>",
		"The script was never run, so the target is not met.",
		"<key_steps>Created app.py.</key_steps>",
		"<finish>gave up</finish>",
	)
	a := newTestAgent(t, cfg, Deps{Snapshots: snaps}, gw, 0)

	_, err := a.Run(runCtx(t), "make app.py")
	require.NoError(t, err)
	requireKinds(t, a.History(),
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindTaskFinish, memory.KindCritic, memory.KindSummarize, memory.KindFinish,
	)

	critic := a.History().At(4).(*memory.Critic)
	assert.False(t, critic.CriticResult)
	assert.Equal(t, "The script was never run, so the target is not met.", critic.Reason)
	assert.Contains(t, lastText(gw.call(3)), "python3 app.py prints hi")

	summary := a.History().At(5).(*memory.Summarize).Summary
	assert.Equal(t, "print('hi')", summary[memory.SummaryGitDiff])
	assert.Equal(t, "Created app.py.", summary[memory.SummaryKeySteps])
	assert.Equal(t, critic.Reason, summary[memory.SummaryReason])

	assert.Equal(t, 1, snaps.commits)
	require.Len(t, snaps.discarded, 1)
	assert.Equal(t, []string{"app.py"}, snaps.discarded[0].Files)
}

func TestRun_CriticApprovalKeepsSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Critic = true
	cfg.GitSnapshot = true
	snaps := &fakeSnapshots{change: workspace.Change{Files: []string{"app.py"}, Patch: "+print('hi')\n"}}
	gw := script(planTask, classify, "<task_finish>done</task_finish>", tools.CriticSuccessMarker, "<finish>done</finish>")
	a := newTestAgent(t, cfg, Deps{Snapshots: snaps}, gw, 0)

	_, err := a.Run(runCtx(t), "make app.py")
	require.NoError(t, err)
	requireKinds(t, a.History(),
		memory.KindUserRequest, memory.KindTask, memory.KindClassification,
		memory.KindTaskFinish, memory.KindCritic, memory.KindFinish,
	)
	assert.True(t, a.History().At(4).(*memory.Critic).CriticResult)
	assert.Empty(t, snaps.discarded)
}

func TestRun_ParseRequestRecordsStandards(t *testing.T) {
	cfg := testConfig()
	cfg.ParseRequest = true
	gw := script("<mandatory_standards>Use Python 3.11 only.</mandatory_standards>", "<finish>done</finish>")
	a := newTestAgent(t, cfg, Deps{}, gw, 0)

	_, err := a.Run(runCtx(t), "write a script, python 3.11 only")
	require.NoError(t, err)
	req := a.History().At(0).(*memory.UserRequest)
	assert.Equal(t, "Use Python 3.11 only.", req.MandatoryStandards)
	assert.Equal(t, []string{"</mandatory_standards>"}, gw.stops[0])
}

func TestRun_ReviewerTurnsAreRecorded(t *testing.T) {
	gw := &scripted{replies: []reply{{
		text: "<finish>done</finish>",
		extra: []llmclient.Message{
			llmclient.TextMessage(llmclient.RoleAssistant, "I think I am done."),
			llmclient.TextMessage(llmclient.RoleUser, "Say so with a finish tag."),
		},
	}}}
	a := newTestAgent(t, testConfig(), Deps{}, gw, 0)

	_, err := a.Run(runCtx(t), "finish")
	require.NoError(t, err)
	requireKinds(t, a.History(), memory.KindUserRequest, memory.KindMessage, memory.KindMessage, memory.KindFinish)
	assert.Equal(t, memory.SourceAssistant, a.History().At(1).Env().Source)
	assert.Equal(t, memory.SourceUser, a.History().At(2).Env().Source)
}

func TestRun_RecordsFinishedRequest(t *testing.T) {
	rec := &fakeRecorder{}
	gw := script("<finish>hello</finish>", "<finish>again</finish>")
	a := newTestAgent(t, testConfig(), Deps{Recorder: rec}, gw, 0.001)
	ctx := runCtx(t)

	_, err := a.Run(ctx, "say hello")
	require.NoError(t, err)
	_, err = a.Run(ctx, "say it again")
	require.NoError(t, err)

	require.Len(t, rec.records, 2)
	assert.Equal(t, "say it again", rec.records[1].Request)
	assert.Equal(t, string(StateFinished), rec.records[1].State)
	assert.Len(t, rec.records[1].Memories, 2)
	assert.NotEqual(t, rec.records[0].ID, rec.records[1].ID)
	// Spend is per request.
	assert.InDelta(t, 0.001, rec.records[1].Cost, 1e-9)
}

func TestRun_StopAndBusy(t *testing.T) {
	var a *Agent
	var busyErr error
	gw := llmclient.GatewayFunc(func(ctx context.Context, _ []llmclient.Message, _ []string) (llmclient.Completion, error) {
		_, busyErr = a.Run(ctx, "second request")
		a.Stop()
		<-ctx.Done()
		return llmclient.Completion{}, ctx.Err()
	})
	a = newTestAgent(t, testConfig(), Deps{}, gw, 0)

	state, err := a.Run(runCtx(t), "long request")
	require.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, busyErr, ErrBusy)
	assert.Equal(t, StateError, state)
	requireKinds(t, a.History(), memory.KindUserRequest)
}

func TestRun_PauseHoldsTheNextCall(t *testing.T) {
	gw := script("<analysis>one</analysis>", "<finish>done</finish>")
	var a *Agent
	callsWhilePaused := make(chan int, 1)
	first := true
	wrapped := llmclient.GatewayFunc(func(ctx context.Context, msgs []llmclient.Message, stop []string) (llmclient.Completion, error) {
		if first {
			first = false
			a.Pause()
			go func() {
				time.Sleep(30 * time.Millisecond)
				callsWhilePaused <- gw.numCalls()
				a.Resume()
			}()
		}
		return gw.Completion(ctx, msgs, stop)
	})
	a = newTestAgent(t, testConfig(), Deps{}, wrapped, 0)

	state, err := a.Run(runCtx(t), "pause me")
	require.NoError(t, err)
	assert.Equal(t, StateFinished, state)
	assert.Equal(t, 1, <-callsWhilePaused)
	assert.Equal(t, 2, gw.numCalls())
}
