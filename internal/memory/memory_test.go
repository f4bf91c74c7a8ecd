// internal/memory/memory_test.go
package memory_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/infant/internal/memory"
)

func TestSetResult_WritesOnce(t *testing.T) {
	t.Parallel()

	cmd := &memory.CmdRun{Command: "ls"}
	assert.False(t, cmd.Executed())

	require.NoError(t, memory.SetResult(cmd, "file.txt", "/workspace/screenshots/1.png"))
	assert.True(t, cmd.Executed())
	assert.Equal(t, "file.txt", cmd.Output())
	assert.Equal(t, []string{"/workspace/screenshots/1.png"}, cmd.Images)

	err := memory.SetResult(cmd, "again")
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrResultAlreadySet))
	assert.Equal(t, "file.txt", cmd.Output(), "a second write must not replace the result")
}

func TestSetResult_EmptyResultCountsAsExecuted(t *testing.T) {
	t.Parallel()

	run := &memory.IPythonRun{Code: "x = 1"}
	require.NoError(t, memory.SetResult(run, ""))
	assert.True(t, run.Executed())
}

func TestIsRunnable(t *testing.T) {
	t.Parallel()

	runnable := []memory.Memory{&memory.CmdRun{}, &memory.IPythonRun{}, &memory.BrowseURL{}}
	for _, m := range runnable {
		assert.True(t, memory.IsRunnable(m), m.Kind())
	}
	other := []memory.Memory{
		&memory.UserRequest{}, &memory.Message{}, &memory.Analysis{}, &memory.Task{},
		&memory.Classification{}, &memory.TaskFinish{}, &memory.Finish{},
		&memory.LocalizationFinish{}, &memory.Summarize{}, &memory.Critic{},
	}
	for _, m := range other {
		assert.False(t, memory.IsRunnable(m), m.Kind())
	}
}

func TestString_Renderings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mem  memory.Memory
		want string
	}{
		{
			name: "cmd run before execution",
			mem:  &memory.CmdRun{Command: "ls -la", Thought: "list files"},
			want: "**CmdRun**\nTHOUGHT: list files\nCOMMAND:\nls -la",
		},
		{
			name: "ipython without thought",
			mem:  &memory.IPythonRun{Code: "print(1)"},
			want: "**IPythonRun**\ncommand:\nprint(1)",
		},
		{
			name: "task with target",
			mem:  &memory.Task{Task: "create app.py", Target: "file exists", Thought: "plan"},
			want: "**Task**\nTHOUGHT: plan\nTASK:\ncreate app.py\nTARGET:\nfile exists",
		},
		{
			name: "classification",
			mem:  &memory.Classification{CmdSet: []string{"file_edit", "code_exec"}},
			want: "**Classification**\n1. file_edit\n2. code_exec\n",
		},
		{
			name: "message shows source",
			mem:  &memory.Message{Envelope: memory.Envelope{Source: memory.SourceUser}, Thought: "hi"},
			want: "**Message** (source=user)\nCONTENT: hi",
		},
		{
			name: "localization finish",
			mem:  &memory.LocalizationFinish{Coordination: "(10, 20)"},
			want: "**Localization Finish**\nCOORDINATION: (10, 20)\n",
		},
		{
			name: "summarize orders keys",
			mem: &memory.Summarize{Summary: map[string]string{
				memory.SummaryReason:   "done",
				memory.SummaryKeySteps: "1. edit",
			}},
			want: "**Summarize**\nKEY STEPS: 1. edit\nREASON: done\n",
		},
		{
			name: "critic",
			mem:  &memory.Critic{CriticResult: false, Reason: "file missing"},
			want: "**Critic**\nRESULT: false\nREASON: file missing",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.mem.String())
		})
	}
}

func TestString_ExecutedRunnableShowsResult(t *testing.T) {
	t.Parallel()

	run := &memory.BrowseURL{URL: "https://example.com"}
	require.NoError(t, memory.SetResult(run, "page loaded"))
	assert.Equal(t, "EXECUTION RESULT:\npage loaded", run.String())
}

func TestThought(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "why", memory.Thought(&memory.CmdRun{Thought: "why"}))
	assert.Equal(t, "look closer", memory.Thought(&memory.Analysis{Analysis: "look closer"}))
	assert.Equal(t, "do it", memory.Thought(&memory.UserRequest{Text: "do it"}))
	assert.Equal(t, "", memory.Thought(&memory.Classification{}))
}

func TestMemory_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	original := &memory.IPythonRun{
		Envelope:       memory.Envelope{Source: memory.SourceAssistant},
		Code:           "mouse_left_click(x=1, y=2)",
		Thought:        "click",
		SpecialType:    memory.SpecialMouse,
		KernelInitCode: "import os",
	}
	require.NoError(t, memory.SetResult(original, "ok", "/workspace/screenshots/a.png"))

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded memory.IPythonRun
	require.NoError(t, json.Unmarshal(data, &decoded))

	if diff := cmp.Diff(original, &decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
