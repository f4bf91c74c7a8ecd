// internal/retrieval/render_test.go
package retrieval

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/tools"
)

type fakeImages map[string]string

func (f fakeImages) Load(p string) (string, error) {
	if url, ok := f[p]; ok {
		return url, nil
	}
	return "", errors.New("no such screenshot")
}

func assistant() memory.Envelope { return memory.Envelope{Source: memory.SourceAssistant} }

type sample struct {
	req  *memory.UserRequest
	an   *memory.Analysis
	t1   *memory.Task
	clf1 *memory.Classification
	run  *memory.IPythonRun
	fin1 *memory.TaskFinish
	t2   *memory.Task
	clf2 *memory.Classification
	cmd  *memory.CmdRun
}

func newSample(t *testing.T) (sample, []memory.Memory) {
	t.Helper()
	s := sample{
		req:  &memory.UserRequest{Envelope: memory.Envelope{Source: memory.SourceUser}, Text: "make a file"},
		an:   &memory.Analysis{Envelope: assistant(), Analysis: "think"},
		t1:   &memory.Task{Envelope: assistant(), Task: "create a.txt", Target: "a.txt exists", Thought: "go"},
		clf1: &memory.Classification{Envelope: assistant(), CmdSet: []string{tools.CodeExec}},
		run:  &memory.IPythonRun{Envelope: assistant(), Code: "take_screenshot()", Thought: "look"},
		fin1: &memory.TaskFinish{Envelope: assistant(), Thought: "done"},
		t2:   &memory.Task{Envelope: assistant(), Task: "check a.txt"},
		clf2: &memory.Classification{Envelope: assistant(), CmdSet: []string{tools.CodeExec}},
		cmd:  &memory.CmdRun{Envelope: assistant(), Command: "ls"},
	}
	require.NoError(t, memory.SetResult(s.run, "(exit code=0)\nok\n<Screenshot saved at> /workspace/screenshots/1.png"))
	history := []memory.Memory{s.req, s.an, s.t1, s.clf1, s.run, s.fin1, s.t2, s.clf2, s.cmd}
	require.NoError(t, memory.Validate(history))
	return s, history
}

func TestRetrieve(t *testing.T) {
	s, history := newSample(t)

	planning := Retrieve(history, Planning)
	assert.Len(t, planning, 7)
	for _, m := range planning {
		assert.NotEqual(t, memory.KindClassification, m.Kind())
	}
	assert.Equal(t, planning, Retrieve(history, Execution))
	assert.Equal(t, []memory.Memory{s.t2}, Retrieve(history, Classification))
	assert.Nil(t, Retrieve([]memory.Memory{s.req}, Classification))

	msg := &memory.Message{Envelope: assistant(), Thought: "hi"}
	loc := Retrieve([]memory.Memory{s.req, msg, s.run}, Localization)
	assert.Equal(t, []memory.Memory{s.req, s.run}, loc)
}

func TestRender_Planning(t *testing.T) {
	_, history := newSample(t)
	desc := tools.Default().Describe()

	got := Render(history[:6], Planning, Options{Images: fakeImages{"/workspace/screenshots/1.png": "data:image/png;base64,AAA"}})
	want := []llmclient.Message{
		llmclient.TextMessage(llmclient.RoleSystem, tools.PlanSystem(desc)),
		llmclient.TextMessage(llmclient.RoleUser, tools.PlanUserRequest("make a file", "", desc)),
		llmclient.TextMessage(llmclient.RoleAssistant, "<analysis>think</analysis>"),
		llmclient.TextMessage(llmclient.RoleAssistant, "go\n<task>create a.txt\n<target>a.txt exists</target></task>"),
		llmclient.TextMessage(llmclient.RoleAssistant, "look\n<execute_ipython>\ntake_screenshot()\n</execute_ipython>"),
		llmclient.ImageMessage(llmclient.RoleUser, "ok\n<Screenshot saved at> /workspace/screenshots/1.png", "data:image/png;base64,AAA"),
		llmclient.TextMessage(llmclient.RoleAssistant, "done"),
		llmclient.TextMessage(llmclient.RoleUser, tools.PlanTail),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("planning prompt mismatch (-want +got):\n%s", diff)
	}

	avoid := Render(history[:6], Planning, Options{AvoidRepetition: true})
	assert.Equal(t, tools.PlanTailAvoidRepetition, avoid[len(avoid)-1].Text())
}

func TestRender_MandatoryStandards(t *testing.T) {
	req := &memory.UserRequest{Envelope: memory.Envelope{Source: memory.SourceUser}, Text: "write a poem", MandatoryStandards: "four lines"}
	got := Render([]memory.Memory{req}, Planning, Options{TaskCategory: "1. anything"})
	require.Len(t, got, 3)
	assert.Equal(t, tools.PlanUserRequest("write a poem", "four lines", "1. anything"), got[1].Text())
	assert.Contains(t, got[1].Text(), "four lines")
}

func TestRender_Classification(t *testing.T) {
	_, history := newSample(t)
	got := Render(history[:7], Classification, Options{})
	require.Len(t, got, 2)
	assert.Equal(t, llmclient.RoleSystem, got[0].Role)
	assert.Equal(t, tools.ClassifySystem(tools.Default()), got[0].Text())
	assert.Equal(t, tools.ClassifyTask("check a.txt", ""), got[1].Text())
}

func TestRender_Execution(t *testing.T) {
	_, history := newSample(t)
	cat := tools.Default()
	set := []string{tools.CodeExec}

	got := Render(history, Execution, Options{Catalog: cat, CmdSet: set})
	var texts []string
	for _, m := range got {
		texts = append(texts, m.Text())
	}

	assert.Equal(t, cat.SystemMessage(set), texts[0])
	assert.Equal(t, "make a file", texts[1])
	assert.Equal(t, tools.ExecuteSplitRequest, texts[2])
	assert.Contains(t, texts, "Task:\ncreate a.txt\nTarget:\na.txt exists")
	assert.Contains(t, texts, "**Current Task**:\ncheck a.txt")
	assert.Contains(t, texts, "<execute_bash>\nls\n</execute_bash>")
	assert.Equal(t, tools.ExecuteTail("check a.txt", cat.Notes(set)), texts[len(texts)-1])

	// No screenshot loader: the observation is text only.
	for _, m := range got {
		assert.Empty(t, m.Images())
	}
}

func TestRender_ResultsOnlyWhenExecuted(t *testing.T) {
	s, history := newSample(t)
	count := func(msgs []llmclient.Message) int {
		n := 0
		for _, m := range msgs {
			if m.Role == llmclient.RoleUser && strings.HasPrefix(m.Text(), NoOutput) {
				n++
			}
		}
		return n
	}

	before := Render(history, Execution, Options{})
	assert.Equal(t, 0, count(before))

	require.NoError(t, memory.SetResult(s.cmd, "(exit code=0)\n"))
	after := Render(history, Execution, Options{})
	assert.Equal(t, 1, count(after))
	assert.Len(t, after, len(before)+1)
}

func TestRender_UnreadableScreenshotIsSkipped(t *testing.T) {
	_, history := newSample(t)
	core, logs := observer.New(zapcore.WarnLevel)

	got := Render(history[:6], Planning, Options{Images: fakeImages{}, Logger: zap.New(core)})
	for _, m := range got {
		assert.Empty(t, m.Images())
	}
	require.Equal(t, 1, logs.FilterMessage("Skipping unreadable screenshot.").Len())
}

func TestObservation(t *testing.T) {
	assert.Equal(t, "hello", Observation("(exit code=0)\n\x1b[32mhello\x1b[0m\n", 100))
	assert.Equal(t, NoOutput, Observation("(exit code=1)\n", 100))

	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := Observation(long, 80)
	assert.Contains(t, out, TruncationMarker)
	assert.LessOrEqual(t, len([]rune(out)), 80)
}

func TestAssistant(t *testing.T) {
	for name, tc := range map[string]struct {
		m    memory.Memory
		want string
	}{
		"browse":       {&memory.BrowseURL{URL: "https://x.org", Thought: "t"}, "t\n<browse>https://x.org</browse>"},
		"finish":       {&memory.Finish{Thought: "bye"}, "<finish>bye</finish>"},
		"bare task":    {&memory.Task{Task: "do"}, "<task>do</task>"},
		"message":      {&memory.Message{Thought: "hello"}, "hello"},
		"localization": {&memory.LocalizationFinish{Coordination: "(1, 2)"}, ""},
	} {
		assert.Equal(t, tc.want, Assistant(tc.m), name)
	}
}
