// internal/tools/catalog_test.go
package tools

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Filter(t *testing.T) {
	c := Default()
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"known kept in order", []string{"web_browse", "file_edit"}, []string{WebBrowse, FileEdit}},
		{"unknown dropped", []string{"teleport", " code_exec "}, []string{CodeExec}},
		{"duplicates dropped", []string{"file_edit", "file_edit"}, []string{FileEdit}},
		{"empty falls back", nil, []string{DefaultFamily}},
		{"all unknown falls back", []string{"x", "y"}, []string{DefaultFamily}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, c.Filter(tt.in)); diff != "" {
				t.Errorf("Filter mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCatalog_Stops(t *testing.T) {
	c := Default()

	assert.Equal(t,
		[]string{TaskFinishStop, "</execute_bash>", "</execute_ipython>"},
		c.Stops([]string{CodeExec, FileEdit}),
		"order of first occurrence is kept")
	assert.Equal(t,
		[]string{TaskFinishStop, "</execute_ipython>"},
		c.Stops([]string{WebBrowse}))
	assert.Equal(t, c.Stops([]string{CodeExec}), c.Stops(nil))
}

func TestCatalog_SystemMessage(t *testing.T) {
	c := Default()
	msg := c.SystemMessage([]string{FileEdit, WebBrowse})

	assert.Contains(t, msg, "edit_file(file_name: str")
	assert.Contains(t, msg, "select_dropdown_option")
	assert.NotContains(t, msg, "open_application", "unselected families stay out")
	assert.Less(t, strings.Index(msg, "edit_file(file_name: str"), strings.Index(msg, "open_browser()"))
	assert.Contains(t, msg, "<task_finish>")
	assert.Contains(t, msg, "edit_file(file_name='app.py', start=6,")
}

func TestCatalog_NotesAndDescribe(t *testing.T) {
	c := Default()
	assert.Contains(t, c.SystemMessage([]string{FileEdit}), "call each one as a statement of its own")
	notes := c.Notes([]string{WebBrowse})
	assert.Contains(t, notes, "dropdown")

	d := c.Describe()
	assert.True(t, strings.HasPrefix(d, "1. "))
	assert.Len(t, strings.Split(d, "\n"), len(c.Names()))
}

func TestNewCatalog_DuplicateReplaces(t *testing.T) {
	c := NewCatalog(Family{Name: "a", Summary: "one"}, Family{Name: "a", Summary: "two"})
	require.Equal(t, []string{"a"}, c.Names())
	f, ok := c.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "two", f.Summary)
}

func TestPrompts(t *testing.T) {
	c := Default()

	assert.Contains(t, ClassifySystem(c), "<clf_task>web_browse</clf_task>")
	assert.Contains(t, ClassifyTask("t", "goal"), "The expected target is:\ngoal")
	assert.NotContains(t, ClassifyTask("t", ""), "expected target")

	assert.Contains(t, PlanSystem(c.Describe()), "<finish>exit</finish>")
	req := PlanUserRequest("sort a list", "must be stable", c.Describe())
	assert.Contains(t, req, "sort a list")
	assert.Contains(t, req, "must be stable")
	assert.NotContains(t, PlanUserRequest("x", "", ""), "mandatory standards")

	assert.Contains(t, CriticTask("task", "target"), CriticSuccessMarker)
	assert.Contains(t, SummaryRequest(true, "diff --git a b"), "The git diff is shown below: diff --git a b")
	assert.Contains(t, SummaryRequest(false, ""), "can not complete")

	assert.Contains(t, GroundingDOMUser("OK button", "bottom right", DOMState{SelectorMap: "[3]<button>OK</button>"}), "[3]<button>OK</button>")
	assert.Equal(t, "Please provide the ONE point coordinates (x, y) of the element described as: OK (blue)", GroundingPoint("OK", "blue"))
	assert.Contains(t, LineDrift("edit_file(...)", "mismatch"), "edit_file(...)")
	assert.Contains(t, ToolMaker("adds", "add", "a, b", "int"), "<tool>...</tool>")
	assert.Contains(t, ParseErrorNudge(errors.New("boom")), "boom")
	assert.Contains(t, ExecuteTail("list files", "NOTE"), "NOTE")
	assert.Contains(t, ExecuteTail("list files", ""), "list files")
}
