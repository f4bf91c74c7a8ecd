// internal/llmutil/parser_test.go
package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTag(t *testing.T) {
	s := "before <task>one<target>t</target></task> after <task>two</task>"
	span, ok := FindTag(s, "task")
	require.True(t, ok)
	assert.Equal(t, "one<target>t</target>", span.Inner)
	assert.Equal(t, "<task>one<target>t</target></task>", span.Block(s))

	_, ok = FindTag("no tags here", "task")
	assert.False(t, ok)

	_, ok = FindTag("<task>unterminated", "task")
	assert.False(t, ok)
}

func TestFindTagGreedy(t *testing.T) {
	s := "<finish>a</finish> b </finish>"
	span, ok := FindTagGreedy(s, "finish")
	require.True(t, ok)
	assert.Equal(t, "a</finish> b ", span.Inner)
	assert.Equal(t, len(s), span.End)
}

func TestAutoClose(t *testing.T) {
	tags := []string{"execute_bash", "execute_ipython", "task"}

	assert.Equal(t, "<execute_ipython>print(</execute_ipython>",
		AutoClose("<execute_ipython>print(", tags))

	closed := "<execute_bash>ls</execute_bash>"
	assert.Equal(t, closed, AutoClose(closed, tags))
	assert.Equal(t, closed, AutoClose(AutoClose(closed, tags), tags), "closing twice is a no-op")

	assert.Equal(t, "plain text", AutoClose("plain text", tags))
}

func TestExtractIndex(t *testing.T) {
	tests := []struct {
		in     string
		want   int
		wantOK bool
	}{
		{"<index>12</index>", 12, true},
		{"I pick <index> 3 ", 3, true},
		{"<index>None</index>", 0, false},
		{"<index>none</index>", 0, false},
		{"<index>abc</index>", 0, false},
		{"no index", 0, false},
	}
	for _, tt := range tests {
		got, ok := ExtractIndex(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestExtractCoordinates(t *testing.T) {
	x, y, ok := ExtractCoordinates("The button is at (512, 384).")
	require.True(t, ok)
	assert.Equal(t, 512, x)
	assert.Equal(t, 384, y)

	x, y, ok = ExtractCoordinates("<localize>localization_done(10.7, 20.2)</localize>")
	require.True(t, ok)
	assert.Equal(t, 10, x)
	assert.Equal(t, 20, y)

	x, y, ok = ExtractCoordinates("(-1, -1)")
	require.True(t, ok)
	assert.Equal(t, -1, x)
	assert.Equal(t, -1, y)

	x, y, ok = ExtractCoordinates("cannot find it")
	assert.False(t, ok)
	assert.Equal(t, -1, x)
	assert.Equal(t, -1, y)
}

func TestCleanCodeOutput(t *testing.T) {
	assert.Equal(t, "def f():\n    return 1", CleanCodeOutput("```python\ndef f():\n    return 1\n```"))
	assert.Equal(t, "x = 1", CleanCodeOutput("  x = 1  "))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abc", 5))
	assert.Equal(t, "ab...", TruncateString("abcdef", 2))
	assert.Equal(t, "", TruncateString("abc", 0))
}
