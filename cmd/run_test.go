// cmd/run_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/infant/internal/agent"
	"github.com/xkilldash9x/infant/internal/memory"
)

// fakeRequester answers each request with a scripted state.
type fakeRequester struct {
	history   *memory.History
	states    map[string]agent.State
	errs      map[string]error
	runs      []string
	continues []string
	images    [][]string
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{history: memory.NewHistory(), states: map[string]agent.State{}, errs: map[string]error{}}
}

func (f *fakeRequester) answer(text string, images []string) (agent.State, error) {
	f.images = append(f.images, images)
	if _, err := f.history.Append(&memory.UserRequest{Envelope: memory.Envelope{Source: memory.SourceUser}, Text: text}); err != nil {
		return agent.StateError, err
	}
	if err, ok := f.errs[text]; ok {
		return agent.StateError, err
	}
	state, ok := f.states[text]
	if !ok {
		state = agent.StateFinished
	}
	switch state {
	case agent.StateAwaitingUserInput:
		_, err := f.history.Append(&memory.Message{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: "question about " + text, WaitForResponse: true})
		return state, err
	case agent.StateFinished:
		_, err := f.history.Append(&memory.Finish{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: "done with " + text})
		return state, err
	}
	return state, nil
}

func (f *fakeRequester) Run(_ context.Context, request string, images ...string) (agent.State, error) {
	f.runs = append(f.runs, request)
	return f.answer(request, images)
}

func (f *fakeRequester) Continue(_ context.Context, reply string, images ...string) (agent.State, error) {
	f.continues = append(f.continues, reply)
	return f.answer(reply, images)
}

func (f *fakeRequester) History() *memory.History { return f.history }
func (f *fakeRequester) Spent() float64           { return 0.25 }

func TestRepl(t *testing.T) {
	r := newFakeRequester()
	r.states["edit the file"] = agent.StateAwaitingUserInput
	r.errs["too expensive"] = fmt.Errorf("spent too much: %w", agent.ErrBudgetExceeded)

	in := strings.NewReader("open the calculator\n\n  \nedit the file\napp.py\ntoo expensive\nexit\nnever read\n")
	var out bytes.Buffer
	err := repl(context.Background(), in, &out, r, []string{"data:image/png;base64,AAAA"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"open the calculator", "edit the file", "too expensive"}, r.runs)
	assert.Equal(t, []string{"app.py"}, r.continues)
	assert.Equal(t, []string{"data:image/png;base64,AAAA"}, r.images[0], "images go with the first request only")
	assert.Empty(t, r.images[1])

	text := out.String()
	assert.Contains(t, text, "done with open the calculator")
	assert.Contains(t, text, "question about edit the file")
	assert.Contains(t, text, "[finished, $0.2500]")
	assert.Contains(t, text, "[budget exhausted after $0.2500]")
	assert.Contains(t, text, "Bye.")
}

func TestRepl_StopsOnCancel(t *testing.T) {
	r := newFakeRequester()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := repl(ctx, strings.NewReader("hello\nagain\n"), &bytes.Buffer{}, r, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"hello"}, r.runs)
}

func TestOneShot(t *testing.T) {
	t.Run("interactive answers questions", func(t *testing.T) {
		r := newFakeRequester()
		r.states["book a flight"] = agent.StateAwaitingUserInput
		var out bytes.Buffer

		err := oneShot(context.Background(), strings.NewReader("to Paris\n"), &out, r, "book a flight", nil, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"to Paris"}, r.continues)
		assert.Contains(t, out.String(), "done with to Paris")
	})

	t.Run("headless returns after one run", func(t *testing.T) {
		r := newFakeRequester()
		r.states["book a flight"] = agent.StateAwaitingUserInput
		err := oneShot(context.Background(), strings.NewReader("to Paris\n"), &bytes.Buffer{}, r, "book a flight", nil, false)
		require.NoError(t, err)
		assert.Empty(t, r.continues)
	})

	t.Run("errors are returned", func(t *testing.T) {
		r := newFakeRequester()
		r.errs["explode"] = agent.ErrStopped
		var out bytes.Buffer
		err := oneShot(context.Background(), strings.NewReader(""), &out, r, "explode", nil, true)
		assert.ErrorIs(t, err, agent.ErrStopped)
		assert.Contains(t, out.String(), "[error: ")
	})
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), 0o600))
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("just text"), 0o600))

	urls, err := loadImages([]string{png})
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.True(t, strings.HasPrefix(urls[0], "data:image/png;base64,"))

	_, err = loadImages([]string{txt})
	assert.ErrorContains(t, err, "not an image")

	_, err = loadImages([]string{filepath.Join(dir, "absent.png")})
	assert.Error(t, err)
}
