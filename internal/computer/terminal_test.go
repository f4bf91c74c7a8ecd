// internal/computer/terminal_test.go
package computer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/infant/internal/computer/computertest"
)

func newFakeShell(t *testing.T, opts ShellOptions) *Shell {
	t.Helper()
	transport := computertest.NewTransport()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Open(ctx)
	require.NoError(t, err)
	s, err := NewShell(ctx, conn, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = transport.Close()
	})
	return s
}

func TestShell_Execute(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	var transcript strings.Builder
	s := newFakeShell(t, ShellOptions{Transcript: &transcript})
	ctx := context.Background()

	code, out, err := s.Execute(ctx, "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello", out)

	code, out, err = s.Execute(ctx, "false", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Empty(t, out)

	assert.Contains(t, transcript.String(), "hello")
	require.NoError(t, s.Close())
}

func TestShell_MultipleCommandsStopAtFailure(t *testing.T) {
	s := newFakeShell(t, ShellOptions{})

	code, out, err := s.Execute(context.Background(), "echo first\nfalse\necho never", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "first")
	assert.NotContains(t, out, "never")
}

func TestShell_TimeoutInterrupts(t *testing.T) {
	s := newFakeShell(t, ShellOptions{})
	ctx := context.Background()

	code, out, err := s.Execute(ctx, "sleep 100", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, strings.HasPrefix(out, `Command: "sleep 100" timed out. Sent SIGINT to the process:`), out)

	// The session is usable again afterwards.
	code, out, err = s.Execute(ctx, "echo back", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "back", out)
}

func TestShell_ContextCancel(t *testing.T) {
	s := newFakeShell(t, ShellOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	code, _, err := s.Execute(ctx, "sleep 100", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, -1, code)
}

func TestShell_ClosedConnection(t *testing.T) {
	s := newFakeShell(t, ShellOptions{})
	require.NoError(t, s.Close())

	_, _, err := s.Execute(context.Background(), "echo late", time.Second)
	assert.Error(t, err)
}
