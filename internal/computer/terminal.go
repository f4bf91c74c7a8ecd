// internal/computer/terminal.go
package computer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCommandTimeout = 120 * time.Second
	exitCodeTimeout       = 10 * time.Second
	interruptTimeout      = 5 * time.Second
	setupTimeout          = 30 * time.Second
	defaultREPLGrace      = 2 * time.Second
)

var errPromptTimeout = errors.New("timed out waiting for shell prompt")

// replPrompts are interactive programs that would otherwise hold the shell
// until the command timeout. Each is left with its exit keystrokes once the
// output has been idle for the grace period.
var replPrompts = []struct {
	name string
	re   *regexp.Regexp
	exit string
}{
	{"python", regexp.MustCompile(`(?:^|\n)>>> ?$`), "exit()\n"},
	{"pdb", regexp.MustCompile(`\(Pdb\) ?$`), "q\n"},
	{"ipython", regexp.MustCompile(`In \[\d+\]: ?$`), "exit\n"},
	{"pager", regexp.MustCompile(`(?:\(END\)|(?:^|\n):)\s*$`), "q"},
}

var pythonShellRegex = regexp.MustCompile(`^\s*(?:python3?|ipython3?)\s*$`)

// ShellOptions configures a Shell session.
type ShellOptions struct {
	// Timeout is the default per-command timeout.
	Timeout time.Duration
	// REPLGrace is how long an interactive prompt must stay idle before it is exited.
	REPLGrace time.Duration
	// Transcript receives a copy of everything the shell prints.
	Transcript io.Writer
	// Setup lines run once after the prompt is installed.
	Setup []string
}

// Shell drives one long-lived interactive shell over a PTY byte stream. It
// installs a unique prompt string and uses it to find the end of each command.
type Shell struct {
	logger     *zap.Logger
	conn       io.ReadWriteCloser
	transcript io.Writer
	prompt     string
	timeout    time.Duration
	replGrace  time.Duration

	execMu sync.Mutex

	mu      sync.Mutex
	buf     []byte
	readErr error
	notify  chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

// NewShell takes ownership of conn, installs the prompt and runs the setup
// lines. conn is closed if setup fails.
func NewShell(ctx context.Context, conn io.ReadWriteCloser, opts ShellOptions, logger *zap.Logger) (*Shell, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCommandTimeout
	}
	if opts.REPLGrace <= 0 {
		opts.REPLGrace = defaultREPLGrace
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	s := &Shell{
		logger:     logger.Named("computer.shell"),
		conn:       conn,
		transcript: opts.Transcript,
		prompt:     fmt.Sprintf("[INFANT-%s]$ ", id),
		timeout:    opts.Timeout,
		replGrace:  opts.REPLGrace,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go s.readLoop()

	if err := s.setup(ctx, id, opts.Setup); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Shell) setup(ctx context.Context, id string, lines []string) error {
	// The quotes split the marker so an echoed command never matches it.
	install := fmt.Sprintf("stty -echo; export PS1='[INFANT-''%s]$ '; export PS2=''; unset PROMPT_COMMAND\n", id)
	if err := s.send(install); err != nil {
		return &ExecutionError{Op: "setup", Err: err}
	}
	if _, err := s.waitFor(ctx, setupTimeout); err != nil {
		return &ExecutionError{Op: "setup", Err: err}
	}

	base := []string{
		"bind 'set enable-bracketed-paste off' 2>/dev/null",
		"export PYTHONIOENCODING=utf-8",
	}
	for _, line := range append(base, lines...) {
		code, out, err := s.Execute(ctx, line, setupTimeout)
		if err != nil {
			return err
		}
		if code != 0 {
			s.logger.Warn("Shell setup line failed", zap.String("line", line), zap.Int("exit_code", code), zap.String("output", out))
		}
	}
	s.logger.Debug("Shell session ready")
	return nil
}

func (s *Shell) readLoop() {
	defer close(s.done)
	chunk := make([]byte, 4096)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			if s.transcript != nil {
				_, _ = s.transcript.Write(chunk[:n])
			}
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
			s.signal()
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.signal()
			return
		}
	}
}

func (s *Shell) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Shell) send(text string) error {
	_, err := io.WriteString(s.conn, text)
	return err
}

// waitFor blocks until the prompt appears and returns the output before it.
// On timeout or cancellation the buffered output is left in place.
func (s *Shell) waitFor(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	idle := time.NewTimer(s.replGrace)
	defer idle.Stop()

	marker := []byte(s.prompt)
	for {
		s.mu.Lock()
		if i := bytes.Index(s.buf, marker); i >= 0 {
			out := string(s.buf[:i])
			s.buf = append([]byte(nil), s.buf[i+len(marker):]...)
			s.mu.Unlock()
			return out, nil
		}
		readErr := s.readErr
		s.mu.Unlock()
		if readErr != nil {
			return "", fmt.Errorf("%w: %v", ErrClosed, readErr)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", errPromptTimeout
		case <-s.notify:
			idle.Reset(s.replGrace)
		case <-idle.C:
			s.exitREPL()
			idle.Reset(s.replGrace)
		}
	}
}

// exitREPL sends the exit keystrokes when the output ends in a known
// interactive prompt.
func (s *Shell) exitREPL() {
	s.mu.Lock()
	tail := s.buf
	if len(tail) > 256 {
		tail = tail[len(tail)-256:]
	}
	text := strings.ReplaceAll(string(tail), "\r", "")
	s.mu.Unlock()

	for _, p := range replPrompts {
		if p.re.MatchString(text) {
			s.logger.Info("Exiting interactive prompt", zap.String("kind", p.name))
			if err := s.send(p.exit); err != nil {
				s.logger.Warn("Failed to exit interactive prompt", zap.Error(err))
			}
			return
		}
	}
}

// takeBuffered returns and clears the pending output.
func (s *Shell) takeBuffered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := string(s.buf)
	s.buf = nil
	return out
}

// Execute runs cmd and returns its exit code and cleaned output. Multi-line
// input is split into commands that run in order until one exits nonzero. A
// command that outlives timeout is interrupted with Ctrl-C and reported with
// exit code -1.
func (s *Shell) Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}
	cmds := SplitCommands(cmd)
	switch len(cmds) {
	case 0:
		return 0, "", nil
	case 1:
		s.execMu.Lock()
		defer s.execMu.Unlock()
		return s.run(ctx, cmds[0], timeout)
	}

	var outputs []string
	for _, c := range cmds {
		code, out, err := s.Execute(ctx, c, timeout)
		outputs = append(outputs, out)
		if err != nil || code != 0 {
			return code, strings.Join(outputs, "\n"), err
		}
	}
	return 0, strings.Join(outputs, "\n"), nil
}

func (s *Shell) run(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	s.logger.Debug("Executing command", zap.String("command", cmd))
	if err := s.send(cmd + "\n"); err != nil {
		return -1, "", &ExecutionError{Op: "execute", Command: cmd, Err: err}
	}

	raw, err := s.waitFor(ctx, timeout)
	if err != nil {
		return s.fail(ctx, cmd, "", err)
	}
	out := CleanOutput(cmd, raw)

	if err := s.send("echo $?\n"); err != nil {
		return -1, out, &ExecutionError{Op: "execute", Command: cmd, Err: err}
	}
	rawCode, err := s.waitFor(ctx, exitCodeTimeout)
	if err != nil {
		return s.fail(ctx, cmd, out, err)
	}
	codeText := CleanOutput("echo $?", rawCode)
	code, convErr := strconv.Atoi(strings.TrimSpace(codeText))
	if convErr != nil {
		s.logger.Error("Invalid exit code", zap.String("command", cmd), zap.String("raw", codeText))
		code = -1
	}
	s.logger.Debug("Command completed", zap.Int("exit_code", code))
	return code, out, nil
}

// fail handles a prompt wait that did not complete.
func (s *Shell) fail(ctx context.Context, cmd, prev string, err error) (int, string, error) {
	switch {
	case errors.Is(err, errPromptTimeout):
		code, out := s.interrupt(cmd, prev)
		return code, out, nil
	case ctx.Err() != nil:
		s.interrupt(cmd, prev)
		return -1, prev, ctx.Err()
	default:
		return -1, prev, &ExecutionError{Op: "execute", Command: cmd, Err: err}
	}
}

// interrupt sends Ctrl-C through the PTY and resynchronizes with the prompt.
func (s *Shell) interrupt(cmd, prev string) (int, string) {
	s.logger.Warn("Command timed out, sending SIGINT", zap.String("command", cmd))
	if pythonShellRegex.MatchString(cmd) || strings.Contains(cmd, "shell") {
		_ = s.send("quit()\n")
	}
	if err := s.send("\x03"); err != nil {
		s.logger.Error("Failed to send SIGINT", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	partial, err := s.waitFor(ctx, interruptTimeout)
	if err != nil {
		partial = s.takeBuffered()
	}
	s.resync(ctx)

	out := prev
	if rest := CleanOutput(cmd, partial); rest != "" {
		if out != "" {
			out += "\n"
		}
		out += rest
	}
	return -1, fmt.Sprintf("Command: %q timed out. Sent SIGINT to the process: %s", cmd, out)
}

// resync discards stale prompts left behind by an interrupted program.
func (s *Shell) resync(ctx context.Context) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if err := s.send(fmt.Sprintf("echo '__SYNC_''%s__'\n", id)); err != nil {
		return
	}
	token := "__SYNC_" + id + "__"
	for {
		out, err := s.waitFor(ctx, interruptTimeout)
		if err != nil {
			s.logger.Warn("Shell resync failed", zap.Error(err))
			s.takeBuffered()
			return
		}
		if strings.Contains(out, token) {
			return
		}
	}
}

// Close ends the shell session.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.send("exit\n")
		err = s.conn.Close()
		select {
		case <-s.done:
		case <-time.After(interruptTimeout):
			s.logger.Warn("Shell reader did not stop after close")
		}
	})
	return err
}
