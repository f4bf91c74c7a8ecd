// internal/computer/computertest/computertest.go

// Package computertest provides an in-memory shell transport for tests that
// need a real computer without a container.
package computertest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// pipeConn is the shell side of an in-memory terminal.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) Close() error {
	_ = c.w.Close()
	return c.r.Close()
}

// Transport opens shells backed by Bash. It records every command line the
// shells receive.
type Transport struct {
	mu       sync.Mutex
	commands []string
	conns    []io.Closer
	closed   bool
}

// NewTransport returns an empty Transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Open starts a fake bash and returns the terminal connected to it.
func (t *Transport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	toBash, fromShell := io.Pipe()
	toShell, fromBash := io.Pipe()
	go Bash(toBash, fromBash, t.record)
	conn := &pipeConn{r: toShell, w: fromShell}
	t.conns = append(t.conns, conn)
	return conn, nil
}

// Stream records cmd and returns no output.
func (t *Transport) Stream(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	if stdin != nil {
		if _, err := io.Copy(io.Discard, stdin); err != nil {
			return nil, err
		}
	}
	t.record(cmd)
	return nil, nil
}

// Close closes every terminal opened so far.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var errs []error
	for _, c := range t.conns {
		errs = append(errs, c.Close())
	}
	t.conns = nil
	return errors.Join(errs...)
}

// Commands returns the command lines received so far, in order.
func (t *Transport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

func (t *Transport) record(cmd string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commands = append(t.commands, cmd)
}

var ps1Regex = regexp.MustCompile(`PS1='([^']*)''([^']*)'`)

// Bash understands just enough of bash to drive a shell session: it honours
// the PS1 export, echo, true, false and exit, and treats "sleep" as a command
// that only ends on Ctrl-C. Every other command succeeds silently. record, if
// set, sees each command line except the exit code queries.
func Bash(in io.Reader, out io.WriteCloser, record func(string)) {
	defer out.Close()
	r := bufio.NewReader(in)
	prompt := "$ "
	code := 0
	hanging := false
	var line []byte

	emit := func(s string) bool {
		_, err := io.WriteString(out, s)
		return err == nil
	}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		if b == 0x03 {
			if hanging {
				hanging = false
				code = 130
				if !emit("^C\n" + prompt) {
					return
				}
			}
			continue
		}
		if b != '\n' {
			line = append(line, b)
			continue
		}
		cmd := strings.TrimSpace(string(line))
		line = line[:0]
		if hanging {
			continue
		}
		if record != nil && cmd != "echo $?" && cmd != "" {
			record(cmd)
		}

		var reply string
		switch {
		case strings.Contains(cmd, "export PS1="):
			m := ps1Regex.FindStringSubmatch(cmd)
			prompt = m[1] + m[2]
			code = 0
		case cmd == "echo $?":
			reply = strconv.Itoa(code) + "\n"
		case cmd == "exit":
			return
		case strings.HasPrefix(cmd, "echo "):
			reply = strings.ReplaceAll(strings.TrimPrefix(cmd, "echo "), "'", "") + "\n"
			code = 0
		case cmd == "false":
			code = 1
		case strings.HasPrefix(cmd, "sleep"):
			hanging = true
			continue
		default:
			code = 0
		}
		if !emit(reply + prompt) {
			return
		}
	}
}
