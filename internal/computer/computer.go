// internal/computer/computer.go
package computer

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hpcloud/tail"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/infant/internal/config"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/pycall"
)

const (
	kernelScript       = "/tmp/infant_jupyter_temp.py"
	kernelInitScript   = "/tmp/infant_jupyter_init.py"
	kernelRestartCode  = "import IPython\nIPython.Application.instance().kernel.do_shutdown(True)"
	kernelRestartHint  = "Note: you may need to restart the kernel to use updated packages."
	kernelRestartOK    = "{'status': 'ok', 'restart': True}"
	kernelRestartedMsg = "[Kernel restarted successfully to load the package]"
	terminalTailLines  = 200
)

// Browser is the page automation used by the browser primitives. Every
// method that changes the page returns the text shown to the model, ending
// with a screenshot marker line.
type Browser interface {
	Open(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) (string, error)
	NewTab(ctx context.Context, url string) (string, error)
	SwitchTab(ctx context.Context, index int) (string, error)
	CloseTab(ctx context.Context) (string, error)
	Back(ctx context.Context) (string, error)
	Forward(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
	ExecuteJS(ctx context.Context, script string) (string, error)
	ClickElement(ctx context.Context, index int, kind ClickKind) (string, error)
	SelectDropdownOption(ctx context.Context, index, option int) (string, error)
	PageText(ctx context.Context) (string, error)
	AccessibilityTree(ctx context.Context) (string, error)
	Active() bool
	Close(ctx context.Context) error
}

// Facade is what the agent needs from the computer.
type Facade interface {
	Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error)
	RunCommand(ctx context.Context, m *memory.CmdRun) (string, error)
	RunIPython(ctx context.Context, m *memory.IPythonRun) (string, error)
	Browse(ctx context.Context, m *memory.BrowseURL) (string, error)
	CopyTo(ctx context.Context, hostSrc, dest string, recursive bool) error
	GetPID(ctx context.Context, command string) (int, error)
	GetAccessibilityTree(ctx context.Context) (string, error)
	GetTerminalOutput() (string, error)
	GetFile(ctx context.Context, p string) ([]byte, error)
	FileSystem() FileSystem
	Close() error
}

// Commit stores the observation of an executed action.
func Commit(m memory.Runnable, output string, images ...string) error {
	return memory.SetResult(m, output, images...)
}

// Computer is the agent's hands: a persistent shell in the desktop
// container, the file tools on the shared mount, the desktop and an
// optional browser.
type Computer struct {
	cfg        config.ComputerConfig
	logger     *zap.Logger
	transport  Transport
	shell      session
	fsys       FileSystem
	files      *FileTools
	desktop    *Desktop
	transcript io.Closer

	mu           sync.RWMutex
	primitives   map[string]PrimitiveFunc
	browser      Browser
	browserStart string
}

var _ Facade = (*Computer)(nil)

// session is the persistent shell the computer drives.
type session interface {
	Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error)
	Close() error
}

// New opens the shell session over transport and registers the built in
// primitives.
func New(ctx context.Context, cfg config.ComputerConfig, transport Transport, logger *zap.Logger) (*Computer, error) {
	fsys, err := NewFileSystem(cfg.Workspace, cfg.MountPath)
	if err != nil {
		return nil, err
	}
	c := &Computer{
		cfg:        cfg,
		logger:     logger.Named("computer"),
		transport:  transport,
		fsys:       fsys,
		primitives: make(map[string]PrimitiveFunc),
	}

	opts := ShellOptions{
		Timeout: cfg.Timeout,
		Setup: []string{
			"mkdir -p " + shellQuote(path.Join(fsys.Workspace, screenshotDir)),
			"cd " + shellQuote(fsys.Workspace),
		},
	}
	if cfg.Display != "" {
		opts.Setup = append(opts.Setup, "export DISPLAY="+shellQuote(cfg.Display))
	}
	if cfg.TranscriptPath != "" {
		lj := &lumberjack.Logger{Filename: cfg.TranscriptPath, MaxSize: 20, MaxBackups: 2}
		opts.Transcript = lj
		c.transcript = lj
	}

	conn, err := transport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open shell: %w", err)
	}
	sh, err := NewShell(ctx, conn, opts, logger)
	if err != nil {
		return nil, err
	}
	c.shell = sh

	var lint Linter
	if cfg.AutoLint {
		lint = c.lint
	}
	c.files = NewFileTools(fsys, lint)
	c.desktop = newDesktop(func(ctx context.Context, cmd string) (int, string, error) {
		return c.shell.Execute(ctx, cmd, 0)
	}, fsys, cfg.Display)
	if cfg.SettleDelay > 0 {
		c.desktop.settle = cfg.SettleDelay
	}
	c.registerBuiltins()

	c.logger.Info("Computer ready", zap.String("workspace", fsys.Workspace), zap.String("mount", fsys.Mount))
	return c, nil
}

// SetBrowser attaches page automation. startCommand, when set, launches the
// browser inside the container before the first connection.
func (c *Computer) SetBrowser(b Browser, startCommand string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browser = b
	c.browserStart = startCommand
}

// FileSystem returns the workspace mapping.
func (c *Computer) FileSystem() FileSystem { return c.fsys }

// Desktop returns the display driver.
func (c *Computer) Desktop() *Desktop { return c.desktop }

// Register adds or replaces a primitive callable from code cells.
func (c *Computer) Register(name string, fn PrimitiveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primitives[name] = fn
}

func (c *Computer) primitive(name string) (PrimitiveFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.primitives[name]
	return fn, ok
}

// Execute runs cmd in the persistent shell.
func (c *Computer) Execute(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	return c.shell.Execute(ctx, cmd, timeout)
}

// RunCommand runs a bash action and returns its observation.
func (c *Computer) RunCommand(ctx context.Context, m *memory.CmdRun) (string, error) {
	cmd := strings.TrimSpace(m.Command)
	if m.Background {
		logFile := fmt.Sprintf("/tmp/infant_bg_%s.log", uuid.NewString()[:8])
		code, _, err := c.shell.Execute(ctx, fmt.Sprintf("nohup bash -c %s > %s 2>&1 &", shellQuote(cmd), logFile), 0)
		if err != nil {
			return "", err
		}
		return WithExitCode(code, fmt.Sprintf("[Command started in the background. Output is written to %s]", logFile)), nil
	}

	code, out, err := c.shell.Execute(ctx, cmd, 0)
	if err != nil {
		return "", err
	}
	return WithExitCode(code, CollapsePip(cmd, out)), nil
}

// RunIPython runs a code cell. A cell made only of literal calls to
// registered primitives is dispatched directly. A cell that mixes such calls
// with other Python runs statement by statement: primitive statements here,
// runs of other statements in the kernel. Anything else goes to the kernel.
func (c *Computer) RunIPython(ctx context.Context, m *memory.IPythonRun) (string, error) {
	prog, err := pycall.Parse(ctx, m.Code)
	if err != nil {
		return "", err
	}
	if prog.Pure && c.allRegistered(prog.Calls) {
		code, out, err := c.dispatch(ctx, prog.Calls)
		if err != nil {
			return "", err
		}
		return WithExitCode(code, out), nil
	}
	if prog.HasErrors {
		return c.runKernel(ctx, m)
	}
	segments, err := c.segment(ctx, m.Code, prog)
	if err != nil {
		var nested *NestedPrimitiveError
		if errors.As(err, &nested) {
			return WithExitCode(1, "Error: "+nested.Error()), nil
		}
		return "", err
	}
	if len(segments) == 0 || (len(segments) == 1 && !segments[0].primitive) {
		return c.runKernel(ctx, m)
	}
	return c.runSegments(ctx, m, segments)
}

// NestedPrimitiveError reports a primitive used inside an expression, an
// assignment or a block. Primitives are not Python functions in the kernel.
type NestedPrimitiveError struct {
	Name string
}

func (e *NestedPrimitiveError) Error() string {
	return fmt.Sprintf("%s() must be called as a statement of its own with literal arguments; "+
		"it cannot be assigned, passed to other code or called inside a loop, condition or function. "+
		"Split the cell so that every %s() call stands alone.", e.Name, e.Name)
}

// cellSegment is a run of consecutive statements executed the same way.
type cellSegment struct {
	primitive bool
	calls     []pycall.Call
	start     int
	end       int
}

// segment groups the top-level statements of a cell. A primitive referenced
// anywhere but as a bare literal call statement is a NestedPrimitiveError.
func (c *Computer) segment(ctx context.Context, code string, prog *pycall.Program) ([]cellSegment, error) {
	names := c.primitiveNames()
	var segments []cellSegment
	for _, st := range prog.Statements {
		if st.Call != nil {
			if _, ok := c.primitive(st.Call.Name); ok {
				if !st.Call.Literal {
					return nil, &NestedPrimitiveError{Name: st.Call.Name}
				}
				if n := len(segments); n > 0 && segments[n-1].primitive {
					segments[n-1].calls = append(segments[n-1].calls, *st.Call)
					segments[n-1].end = st.End
				} else {
					segments = append(segments, cellSegment{primitive: true, calls: []pycall.Call{*st.Call}, start: st.Start, end: st.End})
				}
				continue
			}
		}
		refs, err := pycall.FindCalls(ctx, code[st.Start:st.End], names...)
		if err != nil {
			return nil, err
		}
		if len(refs) > 0 {
			return nil, &NestedPrimitiveError{Name: refs[0].Name}
		}
		if n := len(segments); n > 0 && !segments[n-1].primitive {
			segments[n-1].end = st.End
		} else {
			segments = append(segments, cellSegment{start: st.Start, end: st.End})
		}
	}
	return segments, nil
}

// runSegments runs the segments in order and stops at the first failure.
func (c *Computer) runSegments(ctx context.Context, m *memory.IPythonRun, segments []cellSegment) (string, error) {
	var outputs []string
	exit := 0
	for _, seg := range segments {
		var out string
		if seg.primitive {
			code, text, err := c.dispatch(ctx, seg.calls)
			if err != nil {
				return "", err
			}
			exit, out = code, text
		} else {
			result, err := c.runKernel(ctx, &memory.IPythonRun{Code: m.Code[seg.start:seg.end], KernelInitCode: m.KernelInitCode})
			if err != nil {
				return "", err
			}
			if code, ok := ExitCode(result); ok {
				exit = code
			}
			out = StripExitCode(result)
			if strings.Contains(out, "Traceback (most recent call last)") && exit == 0 {
				exit = 1
			}
		}
		if out != "" {
			outputs = append(outputs, out)
		}
		if exit != 0 {
			break
		}
	}
	return WithExitCode(exit, strings.Join(outputs, "\n")), nil
}

func (c *Computer) primitiveNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.primitives))
	for name := range c.primitives {
		names = append(names, name)
	}
	return names
}

func (c *Computer) allRegistered(calls []pycall.Call) bool {
	for _, call := range calls {
		if _, ok := c.primitive(call.Name); !ok {
			return false
		}
	}
	return true
}

// dispatch runs the calls in order. A failing call ends the cell the way an
// uncaught exception would.
func (c *Computer) dispatch(ctx context.Context, calls []pycall.Call) (int, string, error) {
	var outputs []string
	for _, call := range calls {
		fn, _ := c.primitive(call.Name)
		c.logger.Debug("Dispatching primitive", zap.String("name", call.Name))
		out, err := fn(ctx, call)
		switch {
		case err == nil:
			outputs = append(outputs, out)
		case errors.Is(err, ErrEditMismatch):
			outputs = append(outputs, out)
		case ctx.Err() != nil:
			return -1, strings.Join(outputs, "\n"), ctx.Err()
		default:
			if out != "" {
				outputs = append(outputs, out)
			}
			outputs = append(outputs, fmt.Sprintf("Error: %s() failed: %v", call.Name, err))
			return 1, strings.Join(outputs, "\n"), nil
		}
	}
	return 0, strings.Join(outputs, "\n"), nil
}

func (c *Computer) runKernel(ctx context.Context, m *memory.IPythonRun) (string, error) {
	exit, out, err := c.kernel(ctx, kernelScript, m.Code)
	if err != nil {
		return "", err
	}
	if !strings.Contains(m.Code, "pip install") || !strings.Contains(out, "Successfully installed") {
		return WithExitCode(exit, out), nil
	}

	c.logger.Info("Package installed")
	if !strings.Contains(out, kernelRestartHint) {
		return WithExitCode(exit, out), nil
	}
	out = "[" + PipInstalled + "]"
	_, restartOut, err := c.kernel(ctx, kernelScript, kernelRestartCode)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(restartOut) != kernelRestartOK {
		c.logger.Warn("Kernel restart failed", zap.String("output", restartOut))
		return WithExitCode(exit, out+"\n[But failed to restart the kernel to load the package]"), nil
	}
	out += "\n" + kernelRestartedMsg
	if init := strings.TrimSpace(m.KernelInitCode); init != "" {
		c.logger.Info("Replaying kernel init code")
		if _, _, err := c.kernel(ctx, kernelInitScript, init); err != nil {
			return "", err
		}
	}
	return WithExitCode(exit, out), nil
}

// kernel stages code in script with a quoted heredoc and pipes it through the
// kernel CLI.
func (c *Computer) kernel(ctx context.Context, script, code string) (int, string, error) {
	write := fmt.Sprintf("cat > %s <<'EOL'\n%s\nEOL", script, strings.TrimRight(code, "\n"))
	if _, _, err := c.shell.Execute(ctx, write, 0); err != nil {
		return -1, "", err
	}
	cli := c.cfg.KernelCLI
	if cli == "" {
		cli = "execute_cli"
	}
	return c.shell.Execute(ctx, fmt.Sprintf("cat %s | %s", script, cli), 0)
}

// Browse navigates the browser to the action's URL, launching it first when
// needed.
func (c *Computer) Browse(ctx context.Context, m *memory.BrowseURL) (string, error) {
	b, err := c.activeBrowser(ctx)
	if err != nil {
		return "", err
	}
	out, err := b.Navigate(ctx, m.URL)
	if err != nil {
		return "", err
	}
	return WithExitCode(0, out), nil
}

var errNoBrowser = errors.New("no browser configured")

// activeBrowser returns the browser, starting and connecting it if needed.
func (c *Computer) activeBrowser(ctx context.Context) (Browser, error) {
	c.mu.RLock()
	b, start := c.browser, c.browserStart
	c.mu.RUnlock()
	if b == nil {
		return nil, errNoBrowser
	}
	if b.Active() {
		return b, nil
	}
	if _, err := c.openBrowser(ctx, b, start); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Computer) openBrowser(ctx context.Context, b Browser, start string) (string, error) {
	if start != "" {
		cmd := fmt.Sprintf("nohup %s > /tmp/infant_browser.log 2>&1 &", start)
		if _, _, err := c.shell.Execute(ctx, cmd, 0); err != nil {
			return "", err
		}
	}
	return b.Open(ctx)
}

// CopyTo copies a host file or directory into the container at dest.
func (c *Computer) CopyTo(ctx context.Context, hostSrc, dest string, recursive bool) error {
	info, err := os.Stat(hostSrc)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", hostSrc, err)
	}
	if info.IsDir() && !recursive {
		return fmt.Errorf("%s is a directory; recursive copy required", hostSrc)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	base := filepath.Dir(hostSrc)
	err = filepath.WalkDir(hostSrc, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", hostSrc, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}

	dest = c.fsys.ContainerPath(dest)
	cmd := fmt.Sprintf("mkdir -p %s && tar -x -C %s", shellQuote(dest), shellQuote(dest))
	if out, err := c.transport.Stream(ctx, cmd, &buf); err != nil {
		return &ExecutionError{Op: "copy", Command: cmd, Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

// GetPID returns the PID of the first process whose command line contains
// command, or -1.
func (c *Computer) GetPID(ctx context.Context, command string) (int, error) {
	out, err := c.transport.Stream(ctx, "ps aux", nil)
	if err != nil {
		return -1, &ExecutionError{Op: "pid", Command: "ps aux", Err: err}
	}
	return findPID(string(out), command), nil
}

func findPID(psOutput, command string) int {
	for _, line := range strings.Split(psOutput, "\n") {
		if !strings.Contains(line, command) || strings.Contains(line, "ps aux") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if pid, err := strconv.Atoi(fields[1]); err == nil {
			return pid
		}
	}
	return -1
}

// GetAccessibilityTree returns the accessibility tree of the active page.
func (c *Computer) GetAccessibilityTree(ctx context.Context) (string, error) {
	c.mu.RLock()
	b := c.browser
	c.mu.RUnlock()
	if b == nil || !b.Active() {
		return "", errNoBrowser
	}
	return b.AccessibilityTree(ctx)
}

// GetTerminalOutput returns the tail of the shell transcript.
func (c *Computer) GetTerminalOutput() (string, error) {
	if c.cfg.TranscriptPath == "" {
		return "", errors.New("no transcript configured")
	}
	return tailLines(c.cfg.TranscriptPath, terminalTailLines)
}

// tailLines reads the last n lines of a file without following it.
func tailLines(file string, n int) (string, error) {
	t, err := tail.TailFile(file, tail.Config{
		Follow:    false,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", file, err)
	}
	defer t.Cleanup()

	ring := make([]string, 0, n)
	for line := range t.Lines {
		if line.Err != nil {
			return "", line.Err
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, StripANSI(strings.TrimRight(line.Text, "\r")))
	}
	return strings.Join(ring, "\n"), nil
}

// GetFile reads a container file. Files under the workspace are read from
// the mount.
func (c *Computer) GetFile(ctx context.Context, p string) ([]byte, error) {
	if host, err := c.fsys.HostPath(p); err == nil {
		return os.ReadFile(host)
	}
	cp := c.fsys.ContainerPath(p)
	out, err := c.transport.Stream(ctx, "base64 -w0 "+shellQuote(cp), nil)
	if err != nil {
		return nil, &ExecutionError{Op: "get_file", Command: cp, Err: err}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(out)))
}

// lint runs the configured linter inside the container.
func (c *Computer) lint(ctx context.Context, containerPath string) (string, error) {
	code, out, err := c.shell.Execute(ctx, LintCommand+" "+shellQuote(containerPath), 0)
	if err != nil {
		return "", err
	}
	if code == 0 {
		return "", nil
	}
	return out, nil
}

// Close ends the browser, the shell and the transport.
func (c *Computer) Close() error {
	var errs []error
	c.mu.RLock()
	b := c.browser
	c.mu.RUnlock()
	if b != nil && b.Active() {
		ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
		errs = append(errs, b.Close(ctx))
		cancel()
	}
	if c.shell != nil {
		errs = append(errs, c.shell.Close())
	}
	errs = append(errs, c.transport.Close())
	if c.transcript != nil {
		errs = append(errs, c.transcript.Close())
	}
	return errors.Join(errs...)
}
