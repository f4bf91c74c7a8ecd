// internal/computer/transport_exec.go
package computer

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

// ExecTransport reaches the container through "docker exec" on a local PTY.
type ExecTransport struct {
	logger    *zap.Logger
	container string
	user      string
	workdir   string
	// binary is the container CLI, "docker" unless overridden in tests.
	binary string
}

// NewExecTransport creates a transport for cfg.ContainerName.
func NewExecTransport(cfg config.ComputerConfig, logger *zap.Logger) *ExecTransport {
	return &ExecTransport{
		logger:    logger.Named("computer.exec"),
		container: cfg.ContainerName,
		user:      cfg.User,
		workdir:   cfg.Workspace,
		binary:    "docker",
	}
}

func (t *ExecTransport) args(interactive bool, cmd ...string) []string {
	args := []string{"exec"}
	if interactive {
		args = append(args, "-it")
	} else {
		args = append(args, "-i")
	}
	if t.user != "" {
		args = append(args, "-u", t.user)
	}
	if t.workdir != "" {
		args = append(args, "-w", t.workdir)
	}
	args = append(args, t.container)
	return append(args, cmd...)
}

type ptyConn struct {
	f    *os.File
	cmd  *exec.Cmd
	once sync.Once
}

func (c *ptyConn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *ptyConn) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *ptyConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.f.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.cmd.Wait()
	})
	return err
}

// Open starts an interactive bash inside the container.
func (t *ExecTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	cmd := exec.Command(t.binary, t.args(true, "bash", "--norc", "--noprofile", "-i")...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 250})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s exec on a pty: %w", t.binary, err)
	}
	t.logger.Info("Attached to container", zap.String("container", t.container))
	return &ptyConn{f: f, cmd: cmd}, nil
}

// Stream runs cmd with stdin attached and no PTY.
func (t *ExecTransport) Stream(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	c := exec.CommandContext(ctx, t.binary, t.args(false, "bash", "-c", cmd)...)
	c.Stdin = stdin
	out, err := c.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s exec failed: %w", t.binary, err)
	}
	return out, nil
}

// Close is a no-op; each Open owns its process.
func (t *ExecTransport) Close() error { return nil }
