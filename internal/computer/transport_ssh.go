// internal/computer/transport_ssh.go
package computer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/xkilldash9x/infant/internal/config"
)

// SSHTransport reaches the container through its SSH daemon.
type SSHTransport struct {
	logger *zap.Logger
	addr   string
	conf   *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport builds the client configuration. The connection itself is
// made lazily.
func NewSSHTransport(cfg config.ComputerConfig, logger *zap.Logger) (*SSHTransport, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh transport needs a password or a private key")
	}

	return &SSHTransport{
		logger: logger.Named("computer.ssh"),
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		conf: &ssh.ClientConfig{
			User: cfg.User,
			Auth: auth,
			// The container is created per session with a fresh host key.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         setupTimeout,
		},
	}, nil
}

func (t *SSHTransport) dial(ctx context.Context) (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr, t.conf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", t.addr, err)
	}
	t.client = ssh.NewClient(c, chans, reqs)
	t.logger.Info("Connected to computer", zap.String("addr", t.addr), zap.String("user", t.conf.User))
	return t.client, nil
}

type sshConn struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *sshConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }
func (c *sshConn) Close() error {
	_ = c.stdin.Close()
	return c.session.Close()
}

// Open requests a PTY and starts a login shell on it.
func (t *SSHTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	client, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 50, 250, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start remote shell: %w", err)
	}
	return &sshConn{session: session, stdin: stdin, stdout: stdout}, nil
}

// Stream runs cmd in its own session.
func (t *SSHTransport) Stream(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	client, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGINT)
		return out.Bytes(), ctx.Err()
	case err := <-done:
		if err != nil {
			return out.Bytes(), fmt.Errorf("remote command failed: %w", err)
		}
		return out.Bytes(), nil
	}
}

// Close drops the SSH connection.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
