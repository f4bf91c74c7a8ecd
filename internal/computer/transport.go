// internal/computer/transport.go
package computer

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/config"
)

// Transport opens byte streams into the container.
type Transport interface {
	// Open starts a long-lived interactive shell on a PTY.
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	// Stream runs cmd without a PTY, feeding stdin, and returns the combined output.
	Stream(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error)
	Close() error
}

// NewTransport selects the transport named by cfg.Transport.
func NewTransport(cfg config.ComputerConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Transport {
	case "", "ssh":
		return NewSSHTransport(cfg, logger)
	case "exec":
		return NewExecTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported computer transport: %q", cfg.Transport)
	}
}
