// internal/helpers/linedrift.go
package helpers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/parser"
	"github.com/xkilldash9x/infant/internal/tools"
)

const defaultLineDriftAttempts = 3

// Executor runs code cells on the computer.
type Executor interface {
	RunIPython(ctx context.Context, m *memory.IPythonRun) (string, error)
}

// Repair is the outcome of a line drift correction.
type Repair struct {
	Code   string
	Result string
	// Fixed is false when every proposal still missed its anchors. Code and
	// Result then hold the last attempt.
	Fixed bool
	// Attempts counts the proposals that were executed.
	Attempts int
}

// LineDrift asks the file edit model to fix edit_file calls whose line
// numbers no longer match the file.
type LineDrift struct {
	gateway  llmclient.Gateway
	exec     Executor
	attempts int
	logger   *zap.Logger
}

// NewLineDrift returns a corrector that tries at most attempts proposals.
func NewLineDrift(gateway llmclient.Gateway, exec Executor, attempts int, logger *zap.Logger) *LineDrift {
	if attempts <= 0 {
		attempts = defaultLineDriftAttempts
	}
	return &LineDrift{gateway: gateway, exec: exec, attempts: attempts, logger: logger.Named("line_drift")}
}

// NeedsRepair reports whether result is an edit refused for mismatched anchors.
func NeedsRepair(code, result string) bool {
	return strings.Contains(code, "edit_file") && strings.Contains(result, computer.EditMismatchMarker)
}

// Repair runs the correction conversation for code, which produced result.
// Each proposal is executed; the first one that edits cleanly wins.
func (d *LineDrift) Repair(ctx context.Context, code, result string) (Repair, error) {
	msgs := []llmclient.Message{
		llmclient.TextMessage(llmclient.RoleUser, tools.LineDrift(code, result)),
	}
	last := Repair{Code: code, Result: result}
	for i := 1; i <= d.attempts; i++ {
		resp, err := d.gateway.Completion(ctx, msgs, []string{"</execute_ipython>"})
		if err != nil {
			return last, fmt.Errorf("line drift round %d: %w", i, err)
		}
		msgs = append(msgs, llmclient.TextMessage(llmclient.RoleAssistant, resp.Text))

		m, err := parser.Parse(resp.Text)
		proposal, ok := m.(*memory.IPythonRun)
		if err != nil || !ok {
			d.logger.Info("Correction did not contain code.", zap.Int("round", i))
			msgs = append(msgs, llmclient.TextMessage(llmclient.RoleUser, "Please put the corrected command in the <execute_ipython>...</execute_ipython> tag."))
			continue
		}

		out, err := d.exec.RunIPython(ctx, &memory.IPythonRun{Code: proposal.Code})
		if err != nil {
			return last, err
		}
		last = Repair{Code: proposal.Code, Result: out, Attempts: last.Attempts + 1}
		d.logger.Info("Executed corrected edit.", zap.Int("round", i))
		if !strings.Contains(out, computer.EditMismatchMarker) {
			last.Fixed = true
			return last, nil
		}
		msgs = append(msgs, llmclient.TextMessage(llmclient.RoleUser, out))
	}
	d.logger.Warn("Line drift correction gave up.", zap.Int("attempts", d.attempts))
	return last, nil
}
