// internal/agent/runner.go
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/grounding"
	"github.com/xkilldash9x/infant/internal/helpers"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/tools"
)

// perform executes a runnable memory and stores its observation. It returns
// bookkeeping memories to record after the action.
func (a *Agent) perform(ctx context.Context, m memory.Runnable) ([]memory.Memory, error) {
	log := a.logger.With(zap.String("phase", "execute"), zap.String("kind", string(m.Kind())), zap.Int("memory_index", a.history.Len()))

	switch v := m.(type) {
	case *memory.CmdRun:
		out, err := a.deps.Computer.RunCommand(ctx, v)
		return nil, a.observe(ctx, v, out, err, false, log)

	case *memory.BrowseURL:
		out, err := a.deps.Computer.Browse(ctx, v)
		return nil, a.observe(ctx, v, out, err, true, log)

	case *memory.IPythonRun:
		if v.SpecialType == memory.SpecialToolMaker && a.deps.ToolMaker != nil {
			out, err := a.deps.ToolMaker.Handle(ctx, v.Code)
			return nil, a.observe(ctx, v, out, err, false, log)
		}

		var extra []memory.Memory
		if v.SpecialType == memory.SpecialMouse && a.deps.Localizer != nil {
			outcome, err := a.deps.Localizer.Localize(ctx, v)
			switch {
			case errors.Is(err, grounding.ErrGroundingFailure):
				log.Warn("Grounding failed; the mouse action becomes a no-op.", zap.Error(err))
			case err != nil:
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Warn("Grounding errored; running the cell as written.", zap.Error(err))
			case outcome.Executed:
				return nil, nil
			case outcome.Point != nil:
				extra = append(extra, outcome.Point)
			}
		}

		out, err := a.deps.Computer.RunIPython(ctx, v)
		if err == nil && a.deps.LineDrift != nil && helpers.NeedsRepair(v.Code, out) {
			r, rerr := a.deps.LineDrift.Repair(ctx, v.Code, out)
			if rerr != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if rerr != nil {
				log.Warn("Line drift correction failed.", zap.Error(rerr))
			}
			if r.Attempts > 0 {
				log.Info("Line drift corrected edit.", zap.Bool("fixed", r.Fixed), zap.Int("attempts", r.Attempts))
				v.Code, out = r.Code, r.Result
			}
		}
		return extra, a.observe(ctx, v, out, err, v.SpecialType == memory.SpecialBrowser, log)
	}
	return nil, fmt.Errorf("unsupported runnable %s", m.Kind())
}

// observe commits the observation of an action. Failures other than
// cancellation become the observation so the model can react to them.
func (a *Agent) observe(ctx context.Context, m memory.Runnable, out string, err error, browser bool, log *zap.Logger) error {
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("Action failed.", zap.Error(err))
		out = computer.WithExitCode(1, "Error: "+err.Error())
	} else if browser {
		out = a.withDropdowns(ctx, out, log)
	}
	return computer.Commit(m, out)
}

// withDropdowns appends the options of any dropdown on the page.
func (a *Agent) withDropdowns(ctx context.Context, out string, log *zap.Logger) string {
	if a.deps.Dropdowns == nil {
		return out
	}
	if code, ok := computer.ExitCode(out); ok && code != 0 {
		return out
	}
	found, err := a.deps.Dropdowns.DetectDropdowns(ctx)
	if err != nil {
		log.Debug("Dropdown detection failed.", zap.Error(err))
		return out
	}
	if found == "" {
		return out
	}
	return out + "\n" + tools.DetectDropdown + "\n" + found
}
