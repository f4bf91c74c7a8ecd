// internal/agent/review.go
package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/parser"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/tools"
	"github.com/xkilldash9x/infant/internal/workspace"
)

// review runs the optional critic and summary for the task that just
// finished and snapshots the workspace.
func (a *Agent) review(ctx context.Context) error {
	succeeded := true
	reason := ""
	if a.cfg.Critic {
		c, err := a.critic(ctx)
		if err != nil {
			return err
		}
		succeeded, reason = c.CriticResult, c.Reason
	}

	var change workspace.Change
	if a.cfg.GitSnapshot && a.deps.Snapshots != nil {
		var err error
		if change, err = a.deps.Snapshots.Commit(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("Workspace snapshot failed.", zap.String("phase", "review"), zap.Error(err))
		}
	}

	if a.cfg.Summarize {
		if err := a.summarize(ctx, succeeded, reason, change.Condensed()); err != nil {
			return err
		}
	} else if !succeeded {
		if err := a.append(&memory.Summarize{
			Envelope: memory.Envelope{Source: memory.SourceAssistant},
			Summary:  map[string]string{memory.SummaryReason: reason},
		}, "review"); err != nil {
			return err
		}
	}

	if !succeeded && !change.Empty() {
		if err := a.deps.Snapshots.Discard(ctx, change); err != nil {
			a.logger.Warn("Failed to discard rejected snapshot.", zap.Error(err))
		}
	}
	return nil
}

// reviewPrompt renders the finished task's conversation under system and
// closes it with tail.
func (a *Agent) reviewPrompt(system, tail string) []llmclient.Message {
	msgs := retrieval.Render(a.history.Snapshot(), retrieval.Execution, retrieval.Options{
		Catalog: a.catalog,
		Tail:    tail,
		Images:  a.deps.Images,
		Logger:  a.logger,
	})
	if len(msgs) > 0 && msgs[0].Role == llmclient.RoleSystem {
		msgs[0] = llmclient.TextMessage(llmclient.RoleSystem, system)
	}
	return msgs
}

// critic judges whether the last task reached its target.
func (a *Agent) critic(ctx context.Context) (*memory.Critic, error) {
	var task, target string
	if m, _ := a.history.LastOfKind(memory.KindTask); m != nil {
		t := m.(*memory.Task)
		task, target = t.Task, t.Target
	}
	resp, err := a.complete(ctx, "critic", a.reviewPrompt(tools.CriticSystem, tools.CriticTask(task, target)), nil)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text)
	c := &memory.Critic{
		Envelope:     memory.Envelope{Source: memory.SourceAssistant},
		CriticResult: strings.Contains(text, tools.CriticSuccessMarker),
	}
	if !c.CriticResult {
		c.Reason = text
	}
	a.logger.Info("Critic verdict.", zap.Bool("achieved", c.CriticResult))
	return c, a.append(c, "critic")
}

// summarize records the key steps of the last task together with its diff.
func (a *Agent) summarize(ctx context.Context, succeeded bool, reason, diff string) error {
	resp, err := a.complete(ctx, "summarize", a.reviewPrompt(tools.SummarySystem, tools.SummaryRequest(succeeded, diff)), []string{"</key_steps>"})
	if err != nil {
		return err
	}
	s, ok := parseSummary(resp.Text)
	if !ok {
		s = &memory.Summarize{Summary: map[string]string{memory.SummaryKeySteps: strings.TrimSpace(resp.Text)}}
	}
	s.Source = memory.SourceAssistant
	s.Summary[memory.SummaryGitDiff] = diff
	if reason != "" {
		s.Summary[memory.SummaryReason] = reason
	}
	return a.append(s, "summarize")
}

func parseSummary(reply string) (*memory.Summarize, bool) {
	m, err := parser.Parse(reply)
	if err != nil {
		return nil, false
	}
	s, ok := m.(*memory.Summarize)
	if !ok {
		return nil, false
	}
	if s.Summary == nil {
		s.Summary = map[string]string{}
	}
	return s, true
}
