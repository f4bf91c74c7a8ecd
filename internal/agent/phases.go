// internal/agent/phases.go
package agent

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/parser"
	"github.com/xkilldash9x/infant/internal/retrieval"
	"github.com/xkilldash9x/infant/internal/tools"
)

var (
	planStops     = []string{"</task>", "</finish>"}
	classifyStops = []string{"</clf_task>"}
)

// Step runs plan, classify and execute rounds until the planner finishes
// the request or hands it back to the user.
func (a *Agent) Step(ctx context.Context) error {
	if a.cfg.ParseRequest {
		if err := a.parseRequest(ctx); err != nil {
			return err
		}
	}
	for {
		stop, err := a.plan(ctx)
		if err != nil {
			return err
		}
		if stop != "" {
			a.state.Set(stop)
			return nil
		}
		if err := a.classify(ctx); err != nil {
			return err
		}
		if err := a.execute(ctx); err != nil {
			return err
		}
		if err := a.review(ctx); err != nil {
			return err
		}
	}
}

// complete is the single path to the main model. It holds while paused and
// enforces the budget on both sides of the call.
func (a *Agent) complete(ctx context.Context, phase string, msgs []llmclient.Message, stop []string) (llmclient.Completion, error) {
	if _, err := a.state.Wait(ctx, func(s State) bool { return s != StatePaused }); err != nil {
		return llmclient.Completion{}, err
	}
	if err := a.checkBudget(); err != nil {
		return llmclient.Completion{}, err
	}
	resp, err := a.deps.Gateway.Completion(ctx, msgs, stop)
	if err != nil {
		return resp, err
	}
	if err := a.checkBudget(); err != nil {
		return llmclient.Completion{}, err
	}
	a.recordExtra(resp.Extra, phase)
	return resp, nil
}

// recordExtra keeps reviewer corrections from feedback mode in the history
// where the grammar allows a message.
func (a *Agent) recordExtra(extra []llmclient.Message, phase string) {
	for _, m := range extra {
		source := memory.SourceUser
		if m.Role == llmclient.RoleAssistant {
			source = memory.SourceAssistant
		}
		if _, err := a.history.Append(&memory.Message{Envelope: memory.Envelope{Source: source}, Thought: m.Text()}); err != nil {
			a.logger.Debug("Reviewer turn not recorded.", zap.String("phase", phase), zap.Error(err))
		}
	}
}

func (a *Agent) append(m memory.Memory, phase string) error {
	idx, err := a.history.Append(m)
	if err != nil {
		a.logger.Error("History rejected memory.", zap.String("phase", phase), zap.Int("memory_index", a.history.Len()), zap.Error(err))
		return err
	}
	a.logger.Debug("Recorded memory.", zap.String("phase", phase), zap.Int("memory_index", idx), zap.String("kind", string(m.Kind())))
	return nil
}

func (a *Agent) nudge(text, phase string) error {
	return a.append(&memory.Message{Envelope: memory.Envelope{Source: memory.SourceUser}, Thought: text}, phase)
}

func (a *Agent) render(phase retrieval.Phase, cmdSet []string) []llmclient.Message {
	return retrieval.Render(a.history.Snapshot(), phase, retrieval.Options{
		Catalog:         a.catalog,
		AvoidRepetition: a.avoidRepetition.Load(),
		CmdSet:          cmdSet,
		Images:          a.deps.Images,
		Logger:          a.logger,
	})
}

// parseRequest extracts mandatory standards from a fresh user request.
func (a *Agent) parseRequest(ctx context.Context) error {
	req, ok := a.history.Last().(*memory.UserRequest)
	if !ok || req.MandatoryStandards != "" {
		return nil
	}
	msgs := []llmclient.Message{
		llmclient.ImageMessage(llmclient.RoleUser, tools.MandatoryStandards(req.Text), req.Images...),
	}
	resp, err := a.complete(ctx, "parse_request", msgs, []string{"</mandatory_standards>"})
	if err != nil {
		return err
	}
	m, err := parser.Parse(resp.Text)
	if err != nil {
		return nil
	}
	if amended, ok := m.(*memory.UserRequest); ok {
		standards := strings.TrimSpace(amended.MandatoryStandards)
		if standards != "" && !strings.EqualFold(standards, "none") {
			req.MandatoryStandards = standards
			a.logger.Info("Recorded mandatory standards.", zap.String("standards", standards))
		}
	}
	return nil
}

// plan asks the planner until it issues a Task or ends the request. The
// returned state is non-empty when the run should stop.
func (a *Agent) plan(ctx context.Context) (State, error) {
	const phase = "plan"
	for {
		a.checkRepetition()
		resp, err := a.complete(ctx, phase, a.render(retrieval.Planning, nil), planStops)
		if err != nil {
			return "", err
		}
		m, err := parser.Parse(resp.Text)
		var perr *parser.ParseError
		if errors.As(err, &perr) {
			a.logger.Info("Planner reply did not parse.", zap.String("phase", phase), zap.Error(err))
			if err := a.append(&memory.Message{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: resp.Text}, phase); err != nil {
				return "", err
			}
			if err := a.nudge(tools.ParseErrorNudge(perr), phase); err != nil {
				return "", err
			}
			continue
		} else if err != nil {
			return "", err
		}

		switch v := m.(type) {
		case *memory.Task:
			return "", a.append(v, phase)
		case *memory.Finish:
			if err := a.append(v, phase); err != nil {
				return "", err
			}
			a.logger.Info("Request finished.", zap.String("thought", v.Thought))
			return StateFinished, nil
		case *memory.Analysis:
			if err := a.append(v, phase); err != nil {
				return "", err
			}
		case *memory.Message:
			if a.deps.Interactive {
				v.WaitForResponse = true
				if err := a.append(v, phase); err != nil {
					return "", err
				}
				return StateAwaitingUserInput, nil
			}
			if err := a.append(v, phase); err != nil {
				return "", err
			}
		default:
			// Commands and bookkeeping tags have no place in planning.
			if err := a.append(&memory.Message{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: resp.Text}, phase); err != nil {
				return "", err
			}
		}
		if err := a.nudge(tools.PlanNudge, phase); err != nil {
			return "", err
		}
		if err := a.sleep(ctx, a.cfg.TurnDelay); err != nil {
			return "", err
		}
	}
}

// classify selects the tool families for the last Task.
func (a *Agent) classify(ctx context.Context) error {
	const phase = "classify"
	resp, err := a.complete(ctx, phase, a.render(retrieval.Classification, nil), classifyStops)
	if err != nil {
		return err
	}
	var set []string
	if m, err := parser.Parse(resp.Text); err == nil {
		if c, ok := m.(*memory.Classification); ok {
			set = c.CmdSet
		}
	}
	set = a.catalog.Filter(set)
	a.logger.Info("Classified task.", zap.Strings("cmd_set", set))
	return a.append(&memory.Classification{Envelope: memory.Envelope{Source: memory.SourceAssistant}, CmdSet: set}, phase)
}

// execute alternates model turns and computer actions until TaskFinish.
func (a *Agent) execute(ctx context.Context) error {
	const phase = "execute"
	last, _ := a.history.LastOfKind(memory.KindClassification)
	clf, ok := last.(*memory.Classification)
	if !ok {
		return errors.New("execute phase started without a classification")
	}
	stops := a.catalog.Stops(clf.CmdSet)

	for {
		resp, err := a.complete(ctx, phase, a.render(retrieval.Execution, clf.CmdSet), stops)
		if err != nil {
			return err
		}
		m, err := parser.Parse(resp.Text)
		var perr *parser.ParseError
		if errors.As(err, &perr) {
			a.logger.Info("Executor reply did not parse.", zap.String("phase", phase), zap.Error(err))
			if err := a.append(&memory.Message{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: resp.Text}, phase); err != nil {
				return err
			}
			if err := a.nudge(tools.ParseErrorNudge(perr), phase); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}

		switch v := m.(type) {
		case memory.Runnable:
			extra, err := a.perform(ctx, v)
			if err != nil {
				return err
			}
			if err := a.append(v, phase); err != nil {
				return err
			}
			for _, e := range extra {
				if err := a.append(e, phase); err != nil {
					return err
				}
			}
		case *memory.TaskFinish:
			return a.append(v, phase)
		case *memory.Finish:
			// The request cannot end inside a task; close the task instead.
			return a.append(&memory.TaskFinish{Envelope: v.Envelope, Thought: v.Thought}, phase)
		case *memory.Analysis:
			if err := a.append(v, phase); err != nil {
				return err
			}
			if err := a.nudge(tools.ExecuteNudge, phase); err != nil {
				return err
			}
		default:
			if err := a.append(&memory.Message{Envelope: memory.Envelope{Source: memory.SourceAssistant}, Thought: resp.Text}, phase); err != nil {
				return err
			}
			if err := a.nudge(tools.ExecuteNudge, phase); err != nil {
				return err
			}
		}
		if err := a.sleep(ctx, a.cfg.TurnDelay); err != nil {
			return err
		}
	}
}
