// internal/retrieval/render.go
package retrieval

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/tools"
)

// NoOutput stands in for an executed action that printed nothing.
const NoOutput = "[Command finished with no output]"

// Options parameterizes Render.
type Options struct {
	Catalog *tools.Catalog
	// TaskCategory overrides the catalog description shown to the planner.
	TaskCategory string
	// AvoidRepetition switches the planning tail to the stricter variant.
	AvoidRepetition bool
	// CmdSet is the classification the execute prompt is built for.
	CmdSet []string
	// Tail overrides the phase's closing instruction.
	Tail           string
	MaxResultChars int
	// Images inlines screenshots; nil leaves them out.
	Images ImageLoader
	Logger *zap.Logger
}

func (o Options) catalog() *tools.Catalog {
	if o.Catalog != nil {
		return o.Catalog
	}
	return tools.Default()
}

func (o Options) category() string {
	if o.TaskCategory != "" {
		return o.TaskCategory
	}
	return o.catalog().Describe()
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}

// Render turns history into the prompt for phase. It reads nothing but the
// history and the screenshots referenced by results.
func Render(history []memory.Memory, phase Phase, opts Options) []llmclient.Message {
	block := Retrieve(history, phase)
	r := renderer{opts: opts}
	switch phase {
	case Planning:
		r.system(tools.PlanSystem(opts.category()))
		for _, m := range block {
			r.memory(m, phase, nil)
		}
		r.tail(opts.Tail, planTail(opts.AvoidRepetition))
	case Classification:
		cat := opts.catalog()
		r.system(tools.ClassifySystem(cat))
		task := lastTask(block)
		if task != nil {
			r.tail(opts.Tail, tools.ClassifyTask(task.Task, task.Target))
		}
	case Execution:
		cat := opts.catalog()
		r.system(cat.SystemMessage(opts.CmdSet))
		current := lastTask(block)
		for _, m := range block {
			r.memory(m, phase, current)
		}
		task := ""
		if current != nil {
			task = current.Task
		}
		r.tail(opts.Tail, tools.ExecuteTail(task, cat.Notes(opts.CmdSet)))
	case Localization:
		for _, m := range block {
			r.memory(m, phase, nil)
		}
		r.tail(opts.Tail, "")
	}
	return r.msgs
}

func planTail(avoidRepetition bool) string {
	if avoidRepetition {
		return tools.PlanTailAvoidRepetition
	}
	return tools.PlanTail
}

type renderer struct {
	opts Options
	msgs []llmclient.Message
}

func (r *renderer) system(text string) {
	r.msgs = append(r.msgs, llmclient.TextMessage(llmclient.RoleSystem, text))
}

func (r *renderer) tail(override, def string) {
	text := def
	if override != "" {
		text = override
	}
	if text != "" {
		r.msgs = append(r.msgs, llmclient.TextMessage(llmclient.RoleUser, text))
	}
}

func (r *renderer) add(role llmclient.Role, text string, images []string) {
	if text == "" && len(images) == 0 {
		return
	}
	if len(images) > 0 {
		r.msgs = append(r.msgs, llmclient.ImageMessage(role, text, images...))
		return
	}
	r.msgs = append(r.msgs, llmclient.TextMessage(role, text))
}

func roleOf(m memory.Memory) llmclient.Role {
	if m.Env().Source == memory.SourceUser {
		return llmclient.RoleUser
	}
	return llmclient.RoleAssistant
}

func (r *renderer) memory(m memory.Memory, phase Phase, current *memory.Task) {
	switch v := m.(type) {
	case *memory.UserRequest:
		if phase == Execution {
			r.add(llmclient.RoleUser, v.Text, v.Images)
			r.add(llmclient.RoleAssistant, tools.ExecuteSplitRequest, nil)
			return
		}
		r.add(llmclient.RoleUser, tools.PlanUserRequest(v.Text, v.MandatoryStandards, r.opts.category()), v.Images)
	case *memory.Task:
		if phase == Execution {
			r.add(llmclient.RoleUser, executionTask(v, v == current), nil)
			return
		}
		r.add(roleOf(m), Assistant(m), nil)
	case *memory.LocalizationFinish, *memory.Classification:
	default:
		r.add(roleOf(m), Assistant(m), m.Env().Images)
	}
	if run, ok := m.(memory.Runnable); ok && run.Executed() {
		r.observation(run.Output())
	}
}

func executionTask(t *memory.Task, current bool) string {
	switch {
	case current:
		return "**Current Task**:\n" + t.Task
	case t.Target != "":
		return fmt.Sprintf("Task:\n%s\nTarget:\n%s", t.Task, t.Target)
	default:
		return t.Task
	}
}

// observation renders a runnable result as a user turn, inlining the last
// screenshot it announces.
func (r *renderer) observation(result string) {
	text := Observation(result, r.maxChars())
	var images []string
	if r.opts.Images != nil {
		if p, ok := computer.LastScreenshot(result); ok {
			url, err := r.opts.Images.Load(p)
			if err != nil {
				r.opts.logger().Warn("Skipping unreadable screenshot.", zap.String("path", p), zap.Error(err))
			} else {
				images = append(images, url)
			}
		}
	}
	r.add(llmclient.RoleUser, text, images)
}

func (r *renderer) maxChars() int {
	if r.opts.MaxResultChars > 0 {
		return r.opts.MaxResultChars
	}
	return DefaultMaxResultChars
}

// Observation cleans a stored result for a prompt: the exit code line and
// terminal escapes are removed and the text is truncated to max characters.
func Observation(result string, max int) string {
	text := strings.TrimSpace(computer.StripANSI(computer.StripExitCode(result)))
	if text == "" {
		return NoOutput
	}
	return Truncate(text, max)
}

// Assistant renders m the way the model would have written it, tags
// included. Variants without a tagged form render as their prose.
func Assistant(m memory.Memory) string {
	switch v := m.(type) {
	case *memory.CmdRun:
		return joinThought(v.Thought, "<execute_bash>\n"+v.Command+"\n</execute_bash>")
	case *memory.IPythonRun:
		return joinThought(v.Thought, "<execute_ipython>\n"+v.Code+"\n</execute_ipython>")
	case *memory.BrowseURL:
		return joinThought(v.Thought, "<browse>"+v.URL+"</browse>")
	case *memory.Analysis:
		return "<analysis>" + v.Analysis + "</analysis>"
	case *memory.Task:
		body := v.Task
		if v.Target != "" {
			body += "\n<target>" + v.Target + "</target>"
		}
		return joinThought(v.Thought, "<task>"+body+"</task>")
	case *memory.Finish:
		return "<finish>" + v.Thought + "</finish>"
	case *memory.TaskFinish:
		return v.Thought
	case *memory.Message:
		return v.Thought
	case *memory.UserRequest:
		return v.Text
	case *memory.Summarize, *memory.Critic:
		return m.String()
	}
	return ""
}

func joinThought(thought, tagged string) string {
	if thought == "" {
		return tagged
	}
	return thought + "\n" + tagged
}
