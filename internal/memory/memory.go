// internal/memory/memory.go
package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Source identifies who produced a memory.
type Source string

const (
	SourceAssistant Source = "assistant"
	SourceUser      Source = "user"
)

// Kind is the discriminator of the closed Memory sum type.
type Kind string

const (
	KindUserRequest        Kind = "UserRequest"
	KindMessage            Kind = "Message"
	KindAnalysis           Kind = "Analysis"
	KindTask               Kind = "Task"
	KindClassification     Kind = "Classification"
	KindCmdRun             Kind = "CmdRun"
	KindIPythonRun         Kind = "IPythonRun"
	KindBrowseURL          Kind = "BrowseURL"
	KindTaskFinish         Kind = "TaskFinish"
	KindFinish             Kind = "Finish"
	KindLocalizationFinish Kind = "LocalizationFinish"
	KindSummarize          Kind = "Summarize"
	KindCritic             Kind = "Critic"
)

// ErrResultAlreadySet is returned when a runnable memory is written twice.
var ErrResultAlreadySet = errors.New("memory result already set")

// Envelope is the state shared by every memory variant.
type Envelope struct {
	Source Source   `json:"source"`
	Result *string  `json:"result,omitempty"` // only meaningful for runnable variants
	Images []string `json:"images,omitempty"`
}

// Env exposes the shared envelope.
func (e *Envelope) Env() *Envelope { return e }

func (e *Envelope) sealed() {}

// Memory is one atomic step in the agent history. The set of implementations is
// closed; switch on the concrete type or on Kind().
type Memory interface {
	Kind() Kind
	Env() *Envelope
	String() string
	sealed()
}

// Runnable is a memory that the computer facade executes.
type Runnable interface {
	Memory
	Executed() bool
	Output() string
}

// SetResult records the execution result of a runnable memory. Only the
// computer facade calls this; a memory is never rewritten once executed.
func SetResult(m Runnable, result string, images ...string) error {
	env := m.Env()
	if env.Result != nil {
		return fmt.Errorf("%w: %s", ErrResultAlreadySet, m.Kind())
	}
	r := result
	env.Result = &r
	if len(images) > 0 {
		env.Images = append(env.Images, images...)
	}
	return nil
}

// IsRunnable reports whether m is executed by the computer.
func IsRunnable(m Memory) bool {
	_, ok := m.(Runnable)
	return ok
}

// -- Runnable variants --

// CmdRun is a shell command for the container's PTY.
type CmdRun struct {
	Envelope
	Command    string `json:"command"`
	Thought    string `json:"thought,omitempty"`
	Background bool   `json:"background,omitempty"`
}

func (m *CmdRun) Kind() Kind     { return KindCmdRun }
func (m *CmdRun) Executed() bool { return m.Result != nil }
func (m *CmdRun) Output() string { return deref(m.Result) }
func (m *CmdRun) String() string {
	if m.Result != nil && *m.Result != "" {
		return "EXECUTION RESULT:\n" + *m.Result
	}
	var b strings.Builder
	b.WriteString("**CmdRun**\n")
	if m.Thought != "" {
		fmt.Fprintf(&b, "THOUGHT: %s\n", m.Thought)
	}
	fmt.Fprintf(&b, "COMMAND:\n%s", m.Command)
	return b.String()
}

// IPythonRun is code for the kernel, possibly consisting of tool primitives.
type IPythonRun struct {
	Envelope
	Code        string      `json:"code"`
	Thought     string      `json:"thought,omitempty"`
	SpecialType SpecialType `json:"special_type,omitempty"`
	// KernelInitCode is replayed after a kernel restart.
	KernelInitCode string `json:"kernel_init_code,omitempty"`
}

// SpecialType tags IPython code that needs routing before execution.
type SpecialType string

const (
	SpecialNone      SpecialType = ""
	SpecialMouse     SpecialType = "mouse"
	SpecialBrowser   SpecialType = "browser"
	SpecialEdit      SpecialType = "edit"
	SpecialToolMaker SpecialType = "toolmaker"
)

func (m *IPythonRun) Kind() Kind     { return KindIPythonRun }
func (m *IPythonRun) Executed() bool { return m.Result != nil }
func (m *IPythonRun) Output() string { return deref(m.Result) }
func (m *IPythonRun) String() string {
	if m.Result != nil && *m.Result != "" {
		return "EXECUTION RESULT:\n" + *m.Result
	}
	var b strings.Builder
	b.WriteString("**IPythonRun**\n")
	if m.Thought != "" {
		fmt.Fprintf(&b, "THOUGHT: %s\n", m.Thought)
	}
	fmt.Fprintf(&b, "command:\n%s", m.Code)
	return b.String()
}

// BrowseURL navigates the container browser to URL.
type BrowseURL struct {
	Envelope
	URL     string `json:"url"`
	Thought string `json:"thought,omitempty"`
}

func (m *BrowseURL) Kind() Kind     { return KindBrowseURL }
func (m *BrowseURL) Executed() bool { return m.Result != nil }
func (m *BrowseURL) Output() string { return deref(m.Result) }
func (m *BrowseURL) String() string {
	if m.Result != nil && *m.Result != "" {
		return "EXECUTION RESULT:\n" + *m.Result
	}
	var b strings.Builder
	b.WriteString("**BrowseURL**\n")
	if m.Thought != "" {
		fmt.Fprintf(&b, "THOUGHT: %s\n", m.Thought)
	}
	fmt.Fprintf(&b, "URL: %s", m.URL)
	return b.String()
}

// -- Non-runnable variants --

// UserRequest is external input from the user interface.
type UserRequest struct {
	Envelope
	Text               string `json:"text"`
	MandatoryStandards string `json:"mandatory_standards,omitempty"`
}

func (m *UserRequest) Kind() Kind { return KindUserRequest }
func (m *UserRequest) String() string {
	s := "**User Request**\nCONTENT: " + m.Text
	if m.MandatoryStandards != "" {
		s += "\nMANDATORY STANDARDS: " + m.MandatoryStandards
	}
	return s
}

// Message is a free-form utterance from either side.
type Message struct {
	Envelope
	Thought         string `json:"thought"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`
}

func (m *Message) Kind() Kind { return KindMessage }
func (m *Message) String() string {
	return fmt.Sprintf("**Message** (source=%s)\nCONTENT: %s", m.Source, m.Thought)
}

// Analysis is a planner trace; it behaves as a Message in the history grammar.
type Analysis struct {
	Envelope
	Analysis string `json:"analysis"`
}

func (m *Analysis) Kind() Kind     { return KindAnalysis }
func (m *Analysis) String() string { return "**Analysis**\n" + m.Analysis }

// Task is a planner-issued sub-goal.
type Task struct {
	Envelope
	Task    string `json:"task"`
	Target  string `json:"target,omitempty"`
	Thought string `json:"thought,omitempty"`
}

func (m *Task) Kind() Kind { return KindTask }
func (m *Task) String() string {
	var b strings.Builder
	b.WriteString("**Task**\n")
	fmt.Fprintf(&b, "THOUGHT: %s\nTASK:\n%s", m.Thought, m.Task)
	if m.Target != "" {
		fmt.Fprintf(&b, "\nTARGET:\n%s", m.Target)
	}
	return b.String()
}

// Classification lists the tool families selected for the preceding Task.
type Classification struct {
	Envelope
	CmdSet []string `json:"cmd_set"`
}

func (m *Classification) Kind() Kind { return KindClassification }
func (m *Classification) String() string {
	var b strings.Builder
	b.WriteString("**Classification**\n")
	for i, c := range m.CmdSet {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}

// TaskFinish closes one execute block.
type TaskFinish struct {
	Envelope
	Thought string `json:"thought,omitempty"`
}

func (m *TaskFinish) Kind() Kind { return KindTaskFinish }
func (m *TaskFinish) String() string {
	return withThought("**Task Finish**\n", m.Thought)
}

// Finish ends the whole request.
type Finish struct {
	Envelope
	Thought string `json:"thought,omitempty"`
}

func (m *Finish) Kind() Kind     { return KindFinish }
func (m *Finish) String() string { return withThought("**Finish**\n", m.Thought) }

// LocalizationFinish carries the coordinate chosen by a grounding session.
type LocalizationFinish struct {
	Envelope
	Thought      string `json:"thought,omitempty"`
	Coordination string `json:"coordination"`
}

func (m *LocalizationFinish) Kind() Kind { return KindLocalizationFinish }
func (m *LocalizationFinish) String() string {
	s := withThought("**Localization Finish**\n", m.Thought)
	if m.Coordination != "" {
		s += "COORDINATION: " + m.Coordination + "\n"
	}
	return s
}

// Summary keys recognized by Summarize.
const (
	SummaryGitDiff  = "git_diff"
	SummaryKeySteps = "key_steps"
	SummaryReason   = "reason"
)

// Summarize records key steps, reasons and the workspace diff of a finished task.
type Summarize struct {
	Envelope
	Summary map[string]string `json:"summary"`
}

func (m *Summarize) Kind() Kind { return KindSummarize }
func (m *Summarize) String() string {
	var b strings.Builder
	b.WriteString("**Summarize**\n")
	for _, k := range []string{SummaryGitDiff, SummaryKeySteps, SummaryReason} {
		if v, ok := m.Summary[k]; ok {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(strings.ReplaceAll(k, "_", " ")), v)
		}
	}
	return b.String()
}

// Critic is a verifier verdict on the last task.
type Critic struct {
	Envelope
	CriticResult bool   `json:"critic_result"`
	Reason       string `json:"reason,omitempty"`
}

func (m *Critic) Kind() Kind { return KindCritic }
func (m *Critic) String() string {
	s := fmt.Sprintf("**Critic**\nRESULT: %t", m.CriticResult)
	if m.Reason != "" {
		s += "\nREASON: " + m.Reason
	}
	return s
}

func withThought(head, thought string) string {
	if thought == "" {
		return head
	}
	return head + "THOUGHT: " + thought + "\n"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Thought returns the prose attached to m, if the variant carries any.
func Thought(m Memory) string {
	switch v := m.(type) {
	case *CmdRun:
		return v.Thought
	case *IPythonRun:
		return v.Thought
	case *BrowseURL:
		return v.Thought
	case *Message:
		return v.Thought
	case *Task:
		return v.Thought
	case *TaskFinish:
		return v.Thought
	case *Finish:
		return v.Thought
	case *LocalizationFinish:
		return v.Thought
	case *Analysis:
		return v.Analysis
	case *UserRequest:
		return v.Text
	}
	return ""
}
