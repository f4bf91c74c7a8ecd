// internal/parser/parser.go
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/infant/internal/llmutil"
	"github.com/xkilldash9x/infant/internal/memory"
)

// Tag names of the reply grammar.
const (
	TagTask               = "task"
	TagTarget             = "target"
	TagAnalysis           = "analysis"
	TagClassification     = "clf_task"
	TagMandatoryStandards = "mandatory_standards"
	TagExecuteIPython     = "execute_ipython"
	TagExecuteBash        = "execute_bash"
	TagBrowse             = "browse"
	TagFinish             = "finish"
	TagTaskFinish         = "task_finish"
	TagLocalizationFinish = "loca_finish"
	TagKeySteps           = "key_steps"
	TagReason             = "reason"
	TagPotentialIssue     = "potential_issue"
	TagGitDiff            = "git_diff"
	TagTool               = "tool"
	TagIndex              = "index"
	TagExecuteJS          = "execute_js"
	TagLocalize           = "localize"
)

// autoCloseTags is the set of tags closed automatically when a reply was cut
// by a stop token.
var autoCloseTags = []string{
	TagExecuteBash, TagExecuteIPython, TagBrowse, TagTask, TagAnalysis,
	TagPotentialIssue, TagGitDiff, TagKeySteps, TagReason, TagMandatoryStandards,
	TagClassification, TagFinish, TagTaskFinish, TagLocalizationFinish, TagTool,
}

// AutoCloseTags returns a copy of the tags that Complete closes.
func AutoCloseTags() []string {
	out := make([]string, len(autoCloseTags))
	copy(out, autoCloseTags)
	return out
}

// ParseError reports a reply carrying two primary tags that cannot be combined.
type ParseError struct {
	Tags  []string
	Reply string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("incompatible tags in reply: %s", strings.Join(e.Tags, ", "))
}

// conflicts lists primary tag pairs that must not co-occur in one reply.
var conflicts = [][2]string{
	{TagExecuteBash, TagExecuteIPython},
	{TagExecuteBash, TagFinish},
	{TagExecuteIPython, TagFinish},
	{TagExecuteBash, TagTaskFinish},
	{TagExecuteIPython, TagTaskFinish},
}

var (
	mouseSignature     = regexp.MustCompile(`\bmouse_[a-z_]+\s*\(`)
	browserSignature   = regexp.MustCompile(`\b(open_browser|navigate_to|create_new_tab|switch_to_tab|[a-z]+_click_element_node)\s*\(`)
	editSignature      = regexp.MustCompile(`\bedit_file\s*\(`)
	toolMakerSignature = regexp.MustCompile(`\bmake_new_tool\s*\(`)
)

// Complete auto-closes any recognized tag left open.
func Complete(reply string) string {
	return llmutil.AutoClose(reply, autoCloseTags)
}

// Parse converts one model reply into exactly one memory. The returned memory
// has Source set to assistant.
//
// A <mandatory_standards> reply yields a *memory.UserRequest whose only field is
// MandatoryStandards; callers merge it into the active request instead of
// appending it.
func Parse(reply string) (memory.Memory, error) {
	resp := Complete(reply)

	m, err := parseCompleted(resp)
	if err != nil {
		return nil, err
	}
	m.Env().Source = memory.SourceAssistant
	return m, nil
}

func checkConflicts(resp string) error {
	for _, pair := range conflicts {
		_, okA := llmutil.FindTag(resp, pair[0])
		_, okB := llmutil.FindTag(resp, pair[1])
		if okA && okB {
			return &ParseError{Tags: []string{pair[0], pair[1]}, Reply: resp}
		}
	}
	return nil
}

func parseCompleted(resp string) (memory.Memory, error) {
	// Summary tags.
	summary := map[string]string{}
	for _, tag := range []string{TagKeySteps, TagReason} {
		if v, ok := llmutil.ExtractTag(resp, tag); ok {
			summary[tag] = v
		}
	}
	if len(summary) > 0 {
		return &memory.Summarize{Summary: summary}, nil
	}

	if span, ok := llmutil.FindTag(resp, TagTask); ok {
		task := &memory.Task{Thought: strings.TrimSpace(resp[:span.Start])}
		content := strings.TrimSpace(span.Inner)
		if target, ok := llmutil.ExtractTag(content, TagTarget); ok {
			task.Target = target
			task.Task = strings.TrimSpace(strings.SplitN(content, "<"+TagTarget+">", 2)[0])
		} else {
			task.Task = content
		}
		return task, nil
	}

	if v, ok := llmutil.ExtractTag(resp, TagAnalysis); ok {
		return &memory.Analysis{Analysis: v}, nil
	}

	if v, ok := llmutil.ExtractTag(resp, TagClassification); ok {
		return &memory.Classification{CmdSet: splitCmdSet(v)}, nil
	}

	if v, ok := llmutil.ExtractTag(resp, TagMandatoryStandards); ok {
		if strings.EqualFold(v, "none") {
			v = ""
		}
		return &memory.UserRequest{MandatoryStandards: v}, nil
	}

	// Runnable and terminator tags are mutually exclusive.
	if err := checkConflicts(resp); err != nil {
		return nil, err
	}

	if span, ok := llmutil.FindTag(resp, TagExecuteIPython); ok {
		code := strings.TrimSpace(span.Inner)
		return &memory.IPythonRun{
			Code:        code,
			Thought:     outside(resp, span),
			SpecialType: InferSpecialType(code),
		}, nil
	}

	if span, ok := llmutil.FindTag(resp, TagExecuteBash); ok {
		return &memory.CmdRun{Command: strings.TrimSpace(span.Inner), Thought: outside(resp, span)}, nil
	}

	if span, ok := llmutil.FindTagGreedy(resp, TagFinish); ok {
		return &memory.Finish{Thought: thoughtOrInner(resp, span)}, nil
	}

	if span, ok := llmutil.FindTagGreedy(resp, TagTaskFinish); ok {
		return &memory.TaskFinish{Thought: thoughtOrInner(resp, span)}, nil
	}

	if span, ok := llmutil.FindTag(resp, TagLocalizationFinish); ok {
		return &memory.LocalizationFinish{
			Thought:      outside(resp, span),
			Coordination: strings.TrimSpace(span.Inner),
		}, nil
	}

	if span, ok := llmutil.FindTagGreedy(resp, TagBrowse); ok {
		return &memory.BrowseURL{URL: strings.TrimSpace(span.Inner), Thought: outside(resp, span)}, nil
	}

	return &memory.Message{Thought: resp}, nil
}

// InferSpecialType classifies IPython code by the primitives it calls.
func InferSpecialType(code string) memory.SpecialType {
	switch {
	case toolMakerSignature.MatchString(code):
		return memory.SpecialToolMaker
	case mouseSignature.MatchString(code):
		return memory.SpecialMouse
	case browserSignature.MatchString(code):
		return memory.SpecialBrowser
	case editSignature.MatchString(code):
		return memory.SpecialEdit
	}
	return memory.SpecialNone
}

func splitCmdSet(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// outside returns the reply with the tagged span removed, trimmed.
func outside(resp string, span llmutil.TagSpan) string {
	return strings.TrimSpace(resp[:span.Start] + resp[span.End:])
}

// thoughtOrInner prefers the prose outside the tag and falls back to the tag body,
// so "<finish>done</finish>" keeps "done" as the thought.
func thoughtOrInner(resp string, span llmutil.TagSpan) string {
	if t := outside(resp, span); t != "" {
		return t
	}
	return strings.TrimSpace(span.Inner)
}
