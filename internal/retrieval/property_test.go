// internal/retrieval/property_test.go
package retrieval

import (
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/parser"
)

func TestTruncateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("result never exceeds the cap", prop.ForAll(
		func(s string, max int) bool {
			return utf8.RuneCountInString(Truncate(s, max)) <= max
		},
		gen.AnyString(),
		gen.IntRange(1, 200),
	))

	properties.Property("truncating twice equals truncating once", prop.ForAll(
		func(s string, max int) bool {
			once := Truncate(s, max)
			return Truncate(once, max) == once
		},
		gen.AnyString(),
		gen.IntRange(1, 200),
	))

	properties.Property("strings under the cap are unchanged", prop.ForAll(
		func(s string) bool {
			return Truncate(s, utf8.RuneCountInString(s)+1) == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestParseRenderParse(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("bash runs survive a round trip", prop.ForAll(
		func(thought, cmd string) bool {
			m, err := parser.Parse(Assistant(&memory.CmdRun{Command: cmd, Thought: thought}))
			if err != nil {
				return false
			}
			run, ok := m.(*memory.CmdRun)
			return ok && run.Command == cmd && run.Thought == thought
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("ipython runs survive a round trip", prop.ForAll(
		func(thought, code string) bool {
			m, err := parser.Parse(Assistant(&memory.IPythonRun{Code: code, Thought: thought}))
			if err != nil {
				return false
			}
			run, ok := m.(*memory.IPythonRun)
			return ok && run.Code == code && run.Thought == thought
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("tasks keep their target", prop.ForAll(
		func(thought, task, target string) bool {
			m, err := parser.Parse(Assistant(&memory.Task{Task: task, Target: target, Thought: thought}))
			if err != nil {
				return false
			}
			got, ok := m.(*memory.Task)
			return ok && got.Task == task && got.Target == target && got.Thought == thought
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("finish keeps its thought", prop.ForAll(
		func(thought string) bool {
			m, err := parser.Parse(Assistant(&memory.Finish{Thought: thought}))
			if err != nil {
				return false
			}
			got, ok := m.(*memory.Finish)
			return ok && got.Thought == thought
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
