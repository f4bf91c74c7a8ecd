// internal/parser/parser_property_test.go
package parser

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/xkilldash9x/infant/internal/memory"
)

func TestParseProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("completing twice equals completing once", prop.ForAll(
		func(body string, tagIdx int) bool {
			tag := autoCloseTags[tagIdx%len(autoCloseTags)]
			reply := "<" + tag + ">" + body
			once := Complete(reply)
			return Complete(once) == once
		},
		gen.AlphaString(),
		gen.IntRange(0, 100),
	))

	properties.Property("bash body survives parsing", prop.ForAll(
		func(cmd string) bool {
			m, err := Parse("<execute_bash>" + cmd + "</execute_bash>")
			if err != nil {
				return false
			}
			run, ok := m.(*memory.CmdRun)
			return ok && run.Command == strings.TrimSpace(cmd)
		},
		gen.AlphaString(),
	))

	properties.Property("classification tokens are trimmed and non-empty", prop.ForAll(
		func(a, b string) bool {
			m, err := Parse("<clf_task> " + a + " ,  " + b + " </clf_task>")
			if err != nil {
				return false
			}
			for _, c := range m.(*memory.Classification).CmdSet {
				if c == "" || c != strings.TrimSpace(c) {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("untagged prose is a message carrying the full text", prop.ForAll(
		func(text string) bool {
			m, err := Parse(text)
			if err != nil {
				return false
			}
			msg, ok := m.(*memory.Message)
			return ok && msg.Thought == text
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// FuzzParse asserts Parse never panics and always yields a memory or a ParseError.
func FuzzParse(f *testing.F) {
	f.Add("<execute_ipython>print(")
	f.Add("<task>t<target>x</target></task>")
	f.Add("<execute_bash>ls</execute_bash><execute_ipython>1</execute_ipython>")
	f.Add("<finish></finish></finish>")

	f.Fuzz(func(t *testing.T, reply string) {
		m, err := Parse(reply)
		if err != nil {
			if _, ok := err.(*ParseError); !ok {
				t.Fatalf("unexpected error type %T", err)
			}
			return
		}
		if m == nil {
			t.Fatal("nil memory without error")
		}
	})
}

// FuzzParse_Structured builds replies from tag fragments chosen by the fuzzer.
func FuzzParse_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		n, err := consumer.GetInt()
		if err != nil {
			return
		}
		var b strings.Builder
		for i := 0; i < n%8; i++ {
			idx, err := consumer.GetInt()
			if err != nil {
				break
			}
			body, err := consumer.GetString()
			if err != nil {
				break
			}
			tag := autoCloseTags[uint(idx)%uint(len(autoCloseTags))]
			b.WriteString("<" + tag + ">" + body)
			if closeIt, err := consumer.GetBool(); err == nil && closeIt {
				b.WriteString("</" + tag + ">")
			}
		}

		m, err := Parse(b.String())
		if err == nil && m == nil {
			t.Fatal("nil memory without error")
		}
	})
}
