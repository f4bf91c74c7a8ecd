// internal/retrieval/retrieval.go
package retrieval

import (
	"fmt"

	"github.com/xkilldash9x/infant/internal/memory"
)

// Phase selects which part of the history a prompt sees.
type Phase int

const (
	Planning Phase = iota
	Classification
	Execution
	Localization
)

func (p Phase) String() string {
	switch p {
	case Planning:
		return "planning"
	case Classification:
		return "classification"
	case Execution:
		return "execution"
	case Localization:
		return "localization"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Retrieve returns the ordered sub-sequence of history relevant to phase.
// The memories are shared, not copied.
func Retrieve(history []memory.Memory, phase Phase) []memory.Memory {
	switch phase {
	case Classification:
		if task := lastTask(history); task != nil {
			return []memory.Memory{task}
		}
		return nil
	case Localization:
		return drop(history, memory.KindMessage)
	default:
		return drop(history, memory.KindClassification)
	}
}

func drop(history []memory.Memory, kind memory.Kind) []memory.Memory {
	out := make([]memory.Memory, 0, len(history))
	for _, m := range history {
		if m.Kind() != kind {
			out = append(out, m)
		}
	}
	return out
}

func lastTask(history []memory.Memory) *memory.Task {
	for i := len(history) - 1; i >= 0; i-- {
		if t, ok := history[i].(*memory.Task); ok {
			return t
		}
	}
	return nil
}
