// internal/memory/history.go
package memory

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidSequence is returned when an append would break the history grammar:
//
//	UserRequest (Message | (Task Classification (IPythonRun|CmdRun|BrowseURL|Message)* TaskFinish))* Finish?
var ErrInvalidSequence = errors.New("invalid memory sequence")

type seqState int

const (
	seqEmpty    seqState = iota // nothing yet; only a UserRequest is legal
	seqTop                      // between tasks
	seqTask                     // a Task waits for its Classification
	seqExecute                  // inside an execute block
	seqFinished                 // after Finish; only a follow-up request is legal
)

func (s seqState) String() string {
	switch s {
	case seqEmpty:
		return "empty"
	case seqTop:
		return "top"
	case seqTask:
		return "task"
	case seqExecute:
		return "execute"
	case seqFinished:
		return "finished"
	}
	return "unknown"
}

// next returns the state reached by accepting k from s.
func (s seqState) next(k Kind) (seqState, error) {
	switch k {
	case KindSummarize, KindCritic, KindLocalizationFinish:
		// Bookkeeping variants do not participate in the grammar.
		if s == seqEmpty {
			break
		}
		return s, nil
	}

	switch s {
	case seqEmpty:
		if k == KindUserRequest {
			return seqTop, nil
		}
	case seqTop:
		switch k {
		case KindMessage, KindAnalysis, KindUserRequest:
			return seqTop, nil
		case KindTask:
			return seqTask, nil
		case KindFinish:
			return seqFinished, nil
		}
	case seqTask:
		if k == KindClassification {
			return seqExecute, nil
		}
	case seqExecute:
		switch k {
		case KindIPythonRun, KindCmdRun, KindBrowseURL, KindMessage, KindAnalysis:
			return seqExecute, nil
		case KindTaskFinish:
			return seqTop, nil
		}
	case seqFinished:
		if k == KindUserRequest {
			return seqTop, nil
		}
	}
	return s, fmt.Errorf("%w: %s not allowed in %s state", ErrInvalidSequence, k, s)
}

// History is the append-only record of a session. One goroutine appends;
// any number may read.
type History struct {
	mu    sync.RWMutex
	items []Memory
	state seqState
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// Append validates m against the grammar and adds it. It returns the index of
// the new memory.
func (h *History) Append(m Memory) (int, error) {
	if m == nil {
		return -1, fmt.Errorf("%w: nil memory", ErrInvalidSequence)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := h.state.next(m.Kind())
	if err != nil {
		return -1, fmt.Errorf("append at index %d: %w", len(h.items), err)
	}
	h.state = next
	h.items = append(h.items, m)
	return len(h.items) - 1, nil
}

// Len returns the number of memories.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}

// At returns the memory at index i, or nil when out of range.
func (h *History) At(i int) Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if i < 0 || i >= len(h.items) {
		return nil
	}
	return h.items[i]
}

// Last returns the most recent memory, or nil.
func (h *History) Last() Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.items) == 0 {
		return nil
	}
	return h.items[len(h.items)-1]
}

// Snapshot returns a copy of the memory list. The memories themselves are shared.
func (h *History) Snapshot() []Memory {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Memory, len(h.items))
	copy(out, h.items)
	return out
}

// InExecuteBlock reports whether the last Task has not been closed yet.
func (h *History) InExecuteBlock() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == seqExecute || h.state == seqTask
}

// LastOfKind returns the most recent memory of kind k and its index.
func (h *History) LastOfKind(k Kind) (Memory, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].Kind() == k {
			return h.items[i], i
		}
	}
	return nil, -1
}

// CountSince counts memories of kind k after the most recent memory of kind stop.
func (h *History) CountSince(k, stop Kind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for i := len(h.items) - 1; i >= 0; i-- {
		kind := h.items[i].Kind()
		if kind == stop {
			break
		}
		if kind == k {
			n++
		}
	}
	return n
}

// Validate checks that items form a legal history from the start.
func Validate(items []Memory) error {
	state := seqEmpty
	for i, m := range items {
		next, err := state.next(m.Kind())
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		state = next
	}
	return nil
}
