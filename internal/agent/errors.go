// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrBudgetExceeded ends a run whose LLM spend passed the per-request cap.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrRepetitionDetected marks a planner stuck in analysis. It switches the
	// planning tail and is never fatal.
	ErrRepetitionDetected = errors.New("planner repetition detected")
	// ErrBusy is returned when Run is called while another run is active.
	ErrBusy = errors.New("agent is already running")
	// ErrStopped is returned when Stop interrupts a run.
	ErrStopped = errors.New("agent stopped by user")
)
