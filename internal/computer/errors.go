// internal/computer/errors.go
package computer

import (
	"errors"
	"fmt"
)

// EditMismatchMarker is printed by edit_file when the given anchors do not
// match the file. Line-drift correction keys on it.
const EditMismatchMarker = "Here is the code that you are trying to modified:"

// ErrEditMismatch is returned when an edit's start_str or end_str does not
// match the current file.
var ErrEditMismatch = errors.New("edit anchors do not match file")

// ErrOutsideWorkspace is returned for file primitive paths that do not map
// onto the host mount.
var ErrOutsideWorkspace = errors.New("path is outside the workspace")

// ErrClosed is returned by operations on a closed shell.
var ErrClosed = errors.New("computer shell is closed")

// ExecutionError reports a failure to run something in the container, as
// opposed to a command that ran and exited nonzero.
type ExecutionError struct {
	Op      string
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("computer %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("computer %s failed for %q: %v", e.Op, e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
