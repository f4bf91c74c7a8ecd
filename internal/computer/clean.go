// internal/computer/clean.go
package computer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ansiRegex     = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07`)
	exitLineRegex = regexp.MustCompile(`(?m)^\(exit code=-?\d+\)\r?\n?`)
	exitCodeRegex = regexp.MustCompile(`^\(exit code=(-?\d+)\)`)
)

// PipInstalled replaces the output of a successful pip install.
const PipInstalled = "Package installed successfully"

// StripANSI removes terminal escape sequences.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// StripExitCode removes "(exit code=N)" lines.
func StripExitCode(s string) string {
	return exitLineRegex.ReplaceAllString(s, "")
}

// WithExitCode prefixes output with its exit code line.
func WithExitCode(code int, output string) string {
	return fmt.Sprintf("(exit code=%d)\n%s", code, output)
}

// ExitCode reads the exit code line that leads a stored result.
func ExitCode(result string) (int, bool) {
	m := exitCodeRegex.FindStringSubmatch(result)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// CleanOutput normalizes raw shell output for cmd: line endings, escape
// sequences, the echoed command and the exit code query.
func CleanOutput(cmd, raw string) string {
	out := strings.ReplaceAll(raw, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "")
	out = StripANSI(out)
	out = strings.TrimLeft(out, "\n")
	if c := strings.TrimSpace(cmd); c != "" && strings.HasPrefix(out, c) {
		out = out[len(c):]
	}
	var kept []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "echo $?" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// CollapsePip shortens a successful pip install transcript.
func CollapsePip(cmd, out string) string {
	if strings.Contains(cmd, "pip install") && strings.Contains(out, "Successfully installed") {
		return PipInstalled
	}
	return out
}
