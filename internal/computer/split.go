// internal/computer/split.go
package computer

import "strings"

type splitState int

const (
	stateNormal splitState = iota
	stateSingle
	stateDouble
	stateHeredoc
)

// SplitCommands splits a multi-line shell input into commands. Newlines
// inside quotes or here-documents do not split, and a backslash before a
// newline continues the command.
func SplitCommands(input string) []string {
	var (
		out     []string
		cur     strings.Builder
		state   = stateNormal
		trigger string
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(input); i++ {
		c := input[i]
		switch state {
		case stateNormal:
			switch {
			case c == '\'':
				state = stateSingle
			case c == '"':
				state = stateDouble
			case c == '\\' && i+1 < len(input) && input[i+1] == '\n':
				i++
				continue
			case c == '\n':
				flush()
				continue
			case c == '<' && strings.HasPrefix(input[i:], "<<") && !strings.HasPrefix(input[i:], "<<<"):
				j := i + 2
				if j < len(input) && input[j] == '-' {
					j++
				}
				for j < len(input) && input[j] == ' ' {
					j++
				}
				start := j
				for j < len(input) && input[j] != ' ' && input[j] != '\n' && input[j] != ';' {
					j++
				}
				trigger = strings.Trim(input[start:j], `'"`)
				if trigger == "" {
					break
				}
				cur.WriteString(input[i:j])
				i = j - 1
				state = stateHeredoc
				continue
			}
			cur.WriteByte(c)

		case stateSingle:
			cur.WriteByte(c)
			if c == '\'' {
				state = stateNormal
			}

		case stateDouble:
			cur.WriteByte(c)
			if c == '"' && input[i-1] != '\\' {
				state = stateNormal
			}

		case stateHeredoc:
			cur.WriteByte(c)
			if c != '\n' {
				continue
			}
			rest := input[i+1:]
			line := rest
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				line = rest[:nl]
			}
			if strings.TrimLeft(line, "\t") == trigger {
				cur.WriteString(line)
				i += len(line)
				if i+1 < len(input) {
					i++ // the newline after the terminator
				}
				flush()
				trigger = ""
				state = stateNormal
			}
		}
	}
	flush()
	return out
}
