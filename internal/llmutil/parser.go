// internal/llmutil/parser.go
package llmutil

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// codeBlockRegex extracts content wrapped in markdown, supporting various language tags (python, bash, etc.).
	codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z0-9_+-]*\\s*(.*?)\\s*\x60\x60\x60")

	// coordinateRegex matches the first "(x, y)" style pair, allowing negative values.
	coordinateRegex = regexp.MustCompile(`\(\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\)`)
)

// TagSpan locates one <tag>...</tag> occurrence in a reply.
type TagSpan struct {
	Start int    // index of '<' in the opening tag
	End   int    // index just past the closing tag
	Inner string // raw content between the tags
}

// Block returns the full tagged span from s.
func (t TagSpan) Block(s string) string { return s[t.Start:t.End] }

// FindTag returns the first non-greedy <tag>...</tag> occurrence.
func FindTag(s, tag string) (TagSpan, bool) {
	open, close := "<"+tag+">", "</"+tag+">"
	start := strings.Index(s, open)
	if start < 0 {
		return TagSpan{}, false
	}
	innerStart := start + len(open)
	rel := strings.Index(s[innerStart:], close)
	if rel < 0 {
		return TagSpan{}, false
	}
	innerEnd := innerStart + rel
	return TagSpan{Start: start, End: innerEnd + len(close), Inner: s[innerStart:innerEnd]}, true
}

// FindTagGreedy is FindTag but runs to the last closing tag.
func FindTagGreedy(s, tag string) (TagSpan, bool) {
	open, close := "<"+tag+">", "</"+tag+">"
	start := strings.Index(s, open)
	if start < 0 {
		return TagSpan{}, false
	}
	innerStart := start + len(open)
	innerEnd := strings.LastIndex(s, close)
	if innerEnd < innerStart {
		return TagSpan{}, false
	}
	return TagSpan{Start: start, End: innerEnd + len(close), Inner: s[innerStart:innerEnd]}, true
}

// ExtractTag returns the trimmed content of the first <tag>...</tag>.
func ExtractTag(s, tag string) (string, bool) {
	span, ok := FindTag(s, tag)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(span.Inner), true
}

// HasOpenTag reports whether s contains the opening tag.
func HasOpenTag(s, tag string) bool {
	return strings.Contains(s, "<"+tag+">")
}

// AutoClose appends a closing tag for every listed tag that is opened but
// never closed. Models stopped on a stop token routinely leave one dangling.
// The order of appended closers follows tags.
func AutoClose(s string, tags []string) string {
	var b strings.Builder
	b.WriteString(s)
	for _, tag := range tags {
		if strings.Contains(s, "<"+tag+">") && !strings.Contains(s, "</"+tag+">") {
			b.WriteString("</" + tag + ">")
		}
	}
	return b.String()
}

// ExtractIndex parses an <index>N</index> answer. "None" or anything
// non-numeric yields ok=false.
func ExtractIndex(s string) (int, bool) {
	s = AutoClose(s, []string{"index"})
	raw, ok := ExtractTag(s, "index")
	if !ok || strings.EqualFold(raw, "none") {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractCoordinates returns the first "(x, y)" pair found in s. Fractional
// values are truncated. ok is false when no pair is present.
func ExtractCoordinates(s string) (x, y int, ok bool) {
	m := coordinateRegex.FindStringSubmatch(s)
	if len(m) != 3 {
		return -1, -1, false
	}
	fx, errX := strconv.ParseFloat(m[1], 64)
	fy, errY := strconv.ParseFloat(m[2], 64)
	if errX != nil || errY != nil {
		return -1, -1, false
	}
	return int(fx), int(fy), true
}

// CleanCodeOutput removes common markdown artifacts (like ```python) from a code string.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		matches := codeBlockRegex.FindStringSubmatch(content)
		if len(matches) > 1 {
			return strings.TrimSpace(matches[1])
		}
	}
	return content
}

// TruncateString truncates a string to a maximum length for log fields.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but sufficient for logging.
	return s[:maxLen] + "..."
}
