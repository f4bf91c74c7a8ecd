// internal/retrieval/truncate.go
package retrieval

import "unicode/utf8"

// DefaultMaxResultChars caps a rendered observation.
const DefaultMaxResultChars = 10_000

// TruncationMarker replaces the middle of an overlong observation.
const TruncationMarker = "\n[... Observation truncated due to length ...]\n"

// Truncate keeps the head and tail of s so that the result, marker included,
// is at most max characters. Strings already within max are returned as is,
// so truncating twice changes nothing.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	marker := utf8.RuneCountInString(TruncationMarker)
	keep := max - marker
	if keep < 2 {
		return string([]rune(s)[:max])
	}
	r := []rune(s)
	head := keep / 2
	tail := keep - head
	return string(r[:head]) + TruncationMarker + string(r[len(r)-tail:])
}
