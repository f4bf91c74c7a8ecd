// internal/computer/split_test.go
package computer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommands(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single", "ls -l", []string{"ls -l"}},
		{"blank lines dropped", "ls\n\n  \npwd\n", []string{"ls", "pwd"}},
		{"continuation", "echo a \\\n  b", []string{"echo a   b"}},
		{"single quoted newline", "echo 'a\nb'\nls", []string{"echo 'a\nb'", "ls"}},
		{"double quoted newline", "echo \"a\nb\"\nls", []string{"echo \"a\nb\"", "ls"}},
		{"escaped quote", "echo \"a \\\" b\"\nls", []string{"echo \"a \\\" b\"", "ls"}},
		{
			"heredoc",
			"cat > f.py <<'EOL'\nprint(1)\n\nprint(2)\nEOL\nls",
			[]string{"cat > f.py <<'EOL'\nprint(1)\n\nprint(2)\nEOL", "ls"},
		},
		{
			"indented heredoc",
			"cat <<-END\n\tx\n\tEND\npwd",
			[]string{"cat <<-END\n\tx\n\tEND", "pwd"},
		},
		{"here string is not a heredoc", "cat <<< 'x'\nls", []string{"cat <<< 'x'", "ls"}},
		{"empty", "\n\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitCommands(tt.input))
		})
	}
}
