// internal/computer/files.go
package computer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
)

const (
	defaultWindow  = 150
	maxWindow      = 2000
	maxSearchFiles = 100
)

// FileUpdated closes the output of every successful edit.
const FileUpdated = "[File updated. Please review the changes and make sure they are correct (correct indentation, no duplicate lines, etc). Edit the file again if necessary.]"

// FileSystem maps container paths under Workspace onto the host directory
// Mount, which is the same volume seen from outside the container.
type FileSystem struct {
	Workspace string
	Mount     string
}

// NewFileSystem expands "~" in mount.
func NewFileSystem(workspace, mount string) (FileSystem, error) {
	expanded, err := homedir.Expand(mount)
	if err != nil {
		return FileSystem{}, fmt.Errorf("failed to expand mount path: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return FileSystem{}, fmt.Errorf("failed to resolve mount path: %w", err)
	}
	if workspace == "" {
		workspace = "/workspace"
	}
	return FileSystem{Workspace: path.Clean(workspace), Mount: abs}, nil
}

// ContainerPath resolves p against the workspace. Relative paths are taken
// from the workspace root.
func (f FileSystem) ContainerPath(p string) string {
	p = strings.TrimSpace(p)
	if !path.IsAbs(p) {
		p = path.Join(f.Workspace, p)
	}
	return path.Clean(p)
}

// HostPath maps a container path onto the host mount.
func (f FileSystem) HostPath(p string) (string, error) {
	cp := f.ContainerPath(p)
	if cp != f.Workspace && !strings.HasPrefix(cp, f.Workspace+"/") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, cp)
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(cp, f.Workspace), "/")
	return filepath.Join(f.Mount, filepath.FromSlash(rel)), nil
}

// FromHost maps a host path under the mount back into the container.
func (f FileSystem) FromHost(host string) string {
	rel, err := filepath.Rel(f.Mount, host)
	if err != nil || strings.HasPrefix(rel, "..") {
		return host
	}
	return path.Join(f.Workspace, filepath.ToSlash(rel))
}

// Linter checks a file inside the container and returns its error report,
// empty when clean.
type Linter func(ctx context.Context, containerPath string) (string, error)

// FileTools implements the file primitives with the editor state they share:
// the open file, the current line and the window size.
type FileTools struct {
	fs   FileSystem
	lint Linter

	mu      sync.Mutex
	current string
	line    int
	window  int
}

// NewFileTools creates the file primitives. A nil lint disables auto-lint.
func NewFileTools(fsys FileSystem, lint Linter) *FileTools {
	return &FileTools{fs: fsys, lint: lint, line: 1, window: defaultWindow}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// readLines returns the file's lines with their endings kept.
func readLines(hostPath string) ([]string, error) {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, err
	}
	return splitKeepEnds(string(data)), nil
}

func splitKeepEnds(s string) []string {
	var lines []string
	for len(s) > 0 {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
	}
	return lines
}

func fileHeader(containerPath string, total int) string {
	return fmt.Sprintf("[File: %s (%d lines total)]\n", containerPath, total)
}

// renderWindow shows up to window lines around target.
func renderWindow(lines []string, target, window int) (string, int) {
	if len(lines) == 0 {
		lines = []string{"\n"}
	} else if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
		lines = append(lines[:len(lines)-1:len(lines)-1], last+"\n")
	}
	total := len(lines)
	current := clamp(target, 1, total)
	half := window / 2
	if half < 1 {
		half = 1
	}
	start := max(1, current-half)
	end := min(total, current+half)
	if start == 1 {
		end = min(total, start+window-1)
	}
	if end == total {
		start = max(1, end-window+1)
	}

	var b strings.Builder
	if start > 1 {
		fmt.Fprintf(&b, "(%d more lines above)\n", start-1)
	}
	for i := start; i <= end; i++ {
		line := lines[i-1]
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		fmt.Fprintf(&b, "%d|%s", i, line)
	}
	if end < total {
		fmt.Fprintf(&b, "(%d more lines below)\n", total-end)
	}
	return strings.TrimRight(b.String(), " \t\r\n"), current
}

func totalLines(lines []string) int {
	return max(1, len(lines))
}

// OpenFile shows path around lineNumber with contextLines of context.
func (t *FileTools) OpenFile(p string, lineNumber, contextLines int) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(host)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("File %s not found", p)
	}
	lines, err := readLines(host)
	if err != nil {
		return "", err
	}
	if isBinary(lines) {
		return "", fmt.Errorf("Unsupported binary file: %s. Only text files are supported.", filepath.Ext(host))
	}
	total := totalLines(lines)
	if lineNumber == 0 {
		lineNumber = 1
	}
	if lineNumber < 1 || lineNumber > total {
		return "", fmt.Errorf("Line number must be between 1 and %d", total)
	}
	if contextLines < 1 {
		contextLines = defaultWindow
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = t.fs.ContainerPath(p)
	t.window = clamp(contextLines, 1, maxWindow)
	body, cur := renderWindow(lines, lineNumber, t.window)
	t.line = cur
	return fileHeader(t.current, total) + body, nil
}

func isBinary(lines []string) bool {
	n := 0
	for _, l := range lines {
		if strings.IndexByte(l, 0) >= 0 {
			return true
		}
		n += len(l)
		if n > 2048 {
			break
		}
	}
	return false
}

// show renders the current file at line. Callers hold t.mu.
func (t *FileTools) show(line func(cur, window, total int) (int, error)) (string, error) {
	if t.current == "" {
		return "", fmt.Errorf("No file open. Use the open_file function first.")
	}
	host, err := t.fs.HostPath(t.current)
	if err != nil {
		return "", err
	}
	lines, err := readLines(host)
	if err != nil {
		return "", fmt.Errorf("No file open. Use the open_file function first.")
	}
	total := totalLines(lines)
	target, err := line(t.line, t.window, total)
	if err != nil {
		return "", err
	}
	body, cur := renderWindow(lines, target, t.window)
	t.line = cur
	return fileHeader(t.current, total) + body, nil
}

// GotoLine moves the window of the open file to lineNumber.
func (t *FileTools) GotoLine(lineNumber int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.show(func(_, _, total int) (int, error) {
		if lineNumber < 1 || lineNumber > total {
			return 0, fmt.Errorf("Line number must be between 1 and %d", total)
		}
		return lineNumber, nil
	})
}

// ScrollDown moves the window down by its own height.
func (t *FileTools) ScrollDown() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.show(func(cur, window, total int) (int, error) {
		return clamp(cur+window, 1, total), nil
	})
}

// ScrollUp moves the window up by its own height.
func (t *FileTools) ScrollUp() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.show(func(cur, window, total int) (int, error) {
		return clamp(cur-window, 1, total), nil
	})
}

// CreateFile creates a file holding a single empty line, or content when
// given, and opens it.
func (t *FileTools) CreateFile(p string, content *string) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(host); err == nil {
		return "", fmt.Errorf("File '%s' already exists.", p)
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return "", fmt.Errorf("Could not access or create directories: %w", err)
	}
	data := "\n"
	if content != nil {
		data = *content
	}
	if err := os.WriteFile(host, []byte(data), 0o644); err != nil {
		return "", err
	}
	out, err := t.OpenFile(p, 1, 0)
	if err != nil {
		return "", err
	}
	return out + fmt.Sprintf("\n[File %s created.]", p), nil
}

// SearchFile lists the lines of p, or of the open file, containing term.
func (t *FileTools) SearchFile(term, p string) (string, error) {
	if p == "" {
		t.mu.Lock()
		p = t.current
		t.mu.Unlock()
		if p == "" {
			return "", fmt.Errorf("No file specified or open. Use the open_file function first.")
		}
	}
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	lines, err := readLines(host)
	if err != nil {
		return "", fmt.Errorf("File %s not found", p)
	}
	var matches []string
	for i, l := range lines {
		if strings.Contains(l, term) {
			matches = append(matches, fmt.Sprintf("Line %d: %s", i+1, strings.TrimSpace(l)))
		}
	}
	if len(matches) == 0 {
		return fmt.Sprintf("[No matches found for %q in %s]", term, p), nil
	}
	return fmt.Sprintf("[Found %d matches for %q in %s]\n%s\n[End of matches for %q in %s]",
		len(matches), term, p, strings.Join(matches, "\n"), term, p), nil
}

// walkFiles visits the regular files below the container directory dir,
// skipping hidden files, and returns container paths in lexical order.
func (t *FileTools) walkFiles(dir string) ([]string, error) {
	host, err := t.fs.HostPath(dir)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(host); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("Directory %s not found", dir)
	}
	var out []string
	err = filepath.WalkDir(host, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != host && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		out = append(out, p)
		return nil
	})
	sort.Strings(out)
	return out, err
}

// displayPath renders a host file path the way the model referred to dir.
func (t *FileTools) displayPath(dir, host string) string {
	hostDir, err := t.fs.HostPath(dir)
	if err != nil {
		return t.fs.FromHost(host)
	}
	rel, err := filepath.Rel(hostDir, host)
	if err != nil {
		return t.fs.FromHost(host)
	}
	return path.Join(dir, filepath.ToSlash(rel))
}

// SearchDir lists every line below dir containing term.
func (t *FileTools) SearchDir(term, dir string) (string, error) {
	if dir == "" {
		dir = "./"
	}
	files, err := t.walkFiles(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	matched := map[string]bool{}
	for _, f := range files {
		lines, err := readLines(f)
		if err != nil || isBinary(lines) {
			continue
		}
		for i, l := range lines {
			if strings.Contains(l, term) {
				shown := t.displayPath(dir, f)
				matched[shown] = true
				matches = append(matches, fmt.Sprintf("%s (Line %d): %s", shown, i+1, strings.TrimSpace(l)))
			}
		}
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No matches found for %q in %s", term, dir), nil
	}
	if len(matched) > maxSearchFiles {
		return fmt.Sprintf("More than %d files matched for %q in %s. Please narrow your search.", len(matched), term, dir), nil
	}
	return fmt.Sprintf("[Found %d matches for %q in %s]\n%s\n[End of matches for %q in %s]",
		len(matches), term, dir, strings.Join(matches, "\n"), term, dir), nil
}

// FindFile lists files below dir whose name contains name.
func (t *FileTools) FindFile(name, dir string) (string, error) {
	if dir == "" {
		dir = "./"
	}
	files, err := t.walkFiles(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, f := range files {
		if strings.Contains(filepath.Base(f), name) {
			matches = append(matches, t.displayPath(dir, f))
		}
	}
	if len(matches) == 0 {
		return fmt.Sprintf("[No matches found for %q in %s]", name, dir), nil
	}
	return fmt.Sprintf("[Found %d matches for %q in %s]\n%s\n[End of matches for %q in %s]",
		len(matches), name, dir, strings.Join(matches, "\n"), name, dir), nil
}
