// internal/computer/edit.go
package computer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xkilldash9x/infant/internal/pycall"
)

const editErrorSuffix = "Your changes have NOT been applied. Please fix your edit command and try again.\n" +
	"You either need to 1) Open the correct file and try again or 2) Specify the correct start/end line arguments.\n" +
	"DO NOT re-run the same failed edit command. Running it again will lead to the same error."

const lintAdvice = "You probably need to do one or several of the following:\n" +
	"1) Specify the correct start/end line parameters;\n" +
	"2) Correct your edit code;\n" +
	"3) Choose another command (Such as replace_function(file_name, code_to_replace, new_code) command).\n" +
	"4) Use open_file(path, line_number, context_lines) command to check the details of where you want to modify and improve your command\n" +
	"DO NOT re-run the same failed edit command. Running it again will lead to the same error."

// LintCommand is the flake8 invocation used for auto-lint.
const LintCommand = "flake8 --isolated --select=F821,F822,F831,E112,E113,E999,E902"

// BackupPath is the sibling file that holds the pre-edit content.
func BackupPath(hostPath string) string {
	return filepath.Join(filepath.Dir(hostPath), ".backup."+filepath.Base(hostPath))
}

// anchorMatches compares a file line with the anchor the model supplied.
func anchorMatches(line, anchor string) bool {
	line = strings.TrimRight(line, "\r\n")
	return line == anchor || strings.TrimSpace(line) == strings.TrimSpace(anchor)
}

// closestMatch finds the line equal to target nearest to lineNumber, falling
// back to lines containing it. The result is 0-based, -1 when none.
func closestMatch(target string, lines []string, lineNumber int) int {
	if target == "" {
		return -1
	}
	best, bestDist := -1, -1
	consider := func(i int) {
		d := i + 1 - lineNumber
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	for i, l := range lines {
		if strings.TrimRight(l, "\r\n") == target {
			consider(i)
		}
	}
	if best >= 0 {
		return best
	}
	needle := strings.TrimSpace(target)
	for i, l := range lines {
		if strings.Contains(strings.TrimSpace(l), needle) {
			consider(i)
		}
	}
	return best
}

func mismatchReport(lines []string, start int, startStr string, end int, endStr string) string {
	var b strings.Builder
	if !anchorMatches(lines[start-1], startStr) {
		fmt.Fprintf(&b, "The string: %s does not match the start line: %d\n", startStr, start)
	}
	if !anchorMatches(lines[end-1], endStr) {
		fmt.Fprintf(&b, "The string: %s does not match the end line: %d\n", endStr, end)
	}
	b.WriteString(EditMismatchMarker + "\n")
	window, _ := renderWindow(lines, (start+end)/2, end-start+5)
	b.WriteString(window + "\n")
	fmt.Fprintf(&b, "The start line: %d is:\n%d|%s\nThe end line: %d is:\n%d|%s\n",
		start, start, strings.TrimRight(lines[start-1], "\n"), end, end, strings.TrimRight(lines[end-1], "\n"))
	if i := closestMatch(startStr, lines, start); i >= 0 {
		fmt.Fprintf(&b, "The matching string closest to the line %d and most similar to the start_str you provided is at position %d.\n%d|%s\n",
			start, i+1, i+1, strings.TrimRight(lines[i], "\n"))
	}
	if i := closestMatch(endStr, lines, end); i >= 0 {
		fmt.Fprintf(&b, "The matching string closest to the line %d and most similar to the end_str you provided is at position %d.\n%d|%s\n",
			end, i+1, i+1, strings.TrimRight(lines[i], "\n"))
	}
	b.WriteString("Your changes have NOT been applied. Please fix your edit command and try again.\n" +
		"Please double-check whether this part of the code is what you originally planned to modify\n" +
		"If you want to use the edit_file() command, please provide the correct start line and end line along with the corresponding strings on those lines. And don't forget to provide the `content` argument.\n" +
		"You should first try to use the information above to modify your edit_file() command.")
	return b.String()
}

// EditFile replaces lines start..end (inclusive) with content after checking
// that the anchors match those lines. A mismatch leaves the file untouched
// and returns ErrEditMismatch together with the report.
func (t *FileTools) EditFile(ctx context.Context, p string, start int, startStr string, end int, endStr, content string) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	lines, err := readLines(host)
	if err != nil {
		return "", fmt.Errorf("File %s not found.", p)
	}
	if len(lines) == 0 {
		lines = []string{"\n"}
	}
	errMsg := fmt.Sprintf("[Error editing file %s. Please confirm the file is correct.]", p)
	switch {
	case start < 1 || start > len(lines):
		return fmt.Sprintf("%s\nInvalid start line number: %d. Line numbers must be between 1 and %d (inclusive).\n%s", errMsg, start, len(lines), editErrorSuffix), nil
	case end < 1 || end > len(lines):
		return fmt.Sprintf("%s\nInvalid end line number: %d. Line numbers must be between 1 and %d (inclusive).\n%s", errMsg, end, len(lines), editErrorSuffix), nil
	case start > end:
		return fmt.Sprintf("%s\nInvalid line range: %d-%d. Start must be less than or equal to end.\n%s", errMsg, start, end, editErrorSuffix), nil
	}
	if !anchorMatches(lines[start-1], startStr) || !anchorMatches(lines[end-1], endStr) {
		return mismatchReport(lines, start, startStr, end, endStr), ErrEditMismatch
	}

	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	contentLines := splitKeepEnds(content)
	updated := make([]string, 0, len(lines)+len(contentLines))
	updated = append(updated, lines[:start-1]...)
	updated = append(updated, contentLines...)
	updated = append(updated, lines[end:]...)
	newContent := strings.Join(updated, "")
	if !strings.HasSuffix(newContent, "\n") {
		newContent += "\n"
	}

	focus := start + len(contentLines)/2
	return t.commitEdit(ctx, p, host, strings.Join(lines, ""), newContent, focus, len(contentLines)+10, start)
}

// AppendFile inserts content before line start, or at the end of the file.
func (t *FileTools) AppendFile(ctx context.Context, p, content string, start int) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	lines, err := readLines(host)
	if err != nil {
		return "", fmt.Errorf("File %s not found.", p)
	}
	original := strings.Join(lines, "")
	contentLines := splitKeepEnds(content)
	if start <= 0 || start > len(lines)+1 {
		start = len(lines) + 1
	}

	var newContent string
	if len(lines) == 0 || (len(lines) == 1 && strings.TrimSpace(lines[0]) == "") {
		newContent = content
	} else {
		if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
			lines[len(lines)-1] = last + "\n"
		}
		if n := len(contentLines); n > 0 && !strings.HasSuffix(contentLines[n-1], "\n") {
			contentLines[n-1] += "\n"
		}
		updated := append(append(append([]string(nil), lines[:start-1]...), contentLines...), lines[start-1:]...)
		newContent = strings.Join(updated, "")
	}
	if !strings.HasSuffix(newContent, "\n") {
		newContent += "\n"
	}

	focus := start + len(contentLines)/2
	t.mu.Lock()
	t.window = len(contentLines) + 10
	t.mu.Unlock()
	return t.commitEdit(ctx, p, host, original, newContent, focus, len(contentLines)+10, focus)
}

// ReplaceFunction replaces the whole definition of the named function.
func (t *FileTools) ReplaceFunction(ctx context.Context, p, function, newCode string) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", fmt.Errorf("File %s not found.", p)
	}
	original := string(data)
	span, ok, err := pycall.FindFunction(ctx, original, function)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("Function '%s' not found in the file '%s'.\n"+
			"Please check the function signature and try again. NOTE: The function signature should only include the function name.", function, p), nil
	}
	fileLines := strings.Split(strings.TrimSuffix(original, "\n"), "\n")
	updated := append(append(append([]string(nil), fileLines[:span.StartLine-1]...), newCode), fileLines[span.EndLine:]...)
	newContent := strings.Join(updated, "\n")
	if strings.HasSuffix(original, "\n") && !strings.HasSuffix(newContent, "\n") {
		newContent += "\n"
	}
	if newContent == original {
		return "The new code is exactly the same as the original code. You should use a different code and try again!", nil
	}
	focus := firstDifferentLine(original, newContent)
	return t.commitEdit(ctx, p, host, original, newContent, focus, len(strings.Split(newCode, "\n"))+10, focus)
}

// ReplaceCode replaces the single occurrence of oldCode. Blank lines between
// the lines of oldCode may be repeated in the file.
func (t *FileTools) ReplaceCode(ctx context.Context, p, oldCode, newCode string) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", fmt.Errorf("File %s not found.", p)
	}
	original := string(data)
	pattern := strings.ReplaceAll(regexp.QuoteMeta(oldCode), "\n", `\n+`)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid code block: %w", err)
	}
	locs := re.FindAllStringIndex(original, -1)
	switch len(locs) {
	case 0:
		return fmt.Sprintf("The code block:\n%s\nis not involved in the %s.\n"+
			"Your changes have NOT been applied.\n"+
			"Please use open_file(path, line_number, context_lines) command to check the details of where you want to modify and fix your command.\n"+
			"Or You can also use the edit_file(file_name, start, start_str end, end_str, content) command to indicate the code block that you want to modify.", oldCode, p), nil
	case 1:
	default:
		return fmt.Sprintf("The code block:\n%s\nis duplicated in the %s.\n"+
			"Your changes have NOT been applied.\n"+
			"Please use the edit_file(file_name, start, start_str end, end_str, content) command to indicate the code block that you want to modify.", oldCode, p), nil
	}
	newContent := original[:locs[0][0]] + newCode + original[locs[0][1]:]
	focus := firstDifferentLine(original, newContent)
	return t.commitEdit(ctx, p, host, original, newContent, focus, len(strings.Split(newCode, "\n"))+10, focus)
}

func firstDifferentLine(a, b string) int {
	la, lb := strings.Split(a, "\n"), strings.Split(b, "\n")
	for i := 0; i < len(la) && i < len(lb); i++ {
		if la[i] != lb[i] {
			return i + 1
		}
	}
	return min(len(la), len(lb))
}

// commitEdit writes newContent, lints it, and rolls back when the edit
// introduced new lint errors.
func (t *FileTools) commitEdit(ctx context.Context, p, host, original, newContent string, focus, lintWindow, showLine int) (string, error) {
	containerPath := t.fs.ContainerPath(p)
	lintable := t.lint != nil && strings.HasSuffix(host, ".py")

	var before string
	if lintable {
		var err error
		if before, err = t.lint(ctx, containerPath); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(host, []byte(newContent), 0o644); err != nil {
		return "", fmt.Errorf("An error occurred while handling the file: %w", err)
	}

	if lintable {
		backup := BackupPath(host)
		if err := os.WriteFile(backup, []byte(original), 0o644); err != nil {
			return "", fmt.Errorf("failed to write backup: %w", err)
		}
		defer os.Remove(backup)

		after, err := t.lint(ctx, containerPath)
		if err != nil {
			return "", err
		}
		if introduced := subtractLint(before, after); introduced != "" {
			shownNew, _ := renderWindow(splitKeepEnds(newContent), focus, lintWindow)
			shownOld, _ := renderWindow(splitKeepEnds(original), focus, lintWindow)
			if err := os.WriteFile(host, []byte(original), 0o644); err != nil {
				return "", fmt.Errorf("failed to restore %s: %w", p, err)
			}
			return "[Your proposed edit has introduced new syntax error(s). Please understand the errors and retry your edit command.]\n" +
				"[This is how your edit would have looked if applied]\n" +
				"-------------------------------------------------\n" + shownNew + "\n" +
				"-------------------------------------------------\n\n" +
				"[This is the original code before your edit]\n" +
				"-------------------------------------------------\n" + shownOld + "\n" +
				"-------------------------------------------------\n" +
				"Your changes have NOT been applied. Please fix your edit command and try again based on the following error messages.\n" +
				"ERRORS:\n" + introduced + "\n" + lintAdvice, nil
		}
	}

	lines := splitKeepEnds(newContent)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = containerPath
	body, cur := renderWindow(lines, showLine, t.window)
	t.line = cur
	return fmt.Sprintf("[File: %s (%d lines total after edit)]\n%s\n%s", containerPath, totalLines(lines), body, FileUpdated), nil
}

// subtractLint drops the lint lines of after whose message already appears
// in before.
func subtractLint(before, after string) string {
	lastPart := func(line string) string {
		parts := strings.Split(line, ":")
		return strings.TrimSpace(parts[len(parts)-1])
	}
	seen := map[string]bool{}
	for _, l := range strings.Split(before, "\n") {
		if strings.TrimSpace(l) != "" {
			seen[lastPart(l)] = true
		}
	}
	var kept []string
	for _, l := range strings.Split(after, "\n") {
		if strings.TrimSpace(l) == "" || seen[lastPart(l)] {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// SearchFunction shows the definition of the named function.
func (t *FileTools) SearchFunction(ctx context.Context, p, signature string) (string, error) {
	host, err := t.fs.HostPath(p)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return "", fmt.Errorf("File %s not found.", p)
	}
	span, ok, err := pycall.FindFunction(ctx, string(data), signature)
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("Function '%s' not found in the file '%s'.", signature, p), nil
	}
	lines := strings.Split(span.Text, "\n")
	numbered := make([]string, len(lines))
	for i, l := range lines {
		numbered[i] = fmt.Sprintf("%d|%s", span.StartLine+i, l)
	}
	return fmt.Sprintf("[Function %s in %s, lines %d-%d]\n%s", signature, t.fs.ContainerPath(p), span.StartLine, span.EndLine, strings.Join(numbered, "\n")), nil
}
