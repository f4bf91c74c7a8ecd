// internal/tools/catalog.go
package tools

import (
	"fmt"
	"strings"
)

// Family names.
const (
	CodeExec            = "code_exec"
	FileEdit            = "file_edit"
	FileUnderstand      = "file_understand"
	WebBrowse           = "web_browse"
	ComputerInteraction = "computer_interaction"
)

// DefaultFamily is used when classification selects nothing usable.
const DefaultFamily = CodeExec

// TaskFinishStop ends every execute call.
const TaskFinishStop = "</task_finish>"

const (
	stopIPython = "</execute_ipython>"
	stopBash    = "</execute_bash>"
)

// Family is one selectable set of commands.
type Family struct {
	Name string
	// Summary is the one-line description shown to the classifier and planner.
	Summary string
	Doc     string
	Example string
	Note    string
	Stops   []string
}

// Catalog is the immutable set of tool families.
type Catalog struct {
	order    []string
	families map[string]Family
}

// NewCatalog builds a catalog; the order of fams is the presentation order.
func NewCatalog(fams ...Family) *Catalog {
	c := &Catalog{families: make(map[string]Family, len(fams))}
	for _, f := range fams {
		if _, dup := c.families[f.Name]; !dup {
			c.order = append(c.order, f.Name)
		}
		c.families[f.Name] = f
	}
	return c
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return NewCatalog(
		codeExecFamily, fileEditFamily, fileUnderstandFamily, webBrowseFamily, computerInteractionFamily,
	)
}

// Lookup returns the family called name.
func (c *Catalog) Lookup(name string) (Family, bool) {
	f, ok := c.families[name]
	return f, ok
}

// Names returns the family names in presentation order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// Filter keeps the known names of set in their given order, dropping
// duplicates. An empty result falls back to DefaultFamily.
func (c *Catalog) Filter(set []string) []string {
	seen := make(map[string]bool, len(set))
	var out []string
	for _, name := range set {
		name = strings.TrimSpace(name)
		if _, ok := c.families[name]; !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return []string{DefaultFamily}
	}
	return out
}

func (c *Catalog) selected(set []string) []Family {
	names := c.Filter(set)
	out := make([]Family, 0, len(names))
	for _, n := range names {
		out = append(out, c.families[n])
	}
	return out
}

// SystemMessage is the execute-phase system prompt for the selected families.
func (c *Catalog) SystemMessage(set []string) string {
	var docs, examples []string
	for _, f := range c.selected(set) {
		docs = append(docs, f.Doc)
		if f.Example != "" {
			examples = append(examples, f.Example)
		}
	}
	return ExecuteSystem(strings.Join(docs, "\n"), strings.Join(examples, "\n\n"))
}

// Stops returns TaskFinishStop followed by the stops of the selected families,
// deduplicated with first occurrence kept.
func (c *Catalog) Stops(set []string) []string {
	out := []string{TaskFinishStop}
	seen := map[string]bool{TaskFinishStop: true}
	for _, f := range c.selected(set) {
		for _, s := range f.Stops {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// Notes joins the notes of the selected families.
func (c *Catalog) Notes(set []string) string {
	var notes []string
	for _, f := range c.selected(set) {
		if f.Note != "" {
			notes = append(notes, f.Note)
		}
	}
	return strings.Join(notes, "\n")
}

// Describe renders a numbered capability list of the whole catalog for the
// planner.
func (c *Catalog) Describe() string {
	lines := make([]string, len(c.order))
	for i, name := range c.order {
		lines[i] = fmt.Sprintf("%d. %s", i+1, c.families[name].Summary)
	}
	return strings.Join(lines, "\n")
}

var codeExecFamily = Family{
	Name:    CodeExec,
	Summary: "Executing code (Python or Bash) and installing packages.",
	Doc: `Bash commands: wrap them in <execute_bash>...</execute_bash>. For example, <execute_bash> ls -l </execute_bash> lists the files in the current directory.
Python code: wrap it in <execute_ipython>...</execute_ipython>. The code runs in a persistent Jupyter kernel; variables survive between calls.
Long-running commands should be run in the background with "&", redirecting output to a file.
make_new_tool(functionality: str, function_name: str, function_inputs: str, function_outputs: str): Writes a new Python function for a job no existing tool covers and loads it into the kernel.`,
	Example: `USER: Run the script hello.py and report what it prints.
ASSISTANT: Let me run it.
<execute_bash>
python3 hello.py
</execute_bash>
USER: EXECUTION RESULT of [execute_bash]:
Hello, World!
ASSISTANT: The script prints "Hello, World!".
<task_finish>exit</task_finish>`,
	Note:  "When you install Python packages, use pip in <execute_bash> and do not mix several commands into one call unless they depend on each other.",
	Stops: []string{stopBash, stopIPython},
}

var fileEditFamily = Family{
	Name:    FileEdit,
	Summary: "Creating and editing files (code, text, configuration).",
	Doc: `File editing functions, called inside <execute_ipython>...</execute_ipython>:
create_file(filename: str): Creates and opens a new empty file.
edit_file(file_name: str, start: int, start_str: str, end: int, end_str: str, content: str): Replaces lines start..end with content. start_str and end_str must equal the current text of those lines.
append_file(file_name: str, content: str): Appends content to the end of the file.
replace_function(file_name: str, code_to_replace: str, new_code: str): Replaces a whole function definition.
replace_code(file_name: str, old_code: str, new_code: str): Replaces an exact code fragment once.`,
	Example: `USER: Add a print statement after line 6 of app.py.
ASSISTANT: I will insert the print after the numbers list.
<execute_ipython>
edit_file(file_name='app.py', start=6, start_str='    numbers = list(range(1, 11))', end=6, end_str='    numbers = list(range(1, 11))', content='    numbers = list(range(1, 11))\n    print(numbers)')
</execute_ipython>
USER: EXECUTION RESULT of [execute_ipython]:
[File: /workspace/app.py (10 lines total after edit)]
ASSISTANT: The edit is applied.
<task_finish>exit</task_finish>`,
	Note:  "Before editing, open the file to check the exact line numbers. Indentation is part of start_str and end_str.",
	Stops: []string{stopIPython, stopBash},
}

var fileUnderstandFamily = Family{
	Name:    FileUnderstand,
	Summary: "Reading and searching files and directories, including images, audio and video.",
	Doc: `File reading functions, called inside <execute_ipython>...</execute_ipython>:
open_file(path: str, line_number: int = 1, context_lines: int = 150): Shows the file around line_number.
goto_line(line_number: int), scroll_down(), scroll_up(): Move within the open file.
search_dir(search_term: str, dir_path: str = './'), search_file(search_term: str, file_path: str = None), find_file(file_name: str, dir_path: str = './'): Search files.
search_function(file_path: str, function_signature: str): Shows the definition of a function.
parse_audio(audio_path: str, question: str): Answers a question about an audio file.
parse_video(video_path: str, time_sec: float): Describes the video frame at time_sec.`,
	Example: `USER: Where is the function main defined in the repo?
ASSISTANT: <execute_ipython>
search_dir('def main', './')
</execute_ipython>`,
	Note:  "Read only the parts of large files that you need.",
	Stops: []string{stopIPython, stopBash},
}

var webBrowseFamily = Family{
	Name:    WebBrowse,
	Summary: "Browsing the web: opening pages, clicking, typing and reading page text.",
	Doc: `Browser functions, called inside <execute_ipython>...</execute_ipython>:
open_browser(), navigate_to(url: str), create_new_tab(url: str), switch_to_tab(tab_index: int), go_back(), go_forward(), refresh_page(), close_current_tab(): Control the browser.
get_page_text(): Returns the visible text of the current page.
mouse_left_click(item: str, description: str), mouse_double_click(item: str, description: str), mouse_right_click(item: str, description: str): Click the element described in words.
type_text(text: str), press_key(key: str): Keyboard input.
select_dropdown_option(selector_index: int, option: int): Picks an option of a dropdown.
take_screenshot(): Captures the screen.`,
	Example: `USER: Search for "golang" on the open search page.
ASSISTANT: <execute_ipython>
mouse_left_click('search box', 'The text input at the top center of the page')
type_text('golang')
press_key('Return')
</execute_ipython>`,
	Note:  "If you see a dropdown menu, use select_dropdown_option instead of clicking its options.",
	Stops: []string{stopIPython},
}

var computerInteractionFamily = Family{
	Name:    ComputerInteraction,
	Summary: "Operating desktop applications with mouse and keyboard.",
	Doc: `Desktop functions, called inside <execute_ipython>...</execute_ipython>:
take_screenshot(): Captures the screen.
mouse_left_click(item: str, description: str), mouse_double_click(item: str, description: str), mouse_right_click(item: str, description: str), mouse_move(item: str, description: str): Point at an element described in words.
mouse_move_rel(dx: int, dy: int), mouse_scroll(direction: str, amount: int), mouse_drag(x_start: int, y_start: int, x_end: int, y_end: int): Raw mouse control.
type_text(text: str), press_key(key: str): Keyboard input; key combinations use "+", for example "ctrl+s".
open_application(app_name: str): Launches a desktop application.`,
	Example: `USER: Open the text editor.
ASSISTANT: <execute_ipython>
open_application('gedit')
</execute_ipython>`,
	Note:  "Describe click targets by what they look like and where they are on screen.",
	Stops: []string{stopIPython},
}
