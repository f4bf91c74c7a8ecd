// internal/tools/prompts.go
package tools

import (
	"fmt"
	"strings"
)

// -- Planning --

// PlanSystem is the planner's system message.
func PlanSystem(taskCategory string) string {
	return fmt.Sprintf(`In our interaction with the **User (requester)**, our goal is to gradually resolve their request or answer their questions.
The process involves three roles: **You (reasoner)**, **Me (executor)**, and **User (requester)**.
In each response, you must execute only one step, choosing to either provide an analysis, assign a task to **Me (executor)**, or request information from the **User (requester)**.
**I (executor)** can help **You (reasoner)** complete tasks that **You (reasoner)** cannot perform directly, including:
%s
Our goal is to resolve the **User (requester)**'s request.
* If **You (reasoner)** want to provide an analysis, use the <analysis>...</analysis> tag and briefly explain the current situation or the next logical step.
* If **You (reasoner)** want to assign a task to **Me (executor)**, use the <task>...</task> tag and clearly describe the task, such as creating/modifying files, running code, etc. You may state the expected result inside the task with <target>...</target>.
* If **You (reasoner)** want to request information from the **User (requester)**, ask them directly without using any tags.
If you believe the user's request has already been resolved, please answer the **User (requester)**'s request based on the entire conversation history and at the end of your answer add <finish>exit</finish>.`, taskCategory)
}

// PlanUserRequest introduces the user's request to the planner.
func PlanUserRequest(request, mandatoryStandards, taskCategory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here is the User's request:\n%s\n", request)
	if mandatoryStandards != "" {
		fmt.Fprintf(&b, "The final answer must satisfy these mandatory standards:\n%s\n", mandatoryStandards)
	}
	fmt.Fprintf(&b, `Let's work together to resolve requests made by the user.
**I (executor)** can help **You (reasoner)** complete tasks that **You (reasoner)** cannot perform directly, including:
%s
Please provide your analysis using the <analysis>...</analysis> tag or assign **Me (executor)** a task using the <task>...</task> tag.`, taskCategory)
	return b.String()
}

// PlanTail is appended to every planning prompt.
const PlanTail = `If you believe the user's request has already been resolved, please answer the **User (requester)**'s request based on the entire conversation history and at the end of your answer add <finish>exit</finish>.
Otherwise, provide your next analysis or assign a task to **Me (executor)** within the appropriate tag:
> Use the <analysis>...</analysis> tag for your next analysis.
> Use the <task>...</task> tag for the task that you would like to assign to me.
Please do NOT repeat the similar analysis that you have already provided.`

// PlanTailAvoidRepetition replaces PlanTail once the planner keeps analysing
// without assigning work.
const PlanTailAvoidRepetition = `If you believe the user's request has already been resolved, please answer the **User (requester)**'s request based on the entire conversation history and at the end of your answer add <finish>exit</finish>.
Otherwise, please assign a task based on your analysis.
Please do NOT repeat the similar analysis again!`

// PlanNudge answers a planner reply that neither planned nor finished.
const PlanNudge = `Please check whether you have completed the user's request.
If not, please continue assisting me with the current user request without asking questions.
You should provide me with only one step: either an analysis or a task to perform.`

// -- Classification --

// ClassifySystem lists the tool families the classifier can pick from.
func ClassifySystem(c *Catalog) string {
	var b strings.Builder
	b.WriteString("I would like to finish a task, please help me choose the suitable sets of commands to complete this task.\n")
	for i, name := range c.Names() {
		f, _ := c.Lookup(name)
		fmt.Fprintf(&b, "%d. %s If you want to select this set of commands, please return: <clf_task>%s</clf_task>\n", i+1, f.Summary, name)
	}
	b.WriteString("If you want to select multiple sets of commands, please separate them with commas.\n")
	b.WriteString("For example, if you think we not only need to edit some files but also execute some code, you should return: <clf_task>file_edit, code_exec</clf_task>.")
	return b.String()
}

// ClassifyTask is the classifier's tail for the current task.
func ClassifyTask(task, target string) string {
	if target == "" {
		return fmt.Sprintf("I would like to finish the task below:\n%s\nPlease help me choose the commands to complete this task.", task)
	}
	return fmt.Sprintf("I would like to finish the task below:\n%s\nThe expected target is:\n%s\nPlease help me choose the commands to complete this task.", task, target)
}

// -- Execution --

// ExecuteSplitRequest stands in for the planner's decomposition in the
// executor's view of the conversation.
const ExecuteSplitRequest = `Please help me break the user's request into smaller tasks, and I will complete them one by one.`

// ExecuteSystem frames the executor; tools and examples come from the catalog.
func ExecuteSystem(tools, examples string) string {
	return fmt.Sprintf(`Please collaborate with me to fulfill a request. For each step, provide the necessary command to execute, and I will return the results.

**Guidelines:**
> You have the capability to execute one of the following commands:
%s
> Only one command can be executed at a time. The result of the command will be displayed before proceeding to the next step.
> The functions above are tools, not Python functions: call each one as a statement of its own with literal arguments. Do not assign their results, pass variables to them or call them inside loops, conditions or functions. Plain Python can sit between those statements.
> We will break the request into smaller tasks and complete them step by step.
> Once a task is completed, I will ask the user for the next step. You do not need to determine the next task in advance.

**Example:**
%s

**Instructions for Task Completion:**
> If you think the **current task** is already solved, please say:
<task_finish>
exit
</task_finish>.
> Otherwise, please provide the next command inside the corresponding tag.

Now, Please help me to solve the real request.`, tools, examples)
}

// ExecuteTail is appended to every execution prompt.
func ExecuteTail(task, note string) string {
	return fmt.Sprintf(`The current task is:
%s
If you think the current smaller task is already solved, please respond with your conclusion and include the following tag at the end:
<task_finish>
exit
</task_finish>.
Otherwise, provide the next command within the appropriate execution tag:
> Use <execute_bash>...</execute_bash> for Bash commands.
> Use <execute_ipython>...</execute_ipython> for my other customized commands, as I mentioned in the beginning.
%s`, task, note)
}

// ExecuteNudge answers an executor reply that carried no command.
const ExecuteNudge = `You did not provide any commands. If you believe the task is complete or cannot be solved, reply with <task_finish>exit</task_finish>; otherwise, please provide a command.`

// ParseErrorNudge answers a reply that mixed incompatible tags.
func ParseErrorNudge(err error) string {
	return fmt.Sprintf("Your last reply could not be executed: %v. Please provide exactly one command or one finish tag.", err)
}

// BudgetExhausted is recorded when the session exceeds its cost cap.
func BudgetExhausted(spent, limit float64) string {
	return fmt.Sprintf("The budget for this request is exhausted ($%.4f spent, limit $%.2f). Stopping here.", spent, limit)
}

// DetectDropdown prefixes the dropdown options found on the current page.
const DetectDropdown = `Detected a dropdown menu. Please carefully observe the contents of these dropdown menus. If needed, use the function ` + "`select_dropdown_option(selector_index: int, option: int)`" + ` to select your desired option.`

// -- Request parsing --

// MandatoryStandards asks the model to extract hard requirements from a request.
func MandatoryStandards(request string) string {
	return fmt.Sprintf(`I would like your help in extracting the question and corresponding mandatory requirements from the user's request.
For example, if the user raises a code-related question that includes unit tests, then the mandatory requirement would be the inclusion of unit tests.
Similarly, if the user requests an article written in a specific style, the mandatory requirement would be that the final article conforms to that style.
If there is no mandatory requirement, please return None.
You should put the extracted mandatory requirements inside the <mandatory_standards>...</mandatory_standards> tag.
Here are some examples:
### User request ###:
Can you provide Python code to calculate the factorial of a number? Please include error handling for invalid input.
### Mandatory Requirement ###:
<mandatory_standards>
The code must include error handling for invalid input.
</mandatory_standards>

### User request ###:
Write a blog post on the benefits of AI in healthcare, using a formal, informative tone.
### Mandatory Requirement ###:
<mandatory_standards>
The article must be written in a formal, informative tone.
</mandatory_standards>

### User request ###:
Hello, nice to meet you!
### Mandatory Requirement ###:
<mandatory_standards>
None
</mandatory_standards>

Here is the real user request:
### User request ###:
%s
### Mandatory Requirement ###:
`, request)
}

// -- Critic and summary --

// CriticSuccessMarker is the verdict a critic returns for an achieved task.
const CriticSuccessMarker = "<|exit_code=0|>"

const CriticSystem = `User and Assistant collaborated to complete a task. Their conversation record is as follows.
Please help me evaluate whether the task has been correctly completed.`

// CriticTask asks whether the current task reached its target.
func CriticTask(task, target string) string {
	subject := "Task: " + task
	if target != "" {
		subject += " Target: " + target
	}
	return fmt.Sprintf(`Please check whether the %s has been achieved based on the previous conversation record.
If the target is not achieved, tell me the reason.
If the target is achieved, please don't say any other things. Just say %s.`, subject, CriticSuccessMarker)
}

const SummarySystem = `User and Assistant collaborated to complete a task.
Their conversation record and the Git patch of the modified files are provided below.
Please summarize the key steps taken to accomplish this task, focusing only on the essential and correct steps while ignoring errors and unnecessary actions.
Please output your key steps in the following format.
<key_steps>
1. Step 1
2. Step 2
...
n. Step n
</key_steps>.`

// SummaryRequest asks for key steps; failed tasks also ask for the reason.
func SummaryRequest(succeeded bool, gitDiff string) string {
	var b strings.Builder
	if gitDiff != "" {
		fmt.Fprintf(&b, "The git diff is shown below: %s\n", gitDiff)
	}
	if succeeded {
		b.WriteString(`The task has been successfully completed. The detailed conversation record and the git patch of the modified files are provided above.
Please summarize the key steps we took to accomplish this task.
You should put All the key steps into the following tags: <key_steps>...</key_steps>.
For now, you don't need to tell me the next step.`)
	} else {
		b.WriteString(`The task does not appear to have been correctly completed. The detailed conversation record and the git patch of the modified files are provided above.
Please summarize the key files and the main observations that I have and the reason why I can not complete the task.
You should put All the key steps into the following tags: <key_steps>...</key_steps>.
For now, you don't need to tell me the next step.`)
	}
	return b.String()
}

// -- Grounding --

// GroundingDOMSystem frames the element-index question.
func GroundingDOMSystem(item, description string) string {
	return fmt.Sprintf(`I want to click on %s with the mouse. %s
Please help me determine the exact DOM element node that I need to click on.
I will provide you with:
1. A screenshot of my computer screen, where all DOMElementNodes will be highlighted and numbered.
2. Detailed information about the current page, including the index of each DOMElementNode and its corresponding HTML code.`, item, description)
}

// DOMState is the page information shown to the element-index model.
type DOMState struct {
	Tabs        string
	URL         string
	Title       string
	ElementTree string
	PixelsAbove int
	PixelsBelow int
	SelectorMap string
}

// GroundingDOMUser asks for the element index of item on the current page.
func GroundingDOMUser(item, description string, s DOMState) string {
	return fmt.Sprintf(`I want to click on %s. %s
Please help me determine its **EXACT** element node index.
I have provided you with the current screenshot, where all DOMElementNodes will be highlighted and numbered.
The detailed information about the current page, including the index of each DOMElementNode and its corresponding HTML code is shown below:
Tabs information: %s
URL: %s
Title: %s
element tree: %s
pixels above current screen: %d
pixels below current screen: %d
DOMElementNodes:
%s
Please tell me the **EXACT** element node index that I should click. If no element matches %s, please return None.
You should put your final answer in <index>...</index> tag. For example, you can return <index>5</index> or <index>None</index>`,
		item, description, s.Tabs, s.URL, s.Title, s.ElementTree, s.PixelsAbove, s.PixelsBelow, s.SelectorMap, item)
}

// GroundingJS asks for a script that performs the action directly.
func GroundingJS(action, item, description string, s DOMState) string {
	return fmt.Sprintf(`I want to perform a %s on %s in the browser. %s
Clicking the element by its index did not work.
Current page URL: %s
Title: %s
DOMElementNodes:
%s
Please write a short JavaScript snippet that performs this action directly in the page, for example by locating the element with document.querySelector and calling its click() method.
Put only the code inside the <execute_js>...</execute_js> tag.`, action, item, description, s.URL, s.Title, s.SelectorMap)
}

// GroundingPoint asks a vision model for one pixel coordinate.
func GroundingPoint(item, description string) string {
	return fmt.Sprintf("Please provide the ONE point coordinates (x, y) of the element described as: %s (%s)", item, description)
}

// -- Helpers --

// LineDrift asks the file-edit model to repair an edit_file call whose line
// anchors no longer match the file.
func LineDrift(code, result string) string {
	return fmt.Sprintf(`I am using a function to edit a file:
edit_file(file_name: str, start_line: int, start_str: str, end_line: int, end_str: str, content: str): Edits the specified file by replacing the content between start and end lines with the new content. file_name: Name of the file. start_line: Starting line number. start_str: String content in Starting line. end_line: Ending line number. end_str: String content in Ending line. content: New content to replace.
Here is an example of the function call:
<execute_ipython>
edit_file(file_name='app.py', start_line=6, start_str='    numbers = list(range(1, 11))', end_line=6, end_str='    numbers = list(range(1, 11))', content='    numbers = list(range(1, 11))\n    print("Server is running on port 5000...")')
</execute_ipython>
Below is the command I am running,
%s
, but it seems to contain some errors. Here is the detailed error message:
%s
Please help me correct the command so that I can edit the file at the right location. You should put the new command in the <execute_ipython>...</execute_ipython> tag.`, code, result)
}

// ToolMaker asks for a single new Python function.
func ToolMaker(functionality, name, inputs, outputs string) string {
	return fmt.Sprintf(`Please help me to write a new python function based on the following instruction: The function should provide the following functionality.
%s
The name of the function should be:
%s
The input of the function should be:
%s
The output of the function should be:
%s
Please verify your function thoroughly. Finally, please only provide the complete function and wrap it inside the <tool>...</tool> tag. Do not include anything else inside the <tool>...</tool> tag (such as unit tests or usage examples). Only place the function itself within the tag.
Here is an example:
USER:
I need a function that can create a new sheet in an existing Excel file.
Function name: create_excel_page
Input: file_name (str), page_name (str)
Output: None

ASSISTANT:
<tool>
import openpyxl

def create_excel_page(file_name: str, page_name: str) -> None:
    wb = openpyxl.load_workbook(file_name)
    if page_name in wb.sheetnames:
        raise ValueError(f"Sheet '{page_name}' already exists.")
    wb.create_sheet(title=page_name)
    wb.save(file_name)
</tool>`, functionality, name, inputs, outputs)
}

// ToolCreated prefixes a successfully fabricated tool.
const ToolCreated = "The new tool is created, here is its detailed implementation:\n"

// AudioQuestion asks a question about a transcript.
func AudioQuestion(transcript, question string) string {
	return fmt.Sprintf("Here is the transcript of an audio file:\n%s\nPlease answer the following question about the audio: %s", transcript, question)
}

// VideoQuestion asks about one extracted frame.
func VideoQuestion(path string, second float64) string {
	return fmt.Sprintf("This is the frame at %.1f seconds of the video %s. Please describe what is shown in detail.", second, path)
}
