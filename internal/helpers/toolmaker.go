// internal/helpers/toolmaker.go
package helpers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/infant/internal/llmclient"
	"github.com/xkilldash9x/infant/internal/llmutil"
	"github.com/xkilldash9x/infant/internal/memory"
	"github.com/xkilldash9x/infant/internal/pycall"
	"github.com/xkilldash9x/infant/internal/tools"
)

const (
	defaultToolTimeout = 120 * time.Second
	toolMakerCall      = "make_new_tool"
	toolTraceback      = "Traceback (most recent call last)"
	toolCreatedSuffix  = "\nIf you encounter any issues during use, please let me know."
	toolFailed         = "Sorry, I was unable to create the tool due to the following error: %s\nPlease review the functionality requirements and try again."
)

// checkScript parses the tool and asserts that it defines the function.
const checkScript = `import ast, sys
src = open(sys.argv[1]).read()
tree = ast.parse(src)
names = {n.name for n in ast.walk(tree) if isinstance(n, (ast.FunctionDef, ast.AsyncFunctionDef))}
if sys.argv[2] not in names:
    sys.exit("function %s is not defined" % sys.argv[2])
`

var execCommandContext = exec.CommandContext

// ToolRequest is one make_new_tool call.
type ToolRequest struct {
	Functionality string
	Name          string
	Inputs        string
	Outputs       string
}

// ToolRequestFromCall reads the make_new_tool arguments. Non-string values
// such as input lists are rendered the way Python prints them.
func ToolRequestFromCall(call pycall.Call) (ToolRequest, error) {
	var r ToolRequest
	for i, f := range []struct {
		name string
		dst  *string
	}{
		{"functionality", &r.Functionality},
		{"function_name", &r.Name},
		{"function_inputs", &r.Inputs},
		{"function_outputs", &r.Outputs},
	} {
		v, ok := call.Arg(i, f.name)
		if !ok {
			return ToolRequest{}, fmt.Errorf("%s() missing argument '%s'", toolMakerCall, f.name)
		}
		*f.dst = pyRepr(v)
	}
	return r, nil
}

func pyRepr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			if s, ok := e.(string); ok {
				parts[i] = pycall.Quote(s)
			} else {
				parts[i] = fmt.Sprint(e)
			}
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case nil:
		return "None"
	}
	return fmt.Sprint(v)
}

// ToolMaker writes new Python functions on request. A tool is syntax checked
// in a local python3 process and then loaded into the kernel; the tool
// catalog itself never changes.
type ToolMaker struct {
	gateway llmclient.Gateway
	exec    Executor
	python  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewToolMaker returns a ToolMaker. A zero timeout means two minutes.
func NewToolMaker(gateway llmclient.Gateway, exec Executor, timeout time.Duration, logger *zap.Logger) *ToolMaker {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &ToolMaker{gateway: gateway, exec: exec, python: "python3", timeout: timeout, logger: logger.Named("tool_maker")}
}

// Handle answers every make_new_tool call in code and returns the text the
// agent observes. Only cancellation is returned as an error.
func (t *ToolMaker) Handle(ctx context.Context, code string) (string, error) {
	calls, err := pycall.FindCalls(ctx, code, toolMakerCall)
	if err != nil {
		return "", err
	}
	if len(calls) == 0 {
		return fmt.Sprintf(toolFailed, "no make_new_tool call was found"), nil
	}
	var outputs []string
	for _, call := range calls {
		req, err := ToolRequestFromCall(call)
		if err != nil {
			outputs = append(outputs, fmt.Sprintf(toolFailed, err))
			continue
		}
		out, err := t.Make(ctx, req)
		if err != nil {
			return "", err
		}
		outputs = append(outputs, out)
	}
	return strings.Join(outputs, "\n"), nil
}

// Make creates one tool.
func (t *ToolMaker) Make(ctx context.Context, req ToolRequest) (string, error) {
	log := t.logger.With(zap.String("function", req.Name))
	log.Info("Creating tool.")

	tool, err := t.write(ctx, req)
	if err == nil {
		err = t.check(ctx, tool, req.Name)
	}
	if err == nil {
		err = t.load(ctx, tool)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("Tool creation failed.", zap.Error(err))
		return fmt.Sprintf(toolFailed, err), nil
	}
	log.Info("Tool created.")
	return tools.ToolCreated + tool + toolCreatedSuffix, nil
}

func (t *ToolMaker) write(ctx context.Context, req ToolRequest) (string, error) {
	msgs := []llmclient.Message{
		llmclient.TextMessage(llmclient.RoleUser, tools.ToolMaker(req.Functionality, req.Name, req.Inputs, req.Outputs)),
	}
	resp, err := t.gateway.Completion(ctx, msgs, []string{"</tool>"})
	if err != nil {
		return "", err
	}
	tool, ok := llmutil.ExtractTag(llmutil.AutoClose(resp.Text, []string{"tool"}), "tool")
	tool = llmutil.CleanCodeOutput(tool)
	if !ok || tool == "" {
		return "", errors.New("the model returned no <tool> block")
	}
	return tool, nil
}

// check runs the syntax check in an isolated interpreter.
func (t *ToolMaker) check(ctx context.Context, tool, name string) error {
	f, err := os.CreateTemp("", "infant-tool-*.py")
	if err != nil {
		return fmt.Errorf("failed to stage tool: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(tool); err != nil {
		f.Close()
		return fmt.Errorf("failed to stage tool: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to stage tool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	cmd := execCommandContext(ctx, t.python, "-I", "-c", checkScript, f.Name(), name)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("tool check timed out after %s", t.timeout)
		}
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// load defines the tool in the kernel so later cells can call it.
func (t *ToolMaker) load(ctx context.Context, tool string) error {
	out, err := t.exec.RunIPython(ctx, &memory.IPythonRun{Code: tool})
	if err != nil {
		return err
	}
	if strings.Contains(out, toolTraceback) {
		return fmt.Errorf("loading the tool raised:\n%s", strings.TrimSpace(out))
	}
	return nil
}
