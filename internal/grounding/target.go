// internal/grounding/target.go
package grounding

import (
	"context"

	"github.com/xkilldash9x/infant/internal/computer"
	"github.com/xkilldash9x/infant/internal/pycall"
)

// mouseActions are the primitives that take a described target instead of
// coordinates.
var mouseActions = map[string]computer.ClickKind{
	"mouse_left_click":   computer.ClickLeft,
	"mouse_double_click": computer.ClickDouble,
	"mouse_right_click":  computer.ClickRight,
	"mouse_move":         computer.ClickMove,
}

// elementNodes maps a click kind to its browser element primitive. Moving has
// no element variant.
var elementNodes = map[computer.ClickKind]string{
	computer.ClickLeft:   "left_click_element_node",
	computer.ClickDouble: "double_click_element_node",
	computer.ClickRight:  "right_click_element_node",
}

// Target is a mouse call that names what to point at in words.
type Target struct {
	Call        pycall.Call
	Kind        computer.ClickKind
	Item        string
	Description string
}

// FindTarget returns the first described mouse call in code. Calls that
// already carry coordinates are left alone.
func FindTarget(ctx context.Context, code string) (Target, bool, error) {
	targets, err := FindTargets(ctx, code)
	if err != nil || len(targets) == 0 {
		return Target{}, false, err
	}
	return targets[0], true, nil
}

// FindTargets returns every described mouse call in code, in source order.
func FindTargets(ctx context.Context, code string) ([]Target, error) {
	names := make([]string, 0, len(mouseActions))
	for name := range mouseActions {
		names = append(names, name)
	}
	calls, err := pycall.FindCalls(ctx, code, names...)
	if err != nil {
		return nil, err
	}
	var targets []Target
	for _, call := range calls {
		raw, _ := call.Arg(0, "item")
		item, ok := raw.(string)
		if !ok {
			continue
		}
		desc, _ := call.String(1, "description")
		targets = append(targets, Target{Call: call, Kind: mouseActions[call.Name], Item: item, Description: desc})
	}
	return targets, nil
}

// substitute replaces the target call in code with replacement, keeping
// everything around it.
func substitute(code string, t Target, replacement string) string {
	if t.Call.Start < 0 || t.Call.End > len(code) || t.Call.Start > t.Call.End {
		return replacement
	}
	return code[:t.Call.Start] + replacement + code[t.Call.End:]
}
