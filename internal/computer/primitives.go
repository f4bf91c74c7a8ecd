// internal/computer/primitives.go
package computer

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/infant/internal/pycall"
)

// PrimitiveFunc implements one function callable from a code cell. The
// returned text is what the cell prints.
type PrimitiveFunc func(ctx context.Context, call pycall.Call) (string, error)

// ArgError reports a missing or mistyped argument.
type ArgError struct {
	Func string
	Name string
	Want string
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("%s() argument '%s' is missing or is not a %s", e.Func, e.Name, e.Want)
}

// StringArg returns a required string argument.
func StringArg(call pycall.Call, pos int, name string) (string, error) {
	s, ok := call.String(pos, name)
	if !ok {
		return "", &ArgError{Func: call.Name, Name: name, Want: "string"}
	}
	return s, nil
}

// IntArg returns a required integer argument.
func IntArg(call pycall.Call, pos int, name string) (int, error) {
	n, ok := call.Int(pos, name)
	if !ok {
		return 0, &ArgError{Func: call.Name, Name: name, Want: "int"}
	}
	return n, nil
}

// intArgAlias is IntArg for a parameter known under several keyword names.
func intArgAlias(call pycall.Call, pos int, names ...string) (int, error) {
	for _, name := range names {
		if n, ok := call.Int(pos, name); ok {
			return n, nil
		}
	}
	return 0, &ArgError{Func: call.Name, Name: names[0], Want: "int"}
}

func optString(call pycall.Call, pos int, name, def string) string {
	if s, ok := call.String(pos, name); ok {
		return s
	}
	return def
}

func optInt(call pycall.Call, pos int, name string, def int) int {
	if n, ok := call.Int(pos, name); ok {
		return n
	}
	return def
}

// coords reads an (x, y) pair. Anything that is not a pair of numbers, such
// as an element description grounding could not resolve, maps to (-1, -1).
func coords(call pycall.Call) (int, int) {
	x, okX := call.Int(0, "x")
	y, okY := call.Int(1, "y")
	if !okX || !okY {
		return -1, -1
	}
	return x, y
}

func (c *Computer) registerBuiltins() {
	t := c.files
	d := c.desktop

	// File reading.
	c.Register("open_file", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "path")
		if err != nil {
			return "", err
		}
		return t.OpenFile(p, optInt(call, 1, "line_number", 1), optInt(call, 2, "context_lines", defaultWindow))
	})
	c.Register("goto_line", func(ctx context.Context, call pycall.Call) (string, error) {
		n, err := IntArg(call, 0, "line_number")
		if err != nil {
			return "", err
		}
		return t.GotoLine(n)
	})
	c.Register("scroll_down", func(ctx context.Context, call pycall.Call) (string, error) { return t.ScrollDown() })
	c.Register("scroll_up", func(ctx context.Context, call pycall.Call) (string, error) { return t.ScrollUp() })
	c.Register("search_dir", func(ctx context.Context, call pycall.Call) (string, error) {
		term, err := StringArg(call, 0, "search_term")
		if err != nil {
			return "", err
		}
		return t.SearchDir(term, optString(call, 1, "dir_path", "./"))
	})
	c.Register("search_file", func(ctx context.Context, call pycall.Call) (string, error) {
		term, err := StringArg(call, 0, "search_term")
		if err != nil {
			return "", err
		}
		return t.SearchFile(term, optString(call, 1, "file_path", ""))
	})
	c.Register("find_file", func(ctx context.Context, call pycall.Call) (string, error) {
		name, err := StringArg(call, 0, "file_name")
		if err != nil {
			return "", err
		}
		return t.FindFile(name, optString(call, 1, "dir_path", "./"))
	})
	c.Register("search_function", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "file_path")
		if err != nil {
			return "", err
		}
		sig, err := StringArg(call, 1, "function_signature")
		if err != nil {
			return "", err
		}
		return t.SearchFunction(ctx, p, sig)
	})

	// File editing.
	c.Register("create_file", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "filename")
		if err != nil {
			return "", err
		}
		var content *string
		if s, ok := call.String(1, "content"); ok {
			content = &s
		}
		return t.CreateFile(p, content)
	})
	c.Register("edit_file", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "file_name")
		if err != nil {
			return "", err
		}
		start, err := intArgAlias(call, 1, "start", "start_line")
		if err != nil {
			return "", err
		}
		startStr, err := StringArg(call, 2, "start_str")
		if err != nil {
			return "", err
		}
		end, err := intArgAlias(call, 3, "end", "end_line")
		if err != nil {
			return "", err
		}
		endStr, err := StringArg(call, 4, "end_str")
		if err != nil {
			return "", err
		}
		content, err := StringArg(call, 5, "content")
		if err != nil {
			return "", err
		}
		return t.EditFile(ctx, p, start, startStr, end, endStr, content)
	})
	c.Register("append_file", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "file_name")
		if err != nil {
			return "", err
		}
		content, err := StringArg(call, 1, "content")
		if err != nil {
			return "", err
		}
		return t.AppendFile(ctx, p, content, optInt(call, 2, "start", 0))
	})
	c.Register("replace_function", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "file_name")
		if err != nil {
			return "", err
		}
		fn, err := StringArg(call, 1, "code_to_replace")
		if err != nil {
			return "", err
		}
		code, err := StringArg(call, 2, "new_code")
		if err != nil {
			return "", err
		}
		return t.ReplaceFunction(ctx, p, fn, code)
	})
	c.Register("replace_code", func(ctx context.Context, call pycall.Call) (string, error) {
		p, err := StringArg(call, 0, "file_name")
		if err != nil {
			return "", err
		}
		oldCode, err := StringArg(call, 1, "old_code")
		if err != nil {
			return "", err
		}
		newCode, err := StringArg(call, 2, "new_code")
		if err != nil {
			return "", err
		}
		return t.ReplaceCode(ctx, p, oldCode, newCode)
	})

	// Desktop.
	c.Register("take_screenshot", func(ctx context.Context, call pycall.Call) (string, error) {
		return d.TakeScreenshot(ctx)
	})
	for name, kind := range map[string]ClickKind{
		"mouse_left_click":   ClickLeft,
		"mouse_double_click": ClickDouble,
		"mouse_right_click":  ClickRight,
		"mouse_move":         ClickMove,
	} {
		c.Register(name, func(ctx context.Context, call pycall.Call) (string, error) {
			x, y := coords(call)
			return d.Click(ctx, kind, x, y)
		})
	}
	c.Register("mouse_move_rel", func(ctx context.Context, call pycall.Call) (string, error) {
		dx, err := IntArg(call, 0, "dx")
		if err != nil {
			return "", err
		}
		dy, err := IntArg(call, 1, "dy")
		if err != nil {
			return "", err
		}
		return d.MoveRelative(ctx, dx, dy)
	})
	c.Register("mouse_scroll", func(ctx context.Context, call pycall.Call) (string, error) {
		return d.Scroll(ctx, optString(call, 0, "direction", "down"), optInt(call, 1, "amount", 1))
	})
	c.Register("mouse_drag", func(ctx context.Context, call pycall.Call) (string, error) {
		var p [4]int
		for i, name := range []string{"x_start", "y_start", "x_end", "y_end"} {
			n, err := IntArg(call, i, name)
			if err != nil {
				return "", err
			}
			p[i] = n
		}
		return d.Drag(ctx, p[0], p[1], p[2], p[3])
	})
	c.Register("type_text", func(ctx context.Context, call pycall.Call) (string, error) {
		text, err := StringArg(call, 0, "text")
		if err != nil {
			return "", err
		}
		return d.TypeText(ctx, text)
	})
	c.Register("press_key", func(ctx context.Context, call pycall.Call) (string, error) {
		key, err := StringArg(call, 0, "key")
		if err != nil {
			return "", err
		}
		return d.PressKey(ctx, key)
	})
	c.Register("open_application", func(ctx context.Context, call pycall.Call) (string, error) {
		app, err := StringArg(call, 0, "app_name")
		if err != nil {
			return "", err
		}
		return d.OpenApplication(ctx, app)
	})

	c.registerBrowser()
}

// registerBrowser adds the page primitives. They fail with errNoBrowser until
// a browser is attached.
func (c *Computer) registerBrowser() {
	noArgs := map[string]func(Browser, context.Context) (string, error){
		"go_back":           Browser.Back,
		"go_forward":        Browser.Forward,
		"refresh_page":      Browser.Refresh,
		"close_current_tab": Browser.CloseTab,
		"get_page_text":     Browser.PageText,
	}
	for name, fn := range noArgs {
		c.Register(name, func(ctx context.Context, call pycall.Call) (string, error) {
			b, err := c.activeBrowser(ctx)
			if err != nil {
				return "", err
			}
			return fn(b, ctx)
		})
	}

	c.Register("open_browser", func(ctx context.Context, call pycall.Call) (string, error) {
		c.mu.RLock()
		b, start := c.browser, c.browserStart
		c.mu.RUnlock()
		if b == nil {
			return "", errNoBrowser
		}
		if b.Active() {
			return "The browser is already open.", nil
		}
		return c.openBrowser(ctx, b, start)
	})
	c.Register("close", func(ctx context.Context, call pycall.Call) (string, error) {
		c.mu.RLock()
		b := c.browser
		c.mu.RUnlock()
		if b == nil {
			return "", errNoBrowser
		}
		if err := b.Close(ctx); err != nil {
			return "", err
		}
		return "Browser closed.", nil
	})
	c.Register("navigate_to", func(ctx context.Context, call pycall.Call) (string, error) {
		url, err := StringArg(call, 0, "url")
		if err != nil {
			return "", err
		}
		b, err := c.activeBrowser(ctx)
		if err != nil {
			return "", err
		}
		return b.Navigate(ctx, url)
	})
	c.Register("create_new_tab", func(ctx context.Context, call pycall.Call) (string, error) {
		b, err := c.activeBrowser(ctx)
		if err != nil {
			return "", err
		}
		return b.NewTab(ctx, optString(call, 0, "url", "about:blank"))
	})
	c.Register("switch_to_tab", func(ctx context.Context, call pycall.Call) (string, error) {
		i, err := IntArg(call, 0, "tab_index")
		if err != nil {
			return "", err
		}
		b, err := c.activeBrowser(ctx)
		if err != nil {
			return "", err
		}
		return b.SwitchTab(ctx, i)
	})
	c.Register("execute_javascript", func(ctx context.Context, call pycall.Call) (string, error) {
		script, err := StringArg(call, 0, "script")
		if err != nil {
			return "", err
		}
		b, err := c.activeBrowser(ctx)
		if err != nil {
			return "", err
		}
		return b.ExecuteJS(ctx, script)
	})
	c.Register("select_dropdown_option", func(ctx context.Context, call pycall.Call) (string, error) {
		index, ok := call.Int(0, "selector_index")
		if !ok {
			var err error
			if index, err = IntArg(call, 0, "index"); err != nil {
				return "", err
			}
		}
		option, err := IntArg(call, 1, "option")
		if err != nil {
			return "", err
		}
		b, err := c.activeBrowser(ctx)
		if err != nil {
			return "", err
		}
		return b.SelectDropdownOption(ctx, index, option)
	})
	for name, kind := range map[string]ClickKind{
		"left_click_element_node":   ClickLeft,
		"double_click_element_node": ClickDouble,
		"right_click_element_node":  ClickRight,
	} {
		c.Register(name, func(ctx context.Context, call pycall.Call) (string, error) {
			i, err := IntArg(call, 0, "element_index")
			if err != nil {
				return "", err
			}
			b, err := c.activeBrowser(ctx)
			if err != nil {
				return "", err
			}
			return b.ClickElement(ctx, i, kind)
		})
	}
}
