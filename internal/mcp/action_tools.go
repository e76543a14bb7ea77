package mcp

import (
	"context"
	"fmt"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/session"
)

// DefaultScrollAmount is the wheel distance of a single scroll call. Batch
// scroll steps use the smaller dispatcher default.
const DefaultScrollAmount = 500

type NavigateTool struct {
	env *env
}

func (t *NavigateTool) Name() string { return "browser_navigate" }
func (t *NavigateTool) Description() string {
	return `Navigate the current page to a URL.

Returns {ok, url, title}. Refs from earlier snapshots are invalidated: the next
snapshot starts again at e1.

Set snapshot.include to get the interactive elements in the same call.`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "description": "URL to navigate to"},
			"waitUntil": map[string]interface{}{
				"type":        "string",
				"enum":        []string{string(browser.WaitLoad), string(browser.WaitDOMContentLoaded), string(browser.WaitNetworkIdle)},
				"description": "Wait condition (default: domcontentloaded)",
			},
			"snapshot": snapshotSchema(),
			"timeout":  map[string]interface{}{"type": "number", "description": "Timeout in ms (default: 30000)"},
		},
		"required": []string{"url"},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		return failure(fmt.Errorf("%w: url is required", actions.ErrInvalidStepArgs)), nil
	}
	wait, err := browser.ParseWaitUntil(getStringArg(args, "waitUntil"))
	if err != nil {
		return failure(fmt.Errorf("%w: %v", actions.ErrInvalidStepArgs, err)), nil
	}
	snap, err := snapshotArg(args)
	if err != nil {
		return failure(err), nil
	}

	resp := Response{OK: true}
	err = t.env.withSession(ctx, timeoutArg(args, t.env.timeout), func(ctx context.Context, s *session.Session) error {
		s.ResetEpoch()
		if err := s.Page.Navigate(ctx, url, wait); err != nil {
			return err
		}
		title, err := s.Page.Title(ctx)
		if err != nil {
			return err
		}
		resp.URL, resp.Title = s.Page.URL(), title
		if snap.Include {
			resp.Snapshot = t.env.render(ctx, s, snap.Options)
		}
		return nil
	})
	if err != nil {
		return failure(err), nil
	}
	return resp, nil
}

type ClickTool struct {
	env *env
}

func (t *ClickTool) Name() string { return "browser_click" }
func (t *ClickTool) Description() string {
	return `Click an element by ref (from a snapshot) or CSS selector.

Refs with a known on-screen position are clicked with raw mouse events; others
go through a located element with actionability checks.`
}
func (t *ClickTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withProps(targetProperties(), map[string]interface{}{
			"button":     map[string]interface{}{"type": "string", "enum": []string{"left", "right", "middle"}, "description": "Mouse button (default: left)"},
			"clickCount": map[string]interface{}{"type": "number", "description": "Number of clicks (default: 1)"},
			"snapshot":   snapshotSchema(),
			"timeout":    map[string]interface{}{"type": "number"},
		}),
	}
}
func (t *ClickTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, err := targetArg(args)
	if err != nil {
		return failure(err), nil
	}
	button, err := browser.ParseMouseButton(getStringArg(args, "button"))
	if err != nil {
		return failure(fmt.Errorf("%w: %v", actions.ErrInvalidStepArgs, err)), nil
	}
	snap, err := snapshotArg(args)
	if err != nil {
		return failure(err), nil
	}
	opts := actions.ClickOptions{Button: button, ClickCount: getIntArg(args, "clickCount", 1)}

	return t.env.act(ctx, timeoutArg(args, t.env.timeout), snap, func(ctx context.Context, s *session.Session) error {
		_, err := t.env.dispatcher.Click(ctx, s.Page, s.Refs, target, opts)
		return err
	}), nil
}

type TypeTool struct {
	env *env
}

func (t *TypeTool) Name() string { return "browser_type" }
func (t *TypeTool) Description() string {
	return `Type text into an input by ref or CSS selector.

The existing value is replaced unless clear is false. Set pressEnter to submit
afterwards.`
}
func (t *TypeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withProps(targetProperties(), map[string]interface{}{
			"text":       map[string]interface{}{"type": "string", "description": "Text to type"},
			"clear":      map[string]interface{}{"type": "boolean", "description": "Clear existing value first (default: true)"},
			"pressEnter": map[string]interface{}{"type": "boolean", "description": "Press Enter after typing"},
			"snapshot":   snapshotSchema(),
			"timeout":    map[string]interface{}{"type": "number"},
		}),
		"required": []string{"text"},
	}
}
func (t *TypeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, err := targetArg(args)
	if err != nil {
		return failure(err), nil
	}
	text, ok := args["text"].(string)
	if !ok {
		return failure(fmt.Errorf("%w: text is required", actions.ErrInvalidStepArgs)), nil
	}
	snap, err := snapshotArg(args)
	if err != nil {
		return failure(err), nil
	}
	opts := actions.TypeOptions{
		Text:       text,
		Clear:      getBoolPtrArg(args, "clear"),
		PressEnter: getBoolArg(args, "pressEnter", false),
	}

	return t.env.act(ctx, timeoutArg(args, t.env.timeout), snap, func(ctx context.Context, s *session.Session) error {
		_, err := t.env.dispatcher.Type(ctx, s.Page, s.Refs, target, opts)
		return err
	}), nil
}

type SelectTool struct {
	env *env
}

func (t *SelectTool) Name() string { return "browser_select" }
func (t *SelectTool) Description() string {
	return `Select an option of a <select> element by value, label or index.`
}
func (t *SelectTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withProps(targetProperties(), map[string]interface{}{
			"value":    map[string]interface{}{"type": "string", "description": "Option value"},
			"label":    map[string]interface{}{"type": "string", "description": "Option visible text"},
			"index":    map[string]interface{}{"type": "number", "description": "Option index (0-based)"},
			"snapshot": snapshotSchema(),
			"timeout":  map[string]interface{}{"type": "number"},
		}),
	}
}
func (t *SelectTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, err := targetArg(args)
	if err != nil {
		return failure(err), nil
	}
	opts := actions.SelectOptions{
		Value: getStringPtrArg(args, "value"),
		Label: getStringPtrArg(args, "label"),
		Index: getIntPtrArg(args, "index"),
	}
	if opts.Value == nil && opts.Label == nil && opts.Index == nil {
		return failure(fmt.Errorf("%w: value, label or index is required", actions.ErrInvalidStepArgs)), nil
	}
	snap, err := snapshotArg(args)
	if err != nil {
		return failure(err), nil
	}

	return t.env.act(ctx, timeoutArg(args, t.env.timeout), snap, func(ctx context.Context, s *session.Session) error {
		_, err := t.env.dispatcher.Select(ctx, s.Page, s.Refs, target, opts)
		return err
	}), nil
}

type ScrollTool struct {
	env *env
}

func (t *ScrollTool) Name() string { return "browser_scroll" }
func (t *ScrollTool) Description() string {
	return `Scroll the page or bring an element into view.

toTop/toBottom jump the window. A ref or selector scrolls that element into
view. Otherwise direction and amount (default 500px) move the wheel.`
}
func (t *ScrollTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": withProps(targetProperties(), map[string]interface{}{
			"direction": map[string]interface{}{"type": "string", "enum": []string{"up", "down", "left", "right"}},
			"amount":    map[string]interface{}{"type": "number", "description": "Pixels to scroll (default: 500)"},
			"toTop":     map[string]interface{}{"type": "boolean"},
			"toBottom":  map[string]interface{}{"type": "boolean"},
			"snapshot":  snapshotSchema(),
		}),
	}
}
func (t *ScrollTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target := actions.Target{Ref: getStringArg(args, "ref"), Selector: getStringArg(args, "selector")}
	if !target.IsZero() {
		if err := target.Validate(); err != nil {
			return failure(err), nil
		}
	}
	snap, err := snapshotArg(args)
	if err != nil {
		return failure(err), nil
	}
	opts := actions.ScrollOptions{
		Direction: getStringArg(args, "direction"),
		Amount:    getIntArg(args, "amount", DefaultScrollAmount),
		ToTop:     getBoolArg(args, "toTop", false),
		ToBottom:  getBoolArg(args, "toBottom", false),
	}

	return t.env.act(ctx, t.env.timeout, snap, func(ctx context.Context, s *session.Session) error {
		_, err := t.env.dispatcher.Scroll(ctx, s.Page, s.Refs, target, opts)
		return err
	}), nil
}
