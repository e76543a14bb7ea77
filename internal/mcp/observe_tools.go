package mcp

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

const (
	inspectTextLimit   = 200
	inspectMaxElements = 50
	defaultConsoleCap  = 50
)

type SnapshotTool struct {
	env *env
}

func (t *SnapshotTool) Name() string { return "browser_snapshot" }
func (t *SnapshotTool) Description() string {
	return `Get the interactive elements of the current page.

FORMATS:
- compact (default): one token per element, e.g. btn#e1"Submit" inp#e2~"Email"
- full: HTML-like lines with attributes
- minimal: counts only
- diff: changes since the last full or diff snapshot

Use the e-numbers as ref in click/type/select/scroll.`
}
func (t *SnapshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"scope":       map[string]interface{}{"type": "string", "description": "CSS selector to limit the snapshot"},
			"format":      map[string]interface{}{"type": "string", "enum": formatEnum, "description": "Output format (default: compact)"},
			"maxElements": map[string]interface{}{"type": "number", "description": "Element cap (default: 100)"},
		},
	}
}
func (t *SnapshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	format, err := formatArg(getStringArg(args, "format"))
	if err != nil {
		return failure(err), nil
	}
	opts := snapshot.Options{
		Scope:       getStringArg(args, "scope"),
		Format:      format,
		MaxElements: getIntArg(args, "maxElements", 0),
	}

	var out snapshot.Output
	err = t.env.withSession(ctx, t.env.timeout, func(ctx context.Context, s *session.Session) error {
		var rerr error
		out, rerr = t.env.snapshotter.Render(ctx, s.Page, s.Refs, s.Baseline, opts)
		return rerr
	})
	if err != nil {
		return failure(err), nil
	}
	return Response{OK: true, Snapshot: out.Text, URL: out.URL, Title: out.Title}, nil
}

type InspectTool struct {
	env      *env
	markdown *converter.Converter
}

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

func (t *InspectTool) Name() string { return "browser_inspect" }
func (t *InspectTool) Description() string {
	return `Inspect one element by CSS selector: visibility, tag, attributes and
child count, plus a snapshot scoped to it (max 50 elements).

Use this for targeted exploration of a region instead of a full snapshot.
format "minimal" skips the scoped snapshot; markdown returns the element's
content as Markdown.`
}
func (t *InspectTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"selector":    map[string]interface{}{"type": "string", "description": "CSS selector of element to inspect"},
			"includeText": map[string]interface{}{"type": "boolean", "description": "Include text content (first 200 characters)"},
			"markdown":    map[string]interface{}{"type": "boolean", "description": "Include the element rendered as Markdown"},
			"format":      map[string]interface{}{"type": "string", "enum": []string{"compact", "full", "minimal"}, "description": "Output format (default: compact)"},
		},
		"required": []string{"selector"},
	}
}
func (t *InspectTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	fail := func(err error) map[string]interface{} {
		return map[string]interface{}{"ok": false, "exists": false, "error": actions.CleanError(err)}
	}

	selector := getStringArg(args, "selector")
	if selector == "" {
		return fail(fmt.Errorf("%w: selector is required", actions.ErrInvalidStepArgs)), nil
	}
	format, err := formatArg(getStringArg(args, "format"))
	if err == nil && format == snapshot.FormatDiff {
		err = fmt.Errorf("%w: inspect format must be compact, full or minimal", actions.ErrInvalidStepArgs)
	}
	if err != nil {
		return fail(err), nil
	}

	var result map[string]interface{}
	err = t.env.withSession(ctx, t.env.timeout, func(ctx context.Context, s *session.Session) error {
		info, err := s.Page.Inspect(ctx, selector)
		if err != nil {
			return err
		}
		if !info.Exists {
			result = map[string]interface{}{"ok": true, "exists": false}
			return nil
		}

		result = map[string]interface{}{
			"ok":         true,
			"exists":     true,
			"visible":    info.Visible,
			"tagName":    info.TagName,
			"attributes": info.Attributes,
			"childCount": info.ChildCount,
		}
		if getBoolArg(args, "includeText", false) {
			result["text"] = clip(info.Text, inspectTextLimit)
		}
		if getBoolArg(args, "markdown", false) {
			md, err := t.toMarkdown(info)
			if err != nil {
				return err
			}
			result["markdown"] = md
		}
		if format != snapshot.FormatMinimal {
			// A scoped render must not replace the page's diff baseline.
			out, err := t.env.snapshotter.Render(ctx, s.Page, s.Refs, &snapshot.Baseline{}, snapshot.Options{
				Scope:       selector,
				Format:      format,
				MaxElements: inspectMaxElements,
			})
			if err != nil {
				return err
			}
			result["snapshot"] = out.Text
		}
		return nil
	})
	if err != nil {
		return fail(err), nil
	}
	return result, nil
}

func (t *InspectTool) toMarkdown(info browser.ElementInfo) (string, error) {
	if info.OuterHTML == "" {
		return "", nil
	}
	md, err := t.markdown.ConvertString(info.OuterHTML)
	if err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// clip truncates s to n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

type ConsoleTool struct {
	env *env
}

var consoleFilters = []string{"all", "log", "error", "warn", "info", "debug"}

func (t *ConsoleTool) Name() string { return "browser_console" }
func (t *ConsoleTool) Description() string {
	return `Read or clear console messages captured on the current page.

Actions:
- get: captured messages, newest last (optionally filtered by type)
- clear: empty the buffer

Example: {"action": "get", "filter": "error"}`
}
func (t *ConsoleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{"type": "string", "enum": []string{"get", "clear"}, "description": "Action to perform"},
			"filter": map[string]interface{}{"type": "string", "enum": consoleFilters, "description": "Filter by message type"},
			"limit":  map[string]interface{}{"type": "number", "description": "Max messages returned (default: 50)"},
		},
		"required": []string{"action"},
	}
}
func (t *ConsoleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := getStringArg(args, "action")
	fail := func(err error) map[string]interface{} {
		return map[string]interface{}{"ok": false, "action": action, "error": actions.CleanError(err)}
	}

	s, err := t.env.registry.Current(ctx)
	if err != nil {
		return fail(err), nil
	}
	manager := t.env.registry.Manager()

	switch action {
	case "get":
		filter := getStringArg(args, "filter")
		if filter != "" && !contains(consoleFilters, filter) {
			return fail(fmt.Errorf("%w: unknown filter %q", actions.ErrInvalidStepArgs, filter)), nil
		}
		messages := manager.Console(s.Name, filter, getIntArg(args, "limit", defaultConsoleCap))
		return map[string]interface{}{
			"ok":       true,
			"action":   action,
			"messages": messages,
			"count":    len(messages),
		}, nil
	case "clear":
		manager.ClearConsole(s.Name)
		return map[string]interface{}{"ok": true, "action": action}, nil
	}
	return fail(fmt.Errorf("%w: unknown action %q", actions.ErrInvalidStepArgs, action)), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
