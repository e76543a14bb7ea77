package mcp

import (
	"context"
	"errors"
	"fmt"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"
)

type PagesTool struct {
	env *env
}

func (t *PagesTool) Name() string { return "browser_pages" }
func (t *PagesTool) Description() string {
	return `Manage named browser pages for multi-page workflows. Pages persist across
tool calls; every other tool acts on the current page.

Actions:
- list: open pages and the current page
- create: open a named page (or switch to it if it exists)
- switch: make a page current
- close: close a named page

Each page keeps its own refs. Creating or switching starts a fresh ref epoch.`
}
func (t *PagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{"type": "string", "enum": []string{"list", "create", "switch", "close"}, "description": "Action to perform"},
			"name":   map[string]interface{}{"type": "string", "description": "Page name (required for create/switch/close)"},
			"snapshot": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"include": map[string]interface{}{"type": "boolean"},
					"format":  map[string]interface{}{"type": "string", "enum": formatEnum},
				},
			},
		},
		"required": []string{"action"},
	}
}
func (t *PagesTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := getStringArg(args, "action")
	name := getStringArg(args, "name")
	fail := func(msg string) map[string]interface{} {
		return map[string]interface{}{"ok": false, "action": action, "error": msg}
	}
	registry := t.env.registry
	manager := registry.Manager()

	switch action {
	case "list":
		result := map[string]interface{}{
			"ok":          true,
			"action":      action,
			"pages":       manager.List(),
			"currentPage": manager.CurrentName(),
		}
		if detached := manager.Detached(); len(detached) > 0 {
			names := make([]string, 0, len(detached))
			for _, info := range detached {
				names = append(names, info.Name)
			}
			result["detached"] = names
		}
		return result, nil

	case "create", "switch":
		if name == "" {
			return fail("Page name required"), nil
		}
		snap, err := snapshotArg(args)
		if err != nil {
			return fail(actions.CleanError(err)), nil
		}
		open := registry.Create
		key := "created"
		if action == "switch" {
			open, key = registry.Switch, "switched"
		}
		s, err := open(ctx, name)
		if err != nil {
			return fail(actions.CleanError(err)), nil
		}
		result := map[string]interface{}{
			"ok":          true,
			"action":      action,
			key:           name,
			"currentPage": name,
		}
		if snap.Include {
			text, err := t.snapshot(ctx, s, snap.Options)
			if err != nil {
				return fail(actions.CleanError(err)), nil
			}
			result["snapshot"] = text
		}
		return result, nil

	case "close":
		if name == "" {
			return fail("Page name required"), nil
		}
		current, err := registry.Close(ctx, name)
		if errors.Is(err, browser.ErrUnknownPage) {
			return fail(fmt.Sprintf("Page '%s' not found", name)), nil
		}
		if err != nil {
			return fail(actions.CleanError(err)), nil
		}
		return map[string]interface{}{
			"ok":          true,
			"action":      action,
			"closed":      name,
			"currentPage": current,
			"pages":       manager.List(),
		}, nil
	}
	return fail("Unknown action"), nil
}

func (t *PagesTool) snapshot(ctx context.Context, s *session.Session, opts snapshot.Options) (string, error) {
	s.Lock()
	defer s.Unlock()
	ctx, cancel := context.WithTimeout(ctx, t.env.timeout)
	defer cancel()
	out, err := t.env.snapshotter.Render(ctx, s.Page, s.Refs, s.Baseline, opts)
	return out.Text, timedOut(err)
}
