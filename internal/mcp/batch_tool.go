package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/batch"
	"ubrowser-mcp-server/internal/snapshot"
)

type BatchTool struct {
	env      *env
	executor *batch.Executor
}

func (t *BatchTool) Name() string { return "browser_batch" }
func (t *BatchTool) Description() string {
	return `Run several steps in one call. Returns {ok:true} on success, or
{ok:false, n, err, at} with n completed steps and the failing index.

STEP TOOLS: navigate, click, type, select, scroll, wait
Each step is {"tool": "...", "args": {...}} with the same args as the single tools
(wait takes {"ms": 500}).

SNAPSHOT:
- when: never (default) | final | each | on-error
- scope, format, maxElements as in browser_snapshot

Example: log in with one round trip
{"steps": [
  {"tool": "navigate", "args": {"url": "https://app.test/login"}},
  {"tool": "type", "args": {"ref": "e2", "text": "alice"}},
  {"tool": "click", "args": {"ref": "e5"}}
], "snapshot": {"when": "final"}}`
}
func (t *BatchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"steps": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"tool": map[string]interface{}{
							"type": "string",
							"enum": []string{batch.ToolNavigate, batch.ToolClick, batch.ToolType, batch.ToolSelect, batch.ToolScroll, batch.ToolWait},
						},
						"args": map[string]interface{}{"type": "object"},
					},
					"required": []string{"tool"},
				},
			},
			"snapshot": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"when":        map[string]interface{}{"type": "string", "enum": []string{"never", "final", "each", "on-error"}},
					"scope":       map[string]interface{}{"type": "string"},
					"format":      map[string]interface{}{"type": "string", "enum": formatEnum},
					"maxElements": map[string]interface{}{"type": "number"},
				},
			},
			"stopOnError": map[string]interface{}{"type": "boolean", "description": "Stop at the first failing step (default: true)"},
		},
		"required": []string{"steps"},
	}
}
func (t *BatchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req, err := parseBatchRequest(args)
	if err != nil {
		return batch.Result{OK: false, Err: actions.CleanError(err)}, nil
	}

	s, err := t.env.registry.Current(ctx)
	if err != nil {
		return batch.Result{OK: false, Err: actions.CleanError(err)}, nil
	}
	s.Lock()
	defer s.Unlock()
	return t.executor.Execute(ctx, s, req), nil
}

func parseBatchRequest(args map[string]interface{}) (batch.Request, error) {
	rawSteps, ok := args["steps"].([]interface{})
	if !ok {
		return batch.Request{}, fmt.Errorf("%w: steps must be an array", actions.ErrInvalidStepArgs)
	}
	encoded, err := json.Marshal(rawSteps)
	if err != nil {
		return batch.Request{}, fmt.Errorf("%w: steps: %v", actions.ErrInvalidStepArgs, err)
	}
	var steps []batch.RawStep
	if err := json.Unmarshal(encoded, &steps); err != nil {
		return batch.Request{}, fmt.Errorf("%w: steps: %v", actions.ErrInvalidStepArgs, err)
	}

	req := batch.Request{
		Steps:       batch.ParseSteps(steps),
		StopOnError: getBoolPtrArg(args, "stopOnError"),
	}
	if m := getMapArg(args, "snapshot"); m != nil {
		when, err := batch.ParseWhen(getStringArg(m, "when"))
		if err != nil {
			return batch.Request{}, err
		}
		format, err := formatArg(getStringArg(m, "format"))
		if err != nil {
			return batch.Request{}, err
		}
		req.Snapshot = batch.SnapshotPolicy{
			When:        when,
			Scope:       getStringArg(m, "scope"),
			Format:      format,
			MaxElements: getIntArg(m, "maxElements", 0),
		}
	}
	if req.Snapshot.Format == "" {
		req.Snapshot.Format = snapshot.FormatCompact
	}
	return req, nil
}
