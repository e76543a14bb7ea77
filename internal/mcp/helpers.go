package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"

	"go.uber.org/zap"
)

// Response is the single-tool result shape.
type Response struct {
	OK       bool   `json:"ok"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
	Error    string `json:"error,omitempty"`
}

func failure(err error) Response {
	return Response{OK: false, Error: actions.CleanError(err)}
}

// env is the state every browser tool works against.
type env struct {
	registry    *session.Registry
	snapshotter *snapshot.Snapshotter
	dispatcher  *actions.Dispatcher
	timeout     time.Duration
	logger      *zap.Logger
}

// snapshotRequest is the optional {include, scope, format} argument.
type snapshotRequest struct {
	Include bool
	Options snapshot.Options
}

// withSession runs fn against the locked current session under a deadline.
func (e *env) withSession(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, s *session.Session) error) error {
	s, err := e.registry.Current(ctx)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return timedOut(fn(ctx, s))
}

// act runs one dispatch and renders the requested snapshot on success.
func (e *env) act(ctx context.Context, timeout time.Duration, snap snapshotRequest, fn func(ctx context.Context, s *session.Session) error) Response {
	resp := Response{OK: true}
	err := e.withSession(ctx, timeout, func(ctx context.Context, s *session.Session) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		if snap.Include {
			resp.Snapshot = e.render(ctx, s, snap.Options)
		}
		return nil
	})
	if err != nil {
		return failure(err)
	}
	return resp
}

// render is the best-effort snapshot attached to an action result.
func (e *env) render(ctx context.Context, s *session.Session, opts snapshot.Options) string {
	out, err := e.snapshotter.Render(ctx, s.Page, s.Refs, s.Baseline, opts)
	if err != nil {
		e.logger.Warn("snapshot after action failed", zap.String("page_id", s.ID), zap.Error(err))
		return ""
	}
	return out.Text
}

func timedOut(err error) error {
	if err == nil || errors.Is(err, actions.ErrActionTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", actions.ErrActionTimeout, err)
	}
	return err
}

func getStringArg(args map[string]interface{}, key string) string {
	return getStringFromMap(args, key)
}

func getStringFromMap(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getIntPtrArg distinguishes an absent number from zero.
func getIntPtrArg(args map[string]interface{}, key string) *int {
	if _, ok := args[key]; !ok {
		return nil
	}
	n := getIntArg(args, key, -1)
	return &n
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

func getBoolPtrArg(args map[string]interface{}, key string) *bool {
	b, ok := args[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

func getStringPtrArg(args map[string]interface{}, key string) *string {
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	m, _ := args[key].(map[string]interface{})
	return m
}

// timeoutArg reads a millisecond timeout, falling back to def.
func timeoutArg(args map[string]interface{}, def time.Duration) time.Duration {
	ms := getIntArg(args, "timeout", 0)
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func targetArg(args map[string]interface{}) (actions.Target, error) {
	t := actions.Target{Ref: getStringArg(args, "ref"), Selector: getStringArg(args, "selector")}
	return t, t.Validate()
}

func formatArg(raw string) (snapshot.Format, error) {
	f, err := snapshot.ParseFormat(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", actions.ErrInvalidStepArgs, err)
	}
	return f, nil
}

// snapshotArg parses the nested snapshot object of an action tool.
func snapshotArg(args map[string]interface{}) (snapshotRequest, error) {
	m := getMapArg(args, "snapshot")
	if m == nil {
		return snapshotRequest{}, nil
	}
	format, err := formatArg(getStringArg(m, "format"))
	if err != nil {
		return snapshotRequest{}, err
	}
	return snapshotRequest{
		Include: getBoolArg(m, "include", false),
		Options: snapshot.Options{
			Scope:       getStringArg(m, "scope"),
			Format:      format,
			MaxElements: getIntArg(m, "maxElements", 0),
		},
	}, nil
}

var formatEnum = []string{
	string(snapshot.FormatCompact),
	string(snapshot.FormatFull),
	string(snapshot.FormatDiff),
	string(snapshot.FormatMinimal),
}

func snapshotSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"description": "Snapshot to include after the action",
		"properties": map[string]interface{}{
			"include": map[string]interface{}{"type": "boolean", "description": "Include snapshot in response"},
			"scope":   map[string]interface{}{"type": "string", "description": "CSS selector to scope snapshot"},
			"format":  map[string]interface{}{"type": "string", "enum": formatEnum, "description": "Snapshot format (default: compact)"},
		},
	}
}

func targetProperties() map[string]interface{} {
	return map[string]interface{}{
		"ref":      map[string]interface{}{"type": "string", "description": `Element ref (e.g. "e1") from a previous snapshot`},
		"selector": map[string]interface{}{"type": "string", "description": "CSS selector if ref not provided"},
	}
}

func withProps(base map[string]interface{}, extra map[string]interface{}) map[string]interface{} {
	for k, v := range extra {
		base[k] = v
	}
	return base
}
