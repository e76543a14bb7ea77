package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/batch"
	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/browser/browsertest"
	"ubrowser-mcp-server/internal/config"
	"ubrowser-mcp-server/internal/facts"
	"ubrowser-mcp-server/internal/metrics"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginURL = "https://example.test/login"

const loginHTML = `<html><head><title>Login</title></head><body>
<a href="/help">Help</a>
<input id="user" placeholder="User">
<input id="pass" type="password">
<button id="remember">Remember</button>
<button id="submit">Sign in</button>
</body></html>`

const formURL = "https://example.test/form"

const formHTML = `<html><head><title>Form</title></head><body>
<div id="intro"><h1>Welcome</h1><p>Pick a <b>size</b> below.</p></div>
<select id="size"><option value="s">Small</option><option value="m">Medium</option></select>
<button id="go">Go</button>
</body></html>`

type fixture struct {
	server   *Server
	driver   *browsertest.Driver
	registry *session.Registry
	reg      *prometheus.Registry
	engine   *facts.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	driver := browsertest.NewDriver()
	driver.Route(loginURL, loginHTML)
	driver.Route(formURL, formHTML)

	engine, err := facts.NewEngine(config.FactsConfig{Enable: true, FactBufferLimit: 256}, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("ubrowser", reg, nil)

	manager := browser.NewManager(config.BrowserConfig{}, driver, engine, nil)
	cache := snapshot.NewCache(snapshot.NewScriptExtractor(collector, nil), 0, collector)
	snap := snapshot.NewSnapshotter(cache, 0, collector, engine, nil)
	registry := session.NewRegistry(manager, cache, nil)
	dispatcher := actions.NewDispatcher(collector, engine, nil)
	executor := batch.NewExecutor(dispatcher, snap, batch.Options{Metrics: collector, Sink: engine})

	server, err := NewServer(config.DefaultConfig(), Deps{
		Registry:    registry,
		Snapshotter: snap,
		Dispatcher:  dispatcher,
		Executor:    executor,
		Engine:      engine,
		Gatherer:    reg,
	})
	require.NoError(t, err)
	return &fixture{server: server, driver: driver, registry: registry, reg: reg, engine: engine}
}

func (f *fixture) call(t *testing.T, name string, args map[string]interface{}) interface{} {
	t.Helper()
	out, err := f.server.ExecuteTool(context.Background(), name, args)
	require.NoError(t, err)
	return out
}

// callJSON round-trips the result through JSON the way wrapTool does.
func (f *fixture) callJSON(t *testing.T, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(marshalToolPayload(name, f.call(t, name, args)), &out))
	return out
}

func (f *fixture) response(t *testing.T, name string, args map[string]interface{}) Response {
	t.Helper()
	resp, ok := f.call(t, name, args).(Response)
	require.True(t, ok, "%s should return a Response", name)
	return resp
}

func TestNewServerRegistersTools(t *testing.T) {
	f := newFixture(t)
	want := []string{
		"browser_navigate", "browser_click", "browser_type", "browser_select", "browser_scroll",
		"browser_snapshot", "browser_inspect", "browser_console", "browser_batch", "browser_pages",
	}
	assert.Len(t, f.server.tools, len(want))
	for _, name := range want {
		tool, ok := f.server.tools[name]
		if assert.True(t, ok, name) {
			assert.NotEmpty(t, tool.Description())
			_, err := json.Marshal(tool.InputSchema())
			assert.NoError(t, err)
		}
	}

	_, err := f.server.ExecuteTool(context.Background(), "browser_hover", nil)
	assert.Error(t, err)
}

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(config.DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestNavigateWithSnapshot(t *testing.T) {
	f := newFixture(t)
	resp := f.response(t, "browser_navigate", map[string]interface{}{
		"url":      loginURL,
		"snapshot": map[string]interface{}{"include": true},
	})

	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, loginURL, resp.URL)
	assert.Equal(t, "Login", resp.Title)
	assert.True(t, strings.HasPrefix(resp.Snapshot, "Login ("+loginURL+")\n"))
	assert.Contains(t, resp.Snapshot, `btn#e5"Sign in"`)
}

func TestNavigateFailure(t *testing.T) {
	f := newFixture(t)
	resp := f.response(t, "browser_navigate", map[string]interface{}{"url": "https://nowhere.test"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "ERR_NAME_NOT_RESOLVED")

	resp = f.response(t, "browser_navigate", map[string]interface{}{})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "url is required")

	resp = f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL, "waitUntil": "forever"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "waitUntil")
}

func TestClickRefUsesFastPath(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	require.True(t, f.response(t, "browser_snapshot", nil).OK)

	page := f.driver.Last()
	page.ResetRecords()
	resp := f.response(t, "browser_click", map[string]interface{}{"ref": "e5"})
	require.True(t, resp.OK, resp.Error)

	var kinds []string
	for _, ev := range page.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"press", "release"}, kinds)
	assert.Empty(t, page.Calls())
}

func TestClickErrors(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)

	resp := f.response(t, "browser_click", map[string]interface{}{"ref": "e99"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "target not found")

	resp = f.response(t, "browser_click", map[string]interface{}{})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "ref or selector is required")

	resp = f.response(t, "browser_click", map[string]interface{}{"selector": "#submit", "button": "side"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "button")
}

func TestClickSelectorWithDiffSnapshot(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	require.True(t, f.response(t, "browser_snapshot", map[string]interface{}{"format": "full"}).OK)

	resp := f.response(t, "browser_click", map[string]interface{}{
		"selector": "#remember",
		"snapshot": map[string]interface{}{"include": true, "format": "diff"},
	})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, "= 5 elements unchanged", resp.Snapshot)

	calls := f.driver.Last().Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, browsertest.Call{Method: "click", Selector: "#remember", Arg: "left/1"}, calls[len(calls)-1])
}

func TestTypeTool(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL, "snapshot": map[string]interface{}{"include": true}}).OK)

	resp := f.response(t, "browser_type", map[string]interface{}{"ref": "e2", "text": "alice"})
	require.True(t, resp.OK, resp.Error)

	var inserted []string
	for _, ev := range f.driver.Last().Events() {
		if ev.Kind == "insert" {
			inserted = append(inserted, ev.Text)
		}
	}
	assert.Equal(t, []string{"alice"}, inserted)

	resp = f.response(t, "browser_type", map[string]interface{}{"ref": "e2"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "text is required")
}

func TestSelectTool(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": formURL}).OK)

	resp := f.response(t, "browser_select", map[string]interface{}{"selector": "#size", "label": "Medium"})
	require.True(t, resp.OK, resp.Error)
	calls := f.driver.Last().Calls()
	assert.Equal(t, browsertest.Call{Method: "select", Selector: "#size", Arg: "label=Medium"}, calls[len(calls)-1])

	resp = f.response(t, "browser_select", map[string]interface{}{"selector": "#size", "value": "xl"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "option not found")

	resp = f.response(t, "browser_select", map[string]interface{}{"selector": "#size"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "value, label or index")
}

func TestScrollDefaultsToFiveHundred(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)

	resp := f.response(t, "browser_scroll", map[string]interface{}{"direction": "down"})
	require.True(t, resp.OK, resp.Error)
	events := f.driver.Last().Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "wheel", last.Kind)
	assert.Equal(t, float64(DefaultScrollAmount), last.DeltaY)

	resp = f.response(t, "browser_scroll", map[string]interface{}{"toBottom": true})
	require.True(t, resp.OK, resp.Error)
	calls := f.driver.Last().Calls()
	assert.Equal(t, browsertest.Call{Method: "scrollTo", Arg: "bottom"}, calls[len(calls)-1])

	resp = f.response(t, "browser_scroll", map[string]interface{}{})
	assert.False(t, resp.OK)
}

func TestSnapshotFormats(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)

	resp := f.response(t, "browser_snapshot", map[string]interface{}{"format": "minimal"})
	require.True(t, resp.OK)
	assert.Equal(t, "Page: Login\nElements: 5 (2 buttons, 1 links, 2 inputs)", resp.Snapshot)
	assert.Equal(t, loginURL, resp.URL)

	resp = f.response(t, "browser_snapshot", map[string]interface{}{"format": "xml"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "format")
}

func TestInspectTool(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": formURL}).OK)

	out := f.callJSON(t, "browser_inspect", map[string]interface{}{"selector": "#go", "includeText": true})
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["exists"])
	assert.Equal(t, "button", out["tagName"])
	assert.Equal(t, "Go", out["text"])
	assert.Equal(t, map[string]interface{}{"id": "go"}, out["attributes"])
	assert.NotEmpty(t, out["snapshot"])

	out = f.callJSON(t, "browser_inspect", map[string]interface{}{"selector": "#intro", "markdown": true, "format": "minimal"})
	assert.Equal(t, true, out["exists"])
	assert.EqualValues(t, 2, out["childCount"])
	assert.Contains(t, out["markdown"], "# Welcome")
	assert.Contains(t, out["markdown"], "**size**")
	assert.NotContains(t, out, "snapshot")
	assert.NotContains(t, out, "text")

	out = f.callJSON(t, "browser_inspect", map[string]interface{}{"selector": "#missing"})
	assert.Equal(t, map[string]interface{}{"ok": true, "exists": false}, out)

	out = f.callJSON(t, "browser_inspect", map[string]interface{}{"selector": "#go", "format": "diff"})
	assert.Equal(t, false, out["ok"])
}

func TestInspectKeepsDiffBaseline(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	require.True(t, f.response(t, "browser_snapshot", map[string]interface{}{"format": "full"}).OK)

	s, err := f.registry.Current(context.Background())
	require.NoError(t, err)
	before := s.Baseline.Get()
	require.NotNil(t, before)

	f.callJSON(t, "browser_inspect", map[string]interface{}{"selector": "#submit", "format": "full"})
	assert.Same(t, before, s.Baseline.Get())
}

func TestPagesTool(t *testing.T) {
	f := newFixture(t)

	out := f.callJSON(t, "browser_pages", map[string]interface{}{"action": "create", "name": "login"})
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "login", out["created"])
	assert.Equal(t, "login", out["currentPage"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "create", "name": "dash"})
	assert.Equal(t, "dash", out["currentPage"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "list"})
	assert.Equal(t, []interface{}{"login", "dash"}, out["pages"])
	assert.Equal(t, "dash", out["currentPage"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "switch", "name": "login"})
	assert.Equal(t, "login", out["switched"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "close", "name": "nope"})
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "Page 'nope' not found", out["error"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "close", "name": "login"})
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "login", out["closed"])
	assert.Equal(t, "dash", out["currentPage"])
	assert.Equal(t, []interface{}{"dash"}, out["pages"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "create"})
	assert.Equal(t, "Page name required", out["error"])

	out = f.callJSON(t, "browser_pages", map[string]interface{}{"action": "rename"})
	assert.Equal(t, "Unknown action", out["error"])
}

func TestPagesKeepSeparateRefs(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	require.True(t, f.response(t, "browser_snapshot", nil).OK)

	out := f.callJSON(t, "browser_pages", map[string]interface{}{
		"action":   "create",
		"name":     "form",
		"snapshot": map[string]interface{}{"include": true},
	})
	require.Equal(t, true, out["ok"])
	// A blank page has no elements yet.
	assert.Equal(t, " (about:blank)", out["snapshot"])

	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": formURL}).OK)
	resp := f.response(t, "browser_snapshot", nil)
	assert.Contains(t, resp.Snapshot, "#e1")

	f.callJSON(t, "browser_pages", map[string]interface{}{"action": "switch", "name": "default"})
	resp = f.response(t, "browser_click", map[string]interface{}{"ref": "e5"})
	assert.False(t, resp.OK, "switching starts a fresh ref epoch")
}

func TestConsoleTool(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	page := f.driver.Last()
	page.EmitConsole("log", "ready")
	page.EmitConsole("error", "boom")
	page.EmitConsole("warn", "slow")

	out := f.callJSON(t, "browser_console", map[string]interface{}{"action": "get", "filter": "error"})
	assert.Equal(t, true, out["ok"])
	assert.EqualValues(t, 1, out["count"])
	msgs := out["messages"].([]interface{})
	assert.Equal(t, "boom", msgs[0].(map[string]interface{})["text"])

	out = f.callJSON(t, "browser_console", map[string]interface{}{"action": "get", "limit": 2})
	assert.EqualValues(t, 2, out["count"])

	out = f.callJSON(t, "browser_console", map[string]interface{}{"action": "clear"})
	assert.Equal(t, true, out["ok"])
	out = f.callJSON(t, "browser_console", map[string]interface{}{"action": "get"})
	assert.EqualValues(t, 0, out["count"])

	out = f.callJSON(t, "browser_console", map[string]interface{}{"action": "get", "filter": "fatal"})
	assert.Equal(t, false, out["ok"])
	out = f.callJSON(t, "browser_console", map[string]interface{}{"action": "tail"})
	assert.Equal(t, false, out["ok"])
}

func TestBatchTool(t *testing.T) {
	f := newFixture(t)
	out := f.callJSON(t, "browser_batch", map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"tool": "navigate", "args": map[string]interface{}{"url": loginURL}},
			map[string]interface{}{"tool": "type", "args": map[string]interface{}{"ref": "e2", "text": "alice"}},
			map[string]interface{}{"tool": "click", "args": map[string]interface{}{"ref": "e5"}},
		},
		"snapshot": map[string]interface{}{"when": "final", "format": "minimal"},
	})
	assert.Equal(t, map[string]interface{}{
		"ok":   true,
		"snap": "Page: Login\nElements: 5 (2 buttons, 1 links, 2 inputs)",
	}, out)
}

func TestBatchToolFailure(t *testing.T) {
	f := newFixture(t)
	out := f.callJSON(t, "browser_batch", map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"tool": "navigate", "args": map[string]interface{}{"url": loginURL}},
			map[string]interface{}{"tool": "click", "args": map[string]interface{}{"ref": "e42"}},
			map[string]interface{}{"tool": "click", "args": map[string]interface{}{"ref": "e5"}},
		},
	})
	assert.Equal(t, false, out["ok"])
	assert.EqualValues(t, 1, out["n"])
	assert.EqualValues(t, 1, out["at"])
	assert.Contains(t, out["err"], "target not found")

	out = f.callJSON(t, "browser_batch", map[string]interface{}{"steps": "navigate"})
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["err"], "steps must be an array")
	assert.NotContains(t, out, "at")

	out = f.callJSON(t, "browser_batch", map[string]interface{}{
		"steps":    []interface{}{},
		"snapshot": map[string]interface{}{"when": "sometimes"},
	})
	assert.Equal(t, false, out["ok"])
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("browser_snapshot", map[string]interface{}{"ch": make(chan int)})
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, false, out["ok"])
	assert.Contains(t, out["error"], "non-serializable")
}

func TestWrapToolRendersJSON(t *testing.T) {
	f := newFixture(t)
	handler := f.server.wrapTool(f.server.tools["browser_navigate"])

	req := mcp.CallToolRequest{}
	req.Params.Name = "browser_navigate"
	req.Params.Arguments = map[string]interface{}{"url": loginURL}
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)

	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true,"url":"`+loginURL+`","title":"Login"}`, text.Text)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	require.True(t, f.response(t, "browser_snapshot", nil).OK)

	srv := httptest.NewServer(f.server.Router("http://localhost"))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, "default", health["currentPage"])

	mres, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mres.Body.Close()
	assert.Equal(t, http.StatusOK, mres.StatusCode)
	var b strings.Builder
	_, err = io.Copy(&b, mres.Body)
	require.NoError(t, err)
	assert.Contains(t, b.String(), "ubrowser_snapshot_elements")
	assert.Contains(t, b.String(), `ubrowser_cache_lookups_total{result="miss"}`)
}

func TestPageFactsResource(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.response(t, "browser_navigate", map[string]interface{}{"url": loginURL}).OK)
	require.True(t, f.response(t, "browser_click", map[string]interface{}{"selector": "#submit"}).OK)

	s, err := f.registry.Current(context.Background())
	require.NoError(t, err)

	req := mcp.ReadResourceRequest{}
	req.Params.URI = "ubrowser://page/" + s.ID + "/facts"
	req.Params.Arguments = map[string]any{"pageId": s.ID, "predicate": facts.PredNavigation}
	contents, err := f.server.handlePageFactsResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	var payload struct {
		Count int          `json:"count"`
		Facts []facts.Fact `json:"facts"`
	}
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &payload))
	require.Equal(t, 1, payload.Count)
	assert.Equal(t, loginURL, payload.Facts[0].Args[1])

	req.Params.Arguments = map[string]any{"pageId": s.ID, "predicate": "fallback_dispatch"}
	contents, err = f.server.handlePageFactsResource(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &payload))
	assert.Equal(t, 1, payload.Count)

	req.Params.Arguments = map[string]any{}
	_, err = f.server.handlePageFactsResource(context.Background(), req)
	assert.Error(t, err)
}
