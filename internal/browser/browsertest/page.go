// Package browsertest provides an in-memory browser.Page over an
// x/net/html document. It emulates the extraction payload with
// extract.Scan and records every input event and locator call.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/extract"

	"golang.org/x/net/html"
)

const blankHTML = `<html><head><title></title></head><body></body></html>`

// Event is one recorded low-level input event.
type Event struct {
	Kind       string // press, release, wheel, keydown, keyup, insert
	X, Y       int
	Button     browser.MouseButton
	ClickCount int
	DeltaX     float64
	DeltaY     float64
	Key        browser.KeyEvent
	Text       string
}

// Call is one recorded locator or page-level fallback call.
type Call struct {
	Method   string
	Selector string
	Arg      string
}

// Page is a browser.Page double. The zero value is not usable; use NewPage.
type Page struct {
	mu sync.Mutex

	id        string
	url       string
	doc       *html.Node
	viewport  browser.Viewport
	layout    extract.Layout
	hooks     browser.Hooks
	routes    map[string]string
	installed bool
	mutations int
	closed    bool

	failInvokes int
	injections  int
	invokes     int
	events      []Event
	calls       []Call
	scripts     []string
}

// NewPage returns a blank page with a 1280x720 viewport and the synthetic layout.
func NewPage(id string) *Page {
	p := &Page{
		id:       id,
		url:      "about:blank",
		viewport: browser.Viewport{Width: 1280, Height: 720},
		layout:   extract.SyntheticLayout,
		routes:   make(map[string]string),
	}
	p.doc = mustParse(blankHTML)
	return p
}

func mustParse(src string) *html.Node {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return doc
}

// SetHTML replaces the document content in place. The observer, when
// installed, counts it as one mutation.
func (p *Page) SetHTML(src string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc = mustParse(src)
	p.mutateLocked()
}

// Mutate edits the document and bumps the mutation counter.
func (p *Page) Mutate(fn func(doc *html.Node)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.doc)
	p.mutateLocked()
}

func (p *Page) mutateLocked() {
	if p.installed {
		p.mutations++
	}
}

// SetLayout overrides the box model used by extraction.
func (p *Page) SetLayout(l extract.Layout) {
	p.mu.Lock()
	p.layout = l
	p.mu.Unlock()
}

// SetViewport overrides the viewport size.
func (p *Page) SetViewport(v browser.Viewport) {
	p.mu.Lock()
	p.viewport = v
	p.mu.Unlock()
}

// Route serves src for url on Navigate.
func (p *Page) Route(url, src string) {
	p.mu.Lock()
	p.routes[url] = src
	p.mu.Unlock()
}

// Uninstall drops the payload as if the document had been swapped without a
// navigation event.
func (p *Page) Uninstall() {
	p.mu.Lock()
	p.installed = false
	p.mu.Unlock()
}

// FailInvokes makes the next n extraction calls throw.
func (p *Page) FailInvokes(n int) {
	p.mu.Lock()
	p.failInvokes = n
	p.mu.Unlock()
}

// Injections counts payload evaluations.
func (p *Page) Injections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.injections
}

// Invokes counts extraction calls, failed ones included.
func (p *Page) Invokes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invokes
}

// Events returns a copy of the recorded input events.
func (p *Page) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Calls returns a copy of the recorded fallback calls.
func (p *Page) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Scripts returns evaluated scripts that are not part of the payload protocol.
func (p *Page) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

// ResetRecords forgets recorded events and calls.
func (p *Page) ResetRecords() {
	p.mu.Lock()
	p.events = nil
	p.calls = nil
	p.scripts = nil
	p.mu.Unlock()
}

// Doc exposes the document for assertions.
func (p *Page) Doc() *html.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

func (p *Page) ID() string { return p.id }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, _ := extract.Query(p.doc, "title"); t != nil {
		return strings.TrimSpace(extract.TextContent(t)), nil
	}
	return "", nil
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Viewport() browser.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// Evaluate understands the extraction protocol snippets. Any other script is
// recorded and evaluates to null.
func (p *Page) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, browser.ErrPageClosed
	}

	switch js {
	case extract.Payload:
		p.injections++
		p.installed = true
		return json.RawMessage("true"), nil
	case extract.ProbeJS:
		return json.Marshal(p.installed)
	case extract.CounterJS:
		if !p.installed {
			return json.RawMessage("-1"), nil
		}
		return json.Marshal(p.mutations)
	case extract.ViewportJS:
		return json.Marshal(p.viewport)
	case extract.InvokeJS:
		p.invokes++
		if !p.installed {
			return nil, errors.New("Error: ubrowser: extractor not installed")
		}
		if p.failInvokes > 0 {
			p.failInvokes--
			return nil, errors.New("TypeError: extraction threw")
		}
		scope, maxElements := "", extract.DefaultMax
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				scope = s
			}
		}
		if len(args) > 1 {
			if n, ok := args[1].(int); ok {
				maxElements = n
			}
		}
		res, err := extract.Scan(p.doc, scope, maxElements, p.layout)
		if err != nil {
			return nil, fmt.Errorf("SyntaxError: %w", err)
		}
		return json.Marshal(res)
	}

	p.scripts = append(p.scripts, js)
	return json.RawMessage("null"), nil
}

// Navigate loads the routed document. The payload does not survive.
func (p *Page) Navigate(ctx context.Context, url string, wait browser.WaitUntil) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return browser.ErrPageClosed
	}
	src, ok := p.routes[url]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("navigate %s: net::ERR_NAME_NOT_RESOLVED", url)
	}
	p.url = url
	p.doc = mustParse(src)
	p.installed = false
	p.mutations = 0
	hook := p.hooks.Navigated
	p.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	return nil
}

// EmitConsole fires the console hook as the browser would.
func (p *Page) EmitConsole(level, text string) {
	p.mu.Lock()
	hook := p.hooks.Console
	p.mu.Unlock()
	if hook != nil {
		hook(level, text)
	}
}

func (p *Page) record(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *Page) MousePress(ctx context.Context, x, y int, button browser.MouseButton, clickCount int) error {
	return p.record(ctx, Event{Kind: "press", X: x, Y: y, Button: button, ClickCount: clickCount})
}

func (p *Page) MouseRelease(ctx context.Context, x, y int, button browser.MouseButton, clickCount int) error {
	return p.record(ctx, Event{Kind: "release", X: x, Y: y, Button: button, ClickCount: clickCount})
}

func (p *Page) MouseWheel(ctx context.Context, x, y int, deltaX, deltaY float64) error {
	return p.record(ctx, Event{Kind: "wheel", X: x, Y: y, DeltaX: deltaX, DeltaY: deltaY})
}

func (p *Page) KeyDown(ctx context.Context, ev browser.KeyEvent) error {
	return p.record(ctx, Event{Kind: "keydown", Key: ev})
}

func (p *Page) KeyUp(ctx context.Context, ev browser.KeyEvent) error {
	return p.record(ctx, Event{Kind: "keyup", Key: ev})
}

func (p *Page) InsertText(ctx context.Context, text string) error {
	return p.record(ctx, Event{Kind: "insert", Text: text})
}

func (p *Page) call(method, selector, arg string) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Method: method, Selector: selector, Arg: arg})
	p.mu.Unlock()
}

// Locate resolves selector against the document. Nothing matching is
// ErrNoMatch; a match hidden by markup waits out ctx.
func (p *Page) Locate(ctx context.Context, selector string) (browser.Locator, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, browser.ErrPageClosed
	}
	n, err := extract.Query(p.doc, selector)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("locate %s: %w", selector, err)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s", browser.ErrNoMatch, selector)
	}
	if extract.HiddenByMarkup(n) {
		<-ctx.Done()
		return nil, fmt.Errorf("wait visible %s: %w", selector, ctx.Err())
	}
	p.call("locate", selector, "")
	return &locator{page: p, node: n, selector: selector}, nil
}

// Inspect describes the first match of selector.
func (p *Page) Inspect(ctx context.Context, selector string) (browser.ElementInfo, error) {
	if err := ctx.Err(); err != nil {
		return browser.ElementInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := extract.Query(p.doc, selector)
	if err != nil {
		return browser.ElementInfo{}, fmt.Errorf("SyntaxError: %w", err)
	}
	if n == nil {
		return browser.ElementInfo{Exists: false}, nil
	}

	info := browser.ElementInfo{
		Exists:     true,
		Visible:    !extract.HiddenByMarkup(n),
		TagName:    n.Data,
		Text:       strings.TrimSpace(extract.TextContent(n)),
		Attributes: make(map[string]string, len(n.Attr)),
	}
	for _, a := range n.Attr {
		info.Attributes[a.Key] = a.Val
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			info.ChildCount++
		}
	}
	var b strings.Builder
	if err := html.Render(&b, n); err == nil {
		info.OuterHTML = b.String()
	}
	return info, nil
}

func (p *Page) ScrollTo(ctx context.Context, bottom bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bottom {
		p.call("scrollTo", "", "bottom")
	} else {
		p.call("scrollTo", "", "top")
	}
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type locator struct {
	page     *Page
	node     *html.Node
	selector string
}

func (l *locator) Click(ctx context.Context, button browser.MouseButton, clickCount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.call("click", l.selector, fmt.Sprintf("%s/%d", button, clickCount))
	return nil
}

func (l *locator) Fill(ctx context.Context, text string, replace bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.mu.Lock()
	value := text
	if !replace {
		value = extract.Attr(l.node, "value") + text
	}
	setAttr(l.node, "value", value)
	l.page.mutateLocked()
	l.page.mu.Unlock()
	l.page.call("fill", l.selector, text)
	return nil
}

func (l *locator) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.mu.Lock()
	setAttr(l.node, "value", "")
	l.page.mutateLocked()
	l.page.mu.Unlock()
	l.page.call("clear", l.selector, "")
	return nil
}

func (l *locator) Press(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.call("press", l.selector, key)
	return nil
}

func (l *locator) SelectOption(ctx context.Context, by browser.SelectBy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.mu.Lock()
	defer l.page.mu.Unlock()

	var options []*html.Node
	for c := l.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "option" {
			options = append(options, c)
		}
	}
	chosen, arg := -1, ""
	for i, o := range options {
		switch {
		case by.Value != nil:
			arg = "value=" + *by.Value
			if optionValue(o) == *by.Value {
				chosen = i
			}
		case by.Label != nil:
			arg = "label=" + *by.Label
			if strings.TrimSpace(extract.TextContent(o)) == *by.Label {
				chosen = i
			}
		case by.Index != nil:
			arg = fmt.Sprintf("index=%d", *by.Index)
			if i == *by.Index {
				chosen = i
			}
		}
		if chosen >= 0 {
			break
		}
	}
	if chosen < 0 {
		return browser.ErrOptionNotFound
	}
	for i, o := range options {
		removeAttr(o, "selected")
		if i == chosen {
			setAttr(o, "selected", "")
		}
	}
	l.page.mutateLocked()
	l.page.calls = append(l.page.calls, Call{Method: "select", Selector: l.selector, Arg: arg})
	return nil
}

func (l *locator) ScrollIntoView(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.page.call("scrollIntoView", l.selector, "")
	return nil
}

func optionValue(o *html.Node) string {
	if extract.HasAttr(o, "value") {
		return extract.Attr(o, "value")
	}
	return strings.TrimSpace(extract.TextContent(o))
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}
