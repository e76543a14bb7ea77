package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"ubrowser-mcp-server/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

const (
	inspectJS = `function (sel) {
  var el = document.querySelector(sel);
  if (!el) return { exists: false };
  var style = window.getComputedStyle(el);
  var r = el.getBoundingClientRect();
  var attrs = {};
  for (var i = 0; i < el.attributes.length; i++) {
    attrs[el.attributes[i].name] = el.attributes[i].value;
  }
  return {
    exists: true,
    visible: style.display !== 'none' && style.visibility !== 'hidden' && r.width > 0 && r.height > 0,
    tagName: el.tagName.toLowerCase(),
    text: (el.textContent || '').trim(),
    attributes: attrs,
    childCount: el.children.length,
    outerHTML: el.outerHTML
  };
}`

	scrollToJS = `function (bottom) {
  window.scrollTo(0, bottom ? document.body.scrollHeight : 0);
}`

	clearJS = `function () {
  if ('value' in this) {
    this.value = '';
  } else if (this.isContentEditable) {
    this.textContent = '';
  }
  this.dispatchEvent(new Event('input', { bubbles: true }));
}`

	selectOptionJS = `function (mode, value, index) {
  var opts = Array.prototype.slice.call(this.options || []);
  var i = -1;
  if (mode === 'value') {
    i = opts.findIndex(function (o) { return o.value === value; });
  } else if (mode === 'label') {
    i = opts.findIndex(function (o) { return o.label === value || o.text.trim() === value; });
  } else if (index >= 0 && index < opts.length) {
    i = index;
  }
  if (i < 0) return false;
  this.selectedIndex = i;
  this.dispatchEvent(new Event('input', { bubbles: true }));
  this.dispatchEvent(new Event('change', { bubbles: true }));
  return true;
}`
)

// RodDriver attaches to or launches Chrome through rod.
type RodDriver struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// NewRodDriver returns a driver for cfg. Nothing connects until Start.
func NewRodDriver(cfg config.BrowserConfig, logger *zap.Logger) *RodDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RodDriver{cfg: cfg, logger: logger.With(zap.String("component", "rod"))}
}

// Start connects to an existing Chrome or launches a new one using rod's launcher.
func (d *RodDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil
		}
		d.logger.Warn("stale browser connection detected, reconnecting")
		_ = d.browser.Close()
		d.browser = nil
		d.controlURL = ""
	}

	controlURL := d.cfg.DebuggerURL
	if controlURL == "" {
		url, err := d.launch()
		if err != nil {
			return err
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	d.browser = browser
	d.controlURL = controlURL
	d.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (d *RodDriver) launch() (string, error) {
	l := launcher.New().Headless(d.cfg.IsHeadless())
	if len(d.cfg.Launch) > 0 {
		l = l.Bin(d.cfg.Launch[0])
		for _, rawFlag := range d.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	url, err := l.Launch()
	if err == nil {
		return url, nil
	}

	// Let rod pick the port and defaults.
	fallback := launcher.New().Headless(d.cfg.IsHeadless())
	if len(d.cfg.Launch) > 0 {
		fallback = fallback.Bin(d.cfg.Launch[0])
	}
	alt, altErr := fallback.Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// ControlURL returns the DevTools websocket URL of the connected browser.
func (d *RodDriver) ControlURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlURL
}

// NewPage opens a tab with the configured viewport, stealth and resource
// blocking, and starts its event stream.
func (d *RodDriver) NewPage(ctx context.Context, id string, hooks Hooks) (Page, error) {
	d.mu.Lock()
	b := d.browser
	d.mu.Unlock()
	if b == nil {
		return nil, ErrNotConnected
	}

	var (
		page *rod.Page
		err  error
	)
	if d.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	vp := Viewport{Width: d.cfg.GetViewportWidth(), Height: d.cfg.GetViewportHeight()}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		d.logger.Warn("failed to set viewport", zap.String("page_id", id), zap.Error(err))
	}

	rp := &rodPage{id: id, page: page, viewport: vp}
	if len(d.cfg.BlockResources) > 0 {
		rp.router = applyResourceBlocking(page, d.cfg.BlockResources)
	}
	rp.startEventStream(hooks)
	return rp, nil
}

// Close disconnects from the browser.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == nil {
		return nil
	}
	err := d.browser.Close()
	d.browser = nil
	d.controlURL = ""
	return err
}

type rodPage struct {
	id       string
	page     *rod.Page
	viewport Viewport
	router   *rod.HijackRouter
	cancel   context.CancelFunc
	closed   atomic.Bool
}

func (p *rodPage) startEventStream(hooks Hooks) {
	evCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	wait := p.page.Context(evCtx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame.ParentID != "" || hooks.Navigated == nil {
				return
			}
			hooks.Navigated(ev.Frame.URL)
		},
		func(ev *proto.RuntimeConsoleAPICalled) {
			if hooks.Console == nil {
				return
			}
			level := string(ev.Type)
			if ev.Type == proto.RuntimeConsoleAPICalledTypeWarning {
				level = "warn"
			}
			hooks.Console(level, stringifyConsoleArgs(ev.Args))
		},
	)
	go wait()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

func (p *rodPage) ID() string { return p.id }

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) IsClosed() bool { return p.closed.Load() }

func (p *rodPage) Viewport() Viewport { return p.viewport }

func (p *rodPage) Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	if p.IsClosed() {
		return nil, ErrPageClosed
	}
	res, err := p.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return nil, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string, wait WaitUntil) error {
	if p.IsClosed() {
		return ErrPageClosed
	}
	pc := p.page.Context(ctx)

	var waitFn func()
	switch wait {
	case WaitDOMContentLoaded:
		waitFn = pc.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	case WaitNetworkIdle:
		waitFn = pc.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	}

	if err := pc.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if waitFn != nil {
		waitFn()
		return ctx.Err()
	}
	if err := pc.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) mouse(ctx context.Context, typ proto.InputDispatchMouseEventType, x, y int, button MouseButton, clickCount int) error {
	return proto.InputDispatchMouseEvent{
		Type:       typ,
		X:          float64(x),
		Y:          float64(y),
		Button:     proto.InputMouseButton(button),
		ClickCount: clickCount,
	}.Call(p.page.Context(ctx))
}

func (p *rodPage) MousePress(ctx context.Context, x, y int, button MouseButton, clickCount int) error {
	return p.mouse(ctx, proto.InputDispatchMouseEventTypeMousePressed, x, y, button, clickCount)
}

func (p *rodPage) MouseRelease(ctx context.Context, x, y int, button MouseButton, clickCount int) error {
	return p.mouse(ctx, proto.InputDispatchMouseEventTypeMouseReleased, x, y, button, clickCount)
}

func (p *rodPage) MouseWheel(ctx context.Context, x, y int, deltaX, deltaY float64) error {
	return proto.InputDispatchMouseEvent{
		Type:   proto.InputDispatchMouseEventTypeMouseWheel,
		X:      float64(x),
		Y:      float64(y),
		DeltaX: deltaX,
		DeltaY: deltaY,
	}.Call(p.page.Context(ctx))
}

func (p *rodPage) key(ctx context.Context, typ proto.InputDispatchKeyEventType, ev KeyEvent) error {
	return proto.InputDispatchKeyEvent{
		Type:                  typ,
		Modifiers:             ev.Modifiers,
		Key:                   ev.Key,
		Code:                  ev.Code,
		WindowsVirtualKeyCode: ev.KeyCode,
		Text:                  ev.Text,
	}.Call(p.page.Context(ctx))
}

func (p *rodPage) KeyDown(ctx context.Context, ev KeyEvent) error {
	return p.key(ctx, proto.InputDispatchKeyEventTypeKeyDown, ev)
}

func (p *rodPage) KeyUp(ctx context.Context, ev KeyEvent) error {
	ev.Text = ""
	return p.key(ctx, proto.InputDispatchKeyEventTypeKeyUp, ev)
}

func (p *rodPage) InsertText(ctx context.Context, text string) error {
	return proto.InputInsertText{Text: text}.Call(p.page.Context(ctx))
}

func (p *rodPage) Locate(ctx context.Context, selector string) (Locator, error) {
	if p.IsClosed() {
		return nil, ErrPageClosed
	}
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		if ctx.Err() != nil {
			if has, _, herr := p.page.Has(selector); herr == nil && !has {
				return nil, fmt.Errorf("%w: %s", ErrNoMatch, selector)
			}
		}
		return nil, fmt.Errorf("locate %s: %w", selector, err)
	}
	if err := el.Context(ctx).WaitVisible(); err != nil {
		return nil, fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return &rodLocator{el: el}, nil
}

func (p *rodPage) Inspect(ctx context.Context, selector string) (ElementInfo, error) {
	raw, err := p.Evaluate(ctx, inspectJS, selector)
	if err != nil {
		return ElementInfo{}, err
	}
	var info ElementInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ElementInfo{}, fmt.Errorf("decode inspect result: %w", err)
	}
	return info, nil
}

func (p *rodPage) ScrollTo(ctx context.Context, bottom bool) error {
	_, err := p.Evaluate(ctx, scrollToJS, bottom)
	return err
}

func (p *rodPage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.router != nil {
		_ = p.router.Stop()
	}
	return p.page.Close()
}

type rodLocator struct {
	el *rod.Element
}

func (l *rodLocator) Click(ctx context.Context, button MouseButton, clickCount int) error {
	return l.el.Context(ctx).Click(proto.InputMouseButton(button), clickCount)
}

func (l *rodLocator) Fill(ctx context.Context, text string, replace bool) error {
	if replace {
		if err := l.Clear(ctx); err != nil {
			return err
		}
	}
	return l.el.Context(ctx).Input(text)
}

func (l *rodLocator) Clear(ctx context.Context) error {
	_, err := l.el.Context(ctx).Eval(clearJS)
	return err
}

func (l *rodLocator) Press(ctx context.Context, key string) error {
	k, err := inputKey(key)
	if err != nil {
		return err
	}
	return l.el.Context(ctx).Type(k)
}

func (l *rodLocator) SelectOption(ctx context.Context, by SelectBy) error {
	mode, value, index := "index", "", -1
	switch {
	case by.Value != nil:
		mode, value = "value", *by.Value
	case by.Label != nil:
		mode, value = "label", *by.Label
	case by.Index != nil:
		index = *by.Index
	default:
		return errors.New("select requires value, label or index")
	}
	res, err := l.el.Context(ctx).Eval(selectOptionJS, mode, value, index)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return ErrOptionNotFound
	}
	return nil
}

func (l *rodLocator) ScrollIntoView(ctx context.Context) error {
	return l.el.Context(ctx).ScrollIntoView()
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
}

func inputKey(name string) (input.Key, error) {
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}
	if r, size := utf8.DecodeRuneInString(name); size > 0 && size == len(name) {
		return input.Key(r), nil
	}
	return 0, fmt.Errorf("unsupported key %q", name)
}
