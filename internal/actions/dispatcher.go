// Package actions dispatches clicks, typing, scrolling and selection to a
// page. Ref targets with a cached position get raw input events; everything
// else goes through a locator that performs its own visibility wait.
package actions

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/facts"
	"ubrowser-mcp-server/internal/metrics"
	"ubrowser-mcp-server/internal/refs"

	"go.uber.org/zap"
)

// Path is the route a dispatch took.
type Path string

const (
	PathFast     Path = "fast"
	PathFallback Path = "fallback"
)

// Defaults shared by single tools and batch steps.
const (
	DefaultScrollAmount = 300
	scrollSettle        = 50 * time.Millisecond
)

// Target names an element by ref id or by CSS selector.
type Target struct {
	Ref      string `json:"ref,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Validate requires exactly one of Ref and Selector.
func (t Target) Validate() error {
	switch {
	case t.Ref != "" && t.Selector != "":
		return invalidArgs("ref and selector are mutually exclusive")
	case t.Ref == "" && t.Selector == "":
		return invalidArgs("ref or selector is required")
	case t.Ref != "" && !refs.IsRefID(t.Ref):
		return invalidArgs("ref %q is not a ref id", t.Ref)
	}
	return nil
}

// IsZero reports an empty target.
func (t Target) IsZero() bool { return t.Ref == "" && t.Selector == "" }

func (t Target) String() string {
	if t.Ref != "" {
		return t.Ref
	}
	return t.Selector
}

type ClickOptions struct {
	Button     browser.MouseButton
	ClickCount int
}

type TypeOptions struct {
	Text string
	// Clear replaces the current value. Nil means true.
	Clear      *bool
	PressEnter bool
}

type ScrollOptions struct {
	Direction string
	Amount    int
	ToTop     bool
	ToBottom  bool
}

type SelectOptions struct {
	Value *string
	Label *string
	Index *int
}

// Dispatcher routes actions to the fast or fallback path.
type Dispatcher struct {
	metrics *metrics.Collector
	sink    facts.Sink
	logger  *zap.Logger
	goos    string
	settle  time.Duration
}

// NewDispatcher returns a dispatcher. All arguments may be nil.
func NewDispatcher(m *metrics.Collector, sink facts.Sink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		metrics: m,
		sink:    sink,
		logger:  logger.With(zap.String("component", "dispatcher")),
		goos:    runtime.GOOS,
		settle:  scrollSettle,
	}
}

// resolve returns the selector for target and, for refs, the cached position.
func resolve(rm *refs.Manager, target Target) (string, *refs.Position, error) {
	if err := target.Validate(); err != nil {
		return "", nil, err
	}
	if target.Selector != "" {
		return target.Selector, nil, nil
	}
	ref, ok := rm.Resolve(target.Ref)
	if !ok {
		return "", nil, invalidRef(target.Ref)
	}
	if pos, ok := rm.Position(target.Ref); ok {
		return ref.Selector, &pos, nil
	}
	return ref.Selector, nil, nil
}

func invalidRef(id string) error {
	return fmt.Errorf("%w: unknown ref %s", ErrTargetNotFound, id)
}

func locate(ctx context.Context, page browser.Page, selector string) (browser.Locator, error) {
	loc, err := page.Locate(ctx, selector)
	if err != nil {
		return nil, classify(err, selector)
	}
	return loc, nil
}

// Click clicks target clickCount times.
func (d *Dispatcher) Click(ctx context.Context, page browser.Page, rm *refs.Manager, target Target, opts ClickOptions) (Path, error) {
	if opts.Button == "" {
		opts.Button = browser.ButtonLeft
	}
	if opts.ClickCount <= 0 {
		opts.ClickCount = 1
	}
	selector, pos, err := resolve(rm, target)
	if err != nil {
		return "", err
	}

	if pos != nil {
		for i := 0; i < opts.ClickCount; i++ {
			if err := page.MousePress(ctx, pos.X, pos.Y, opts.Button, i+1); err != nil {
				return PathFast, classify(err, target.String())
			}
			if err := page.MouseRelease(ctx, pos.X, pos.Y, opts.Button, i+1); err != nil {
				return PathFast, classify(err, target.String())
			}
		}
		d.record(ctx, page, "click", target, PathFast)
		return PathFast, nil
	}

	loc, err := locate(ctx, page, selector)
	if err != nil {
		return PathFallback, err
	}
	if err := loc.Click(ctx, opts.Button, opts.ClickCount); err != nil {
		return PathFallback, classify(err, selector)
	}
	d.record(ctx, page, "click", target, PathFallback)
	return PathFallback, nil
}

// Type enters text into target, replacing its value unless Clear is false.
func (d *Dispatcher) Type(ctx context.Context, page browser.Page, rm *refs.Manager, target Target, opts TypeOptions) (Path, error) {
	replace := opts.Clear == nil || *opts.Clear
	selector, pos, err := resolve(rm, target)
	if err != nil {
		return "", err
	}

	if pos != nil {
		if err := d.focusAt(ctx, page, *pos); err != nil {
			return PathFast, classify(err, target.String())
		}
		if replace {
			if err := d.selectAllAndDelete(ctx, page); err != nil {
				return PathFast, classify(err, target.String())
			}
		}
		if err := page.InsertText(ctx, opts.Text); err != nil {
			return PathFast, classify(err, target.String())
		}
		if opts.PressEnter {
			if err := PressKey(ctx, page, "Enter"); err != nil {
				return PathFast, classify(err, target.String())
			}
		}
		d.record(ctx, page, "type", target, PathFast)
		return PathFast, nil
	}

	loc, err := locate(ctx, page, selector)
	if err != nil {
		return PathFallback, err
	}
	if err := loc.Fill(ctx, opts.Text, replace); err != nil {
		return PathFallback, classify(err, selector)
	}
	if opts.PressEnter {
		if err := loc.Press(ctx, "Enter"); err != nil {
			return PathFallback, classify(err, selector)
		}
	}
	d.record(ctx, page, "type", target, PathFallback)
	return PathFallback, nil
}

// Focus gives target keyboard focus.
func (d *Dispatcher) Focus(ctx context.Context, page browser.Page, rm *refs.Manager, target Target) (Path, error) {
	selector, pos, err := resolve(rm, target)
	if err != nil {
		return "", err
	}
	if pos != nil {
		if err := d.focusAt(ctx, page, *pos); err != nil {
			return PathFast, classify(err, target.String())
		}
		d.record(ctx, page, "focus", target, PathFast)
		return PathFast, nil
	}
	loc, err := locate(ctx, page, selector)
	if err != nil {
		return PathFallback, err
	}
	if err := loc.Click(ctx, browser.ButtonLeft, 1); err != nil {
		return PathFallback, classify(err, selector)
	}
	d.record(ctx, page, "focus", target, PathFallback)
	return PathFallback, nil
}

// Scroll scrolls the window or brings target into view. ToTop and ToBottom
// win over a target, which wins over a direction.
func (d *Dispatcher) Scroll(ctx context.Context, page browser.Page, rm *refs.Manager, target Target, opts ScrollOptions) (Path, error) {
	switch {
	case opts.ToTop || opts.ToBottom:
		if err := page.ScrollTo(ctx, opts.ToBottom && !opts.ToTop); err != nil {
			return PathFallback, classify(err, "window")
		}
		return PathFallback, nil

	case !target.IsZero():
		selector, _, err := resolve(rm, target)
		if err != nil {
			return "", err
		}
		loc, err := locate(ctx, page, selector)
		if err != nil {
			return PathFallback, err
		}
		if err := loc.ScrollIntoView(ctx); err != nil {
			return PathFallback, classify(err, selector)
		}
		d.record(ctx, page, "scroll", target, PathFallback)
		return PathFallback, nil
	}

	amount := opts.Amount
	if amount <= 0 {
		amount = DefaultScrollAmount
	}
	var dx, dy float64
	switch opts.Direction {
	case "up":
		dy = -float64(amount)
	case "down":
		dy = float64(amount)
	case "left":
		dx = -float64(amount)
	case "right":
		dx = float64(amount)
	default:
		return "", invalidArgs("direction must be up, down, left or right, got %q", opts.Direction)
	}

	vp := page.Viewport()
	if err := page.MouseWheel(ctx, vp.Width/2, vp.Height/2, dx, dy); err != nil {
		return PathFast, classify(err, "window")
	}
	if d.settle > 0 {
		select {
		case <-time.After(d.settle):
		case <-ctx.Done():
			return PathFast, classify(ctx.Err(), "window")
		}
	}
	return PathFast, nil
}

// Select picks an option of a <select> target. It always uses the locator.
func (d *Dispatcher) Select(ctx context.Context, page browser.Page, rm *refs.Manager, target Target, opts SelectOptions) (Path, error) {
	if opts.Value == nil && opts.Label == nil && opts.Index == nil {
		return "", invalidArgs("value, label or index is required")
	}
	selector, _, err := resolve(rm, target)
	if err != nil {
		return "", err
	}
	loc, err := locate(ctx, page, selector)
	if err != nil {
		return PathFallback, err
	}
	by := browser.SelectBy{Value: opts.Value, Label: opts.Label, Index: opts.Index}
	if err := loc.SelectOption(ctx, by); err != nil {
		return PathFallback, classify(err, selector)
	}
	d.record(ctx, page, "select", target, PathFallback)
	return PathFallback, nil
}

func (d *Dispatcher) focusAt(ctx context.Context, page browser.Page, pos refs.Position) error {
	if err := page.MousePress(ctx, pos.X, pos.Y, browser.ButtonLeft, 1); err != nil {
		return err
	}
	return page.MouseRelease(ctx, pos.X, pos.Y, browser.ButtonLeft, 1)
}

// selectAllModifier is Meta on macOS and Ctrl elsewhere.
func (d *Dispatcher) selectAllModifier() int {
	if d.goos == "darwin" {
		return browser.ModifierMeta
	}
	return browser.ModifierCtrl
}

func (d *Dispatcher) selectAllAndDelete(ctx context.Context, page browser.Page) error {
	selectAll := browser.KeyEvent{Key: "a", Code: "KeyA", KeyCode: 65, Modifiers: d.selectAllModifier()}
	if err := page.KeyDown(ctx, selectAll); err != nil {
		return err
	}
	if err := page.KeyUp(ctx, selectAll); err != nil {
		return err
	}
	return PressKey(ctx, page, "Backspace")
}

func (d *Dispatcher) record(ctx context.Context, page browser.Page, action string, target Target, path Path) {
	d.metrics.RecordDispatch(action, string(path))
	if err := facts.Emit(ctx, d.sink, facts.Dispatch(page.ID(), action, target.String(), string(path), time.Now())); err != nil {
		d.logger.Warn("dispatch fact error", zap.Error(err))
	}
}

var keyCodes = map[string]int{
	"Enter":      13,
	"Tab":        9,
	"Escape":     27,
	"Backspace":  8,
	"Delete":     46,
	"ArrowLeft":  37,
	"ArrowUp":    38,
	"ArrowRight": 39,
	"ArrowDown":  40,
}

// KeyFor maps a key name to its key event. Unnamed keys use "Key" plus the
// upper-cased name as code and the first character as key code.
func KeyFor(key string) browser.KeyEvent {
	if code, ok := keyCodes[key]; ok {
		return browser.KeyEvent{Key: key, Code: key, KeyCode: code}
	}
	r, _ := utf8.DecodeRuneInString(key)
	return browser.KeyEvent{Key: key, Code: "Key" + strings.ToUpper(key), KeyCode: int(r)}
}

// PressKey sends a key down and up.
func PressKey(ctx context.Context, page browser.Page, key string) error {
	ev := KeyFor(key)
	if err := page.KeyDown(ctx, ev); err != nil {
		return err
	}
	return page.KeyUp(ctx, ev)
}
