package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoMatch reports that a selector matched zero elements.
	ErrNoMatch = errors.New("no element matches selector")
	// ErrOptionNotFound reports a select option that does not exist.
	ErrOptionNotFound = errors.New("option not found")
	// ErrPageClosed reports an operation against a closed page.
	ErrPageClosed = errors.New("page closed")
	// ErrNotConnected reports that no browser is attached.
	ErrNotConnected = errors.New("browser not connected")
)

// WaitUntil is the navigation completion condition.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// ParseWaitUntil validates a wire value. Empty means domcontentloaded.
func ParseWaitUntil(s string) (WaitUntil, error) {
	switch WaitUntil(s) {
	case "":
		return WaitDOMContentLoaded, nil
	case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
		return WaitUntil(s), nil
	}
	return "", fmt.Errorf("waitUntil must be load, domcontentloaded or networkidle, got %q", s)
}

// MouseButton names a pointer button.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonMiddle MouseButton = "middle"
	ButtonRight  MouseButton = "right"
)

// ParseMouseButton validates a wire value. Empty means left.
func ParseMouseButton(s string) (MouseButton, error) {
	switch MouseButton(s) {
	case "":
		return ButtonLeft, nil
	case ButtonLeft, ButtonMiddle, ButtonRight:
		return MouseButton(s), nil
	}
	return "", fmt.Errorf("button must be left, middle or right, got %q", s)
}

// Key event modifier bits, as defined by Input.dispatchKeyEvent.
const (
	ModifierAlt   = 1
	ModifierCtrl  = 2
	ModifierMeta  = 4
	ModifierShift = 8
)

// KeyEvent is one low-level key down or up.
type KeyEvent struct {
	Key       string
	Code      string
	KeyCode   int
	Modifiers int
	Text      string
}

// Viewport is the layout viewport in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether (x, y) lies inside the viewport.
func (v Viewport) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < v.Width && y < v.Height
}

// SelectBy picks an option of a <select>. Exactly one of the fields is used,
// in the order Value, Label, Index.
type SelectBy struct {
	Value *string
	Label *string
	Index *int
}

// ElementInfo describes one element for inspection.
type ElementInfo struct {
	Exists     bool              `json:"exists"`
	Visible    bool              `json:"visible"`
	TagName    string            `json:"tagName"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	ChildCount int               `json:"childCount"`
	OuterHTML  string            `json:"outerHTML"`
}

// Page is the host surface the snapshot and dispatch layers consume.
type Page interface {
	ID() string
	URL() string
	Title(ctx context.Context) (string, error)
	IsClosed() bool
	Viewport() Viewport

	// Evaluate runs a JavaScript function expression with args and returns
	// its JSON-serialised result.
	Evaluate(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
	Navigate(ctx context.Context, url string, wait WaitUntil) error

	MousePress(ctx context.Context, x, y int, button MouseButton, clickCount int) error
	MouseRelease(ctx context.Context, x, y int, button MouseButton, clickCount int) error
	MouseWheel(ctx context.Context, x, y int, deltaX, deltaY float64) error
	KeyDown(ctx context.Context, ev KeyEvent) error
	KeyUp(ctx context.Context, ev KeyEvent) error
	InsertText(ctx context.Context, text string) error

	// Locate returns the first element matching selector once it is visible.
	// It fails with ErrNoMatch when nothing matches before ctx expires.
	Locate(ctx context.Context, selector string) (Locator, error)
	// Inspect describes the first match of selector without waiting.
	Inspect(ctx context.Context, selector string) (ElementInfo, error)
	// ScrollTo jumps the window to the top or the bottom of the document.
	ScrollTo(ctx context.Context, bottom bool) error

	Close() error
}

// Locator is a resolved element handle with its own actionability checks.
type Locator interface {
	Click(ctx context.Context, button MouseButton, clickCount int) error
	// Fill types text into the element, replacing its value when replace is set.
	Fill(ctx context.Context, text string, replace bool) error
	Clear(ctx context.Context) error
	Press(ctx context.Context, key string) error
	SelectOption(ctx context.Context, by SelectBy) error
	ScrollIntoView(ctx context.Context) error
}
