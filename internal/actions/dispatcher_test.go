package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/browser/browsertest"
	"ubrowser-mcp-server/internal/extract"
	"ubrowser-mcp-server/internal/facts"
	"ubrowser-mcp-server/internal/refs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const formHTML = `<html><body>
<input id="email" type="email">
<button id="go">Go</button>
<select id="size"><option value="s">Small</option><option value="m">Two</option></select>
<button id="ghost" style="display: none">Ghost</button>
</body></html>`

type factSink struct {
	mu  sync.Mutex
	got []facts.Fact
}

func (s *factSink) AddFacts(_ context.Context, f []facts.Fact) error {
	s.mu.Lock()
	s.got = append(s.got, f...)
	s.mu.Unlock()
	return nil
}

func setup(t *testing.T, goos string) (*Dispatcher, *browsertest.Page, *refs.Manager, *factSink) {
	t.Helper()
	page := browsertest.NewPage("p1")
	page.SetHTML(formHTML)
	sink := &factSink{}
	d := NewDispatcher(nil, sink, nil)
	d.goos = goos
	d.settle = 0
	return d, page, refs.NewManager(), sink
}

func kinds(events []browsertest.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestClickFastPath(t *testing.T) {
	d, page, rm, sink := setup(t, "linux")
	id := rm.GetOrCreate("#go", "button", "Go", "button", nil)
	rm.SetPositions(map[string]refs.Position{id: {X: 10, Y: 20}})

	path, err := d.Click(context.Background(), page, rm, Target{Ref: id}, ClickOptions{ClickCount: 2})
	require.NoError(t, err)
	assert.Equal(t, PathFast, path)

	events := page.Events()
	require.Len(t, events, 4)
	assert.Equal(t, []string{"press", "release", "press", "release"}, kinds(events))
	assert.Equal(t, 1, events[0].ClickCount)
	assert.Equal(t, 2, events[2].ClickCount)
	assert.Equal(t, browser.ButtonLeft, events[0].Button)
	assert.Equal(t, 10, events[0].X)
	assert.Empty(t, page.Calls())

	require.Len(t, sink.got, 1)
	assert.Equal(t, []interface{}{"p1", "click", "e1", "fast"}, sink.got[0].Args[:4])
}

func TestClickFallsBackWithoutPosition(t *testing.T) {
	d, page, rm, sink := setup(t, "linux")
	id := rm.GetOrCreate("#go", "button", "Go", "button", nil)

	path, err := d.Click(context.Background(), page, rm, Target{Ref: id}, ClickOptions{Button: browser.ButtonRight})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, path)
	assert.Empty(t, page.Events())
	assert.Equal(t, []browsertest.Call{
		{Method: "locate", Selector: "#go"},
		{Method: "click", Selector: "#go", Arg: "right/1"},
	}, page.Calls())
	assert.Equal(t, "fallback", sink.got[0].Args[3])
}

func TestClickSelectorTarget(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")
	path, err := d.Click(context.Background(), page, rm, Target{Selector: "#go"}, ClickOptions{})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, path)
}

func TestTargetErrors(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")
	ctx := context.Background()

	_, err := d.Click(ctx, page, rm, Target{Ref: "e9"}, ClickOptions{})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = d.Click(ctx, page, rm, Target{Ref: "e1", Selector: "#go"}, ClickOptions{})
	assert.ErrorIs(t, err, ErrInvalidStepArgs)

	_, err = d.Click(ctx, page, rm, Target{}, ClickOptions{})
	assert.ErrorIs(t, err, ErrInvalidStepArgs)

	_, err = d.Click(ctx, page, rm, Target{Ref: "#go"}, ClickOptions{})
	assert.ErrorIs(t, err, ErrInvalidStepArgs)

	_, err = d.Click(ctx, page, rm, Target{Selector: "#missing"}, ClickOptions{})
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, KindTargetNotFound, Kind(err))
}

func TestHiddenTargetTimesOut(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Click(ctx, page, rm, Target{Selector: "#ghost"}, ClickOptions{})
	assert.ErrorIs(t, err, ErrActionTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, Kind(err))
}

func TestTypeFastPath(t *testing.T) {
	tests := []struct {
		goos     string
		modifier int
	}{
		{"linux", browser.ModifierCtrl},
		{"darwin", browser.ModifierMeta},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			d, page, rm, _ := setup(t, tt.goos)
			id := rm.GetOrCreate("#email", "textbox", "", "input", nil)
			rm.SetPositions(map[string]refs.Position{id: {X: 100, Y: 20}})

			path, err := d.Type(context.Background(), page, rm, Target{Ref: id}, TypeOptions{Text: "a@b.c", PressEnter: true})
			require.NoError(t, err)
			assert.Equal(t, PathFast, path)

			events := page.Events()
			assert.Equal(t, []string{"press", "release", "keydown", "keyup", "keydown", "keyup", "insert", "keydown", "keyup"}, kinds(events))
			assert.Equal(t, tt.modifier, events[2].Key.Modifiers)
			assert.Equal(t, "KeyA", events[2].Key.Code)
			assert.Equal(t, 8, events[4].Key.KeyCode)
			assert.Equal(t, "a@b.c", events[6].Text)
			assert.Equal(t, 13, events[7].Key.KeyCode)
		})
	}
}

func TestTypeWithoutClear(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")
	id := rm.GetOrCreate("#email", "textbox", "", "input", nil)
	rm.SetPositions(map[string]refs.Position{id: {X: 100, Y: 20}})
	keep := false

	_, err := d.Type(context.Background(), page, rm, Target{Ref: id}, TypeOptions{Text: "x", Clear: &keep})
	require.NoError(t, err)
	assert.Equal(t, []string{"press", "release", "insert"}, kinds(page.Events()))
}

func TestTypeFallbackFills(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")

	path, err := d.Type(context.Background(), page, rm, Target{Selector: "#email"}, TypeOptions{Text: "hi", PressEnter: true})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, path)

	calls := page.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "fill", calls[1].Method)
	assert.Equal(t, browsertest.Call{Method: "press", Selector: "#email", Arg: "Enter"}, calls[2])

	n, err := extract.Query(page.Doc(), "#email")
	require.NoError(t, err)
	assert.Equal(t, "hi", extract.Attr(n, "value"))
}

func TestFocus(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")
	id := rm.GetOrCreate("#email", "textbox", "", "input", nil)
	rm.SetPositions(map[string]refs.Position{id: {X: 5, Y: 6}})

	path, err := d.Focus(context.Background(), page, rm, Target{Ref: id})
	require.NoError(t, err)
	assert.Equal(t, PathFast, path)
	assert.Equal(t, []string{"press", "release"}, kinds(page.Events()))
}

func TestScroll(t *testing.T) {
	ctx := context.Background()

	t.Run("wheel at viewport centre", func(t *testing.T) {
		d, page, rm, _ := setup(t, "linux")
		path, err := d.Scroll(ctx, page, rm, Target{}, ScrollOptions{Direction: "down"})
		require.NoError(t, err)
		assert.Equal(t, PathFast, path)
		events := page.Events()
		require.Len(t, events, 1)
		assert.Equal(t, browsertest.Event{Kind: "wheel", X: 640, Y: 360, DeltaY: 300}, events[0])
	})

	t.Run("left with amount", func(t *testing.T) {
		d, page, rm, _ := setup(t, "linux")
		_, err := d.Scroll(ctx, page, rm, Target{}, ScrollOptions{Direction: "left", Amount: 120})
		require.NoError(t, err)
		assert.Equal(t, -120.0, page.Events()[0].DeltaX)
	})

	t.Run("to bottom", func(t *testing.T) {
		d, page, rm, _ := setup(t, "linux")
		_, err := d.Scroll(ctx, page, rm, Target{Selector: "#go"}, ScrollOptions{ToBottom: true})
		require.NoError(t, err)
		assert.Equal(t, []browsertest.Call{{Method: "scrollTo", Arg: "bottom"}}, page.Calls())
	})

	t.Run("into view", func(t *testing.T) {
		d, page, rm, _ := setup(t, "linux")
		path, err := d.Scroll(ctx, page, rm, Target{Selector: "#go"}, ScrollOptions{Direction: "down"})
		require.NoError(t, err)
		assert.Equal(t, PathFallback, path)
		assert.Equal(t, "scrollIntoView", page.Calls()[1].Method)
		assert.Empty(t, page.Events())
	})

	t.Run("missing direction", func(t *testing.T) {
		d, page, rm, _ := setup(t, "linux")
		_, err := d.Scroll(ctx, page, rm, Target{}, ScrollOptions{})
		assert.ErrorIs(t, err, ErrInvalidStepArgs)
	})
}

func TestSelect(t *testing.T) {
	d, page, rm, _ := setup(t, "linux")
	ctx := context.Background()
	label := "Two"

	path, err := d.Select(ctx, page, rm, Target{Selector: "#size"}, SelectOptions{Label: &label})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, path)
	assert.Equal(t, browsertest.Call{Method: "select", Selector: "#size", Arg: "label=Two"}, page.Calls()[1])

	missing := "xl"
	_, err = d.Select(ctx, page, rm, Target{Selector: "#size"}, SelectOptions{Value: &missing})
	assert.ErrorIs(t, err, browser.ErrOptionNotFound)
	assert.Equal(t, KindOptionNotFound, Kind(err))

	_, err = d.Select(ctx, page, rm, Target{Selector: "#size"}, SelectOptions{})
	assert.ErrorIs(t, err, ErrInvalidStepArgs)
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, browser.KeyEvent{Key: "Enter", Code: "Enter", KeyCode: 13}, KeyFor("Enter"))
	assert.Equal(t, 40, KeyFor("ArrowDown").KeyCode)
	assert.Equal(t, 9, KeyFor("Tab").KeyCode)
	assert.Equal(t, browser.KeyEvent{Key: "a", Code: "KeyA", KeyCode: 97}, KeyFor("a"))
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, KindOK},
		{invalidArgs("x"), KindInvalidArgs},
		{browser.ErrNoMatch, KindTargetNotFound},
		{context.DeadlineExceeded, KindTimeout},
		{context.Canceled, KindCancelled},
		{errors.New("boom"), KindError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestCleanError(t *testing.T) {
	assert.Equal(t, "", CleanError(nil))
	assert.Equal(t, "locator failed", CleanError(errors.New("\x1b[31mlocator failed\x1b[0m\n  at stack line")))

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	got := CleanError(errors.New(string(long)))
	assert.Len(t, got, maxErrorLen)
	assert.True(t, len(got) > 3 && got[len(got)-3:] == "...")
}
