package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/browser/browsertest"
	"ubrowser-mcp-server/internal/extract"
	"ubrowser-mcp-server/internal/refs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestSnapshotter() *Snapshotter {
	cache := NewCache(NewScriptExtractor(nil, nil), 0, nil)
	return NewSnapshotter(cache, 0, nil, nil, nil)
}

func TestRenderScenarioButton(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><head><title>Demo</title></head><body><button id="b1">Go</button></body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()

	out, err := s.Render(context.Background(), page, rm, &Baseline{}, Options{})
	require.NoError(t, err)
	require.Len(t, out.Refs, 1)

	ref := out.Refs[0]
	assert.Equal(t, "e1", ref.ID)
	assert.Equal(t, "button", ref.Tag)
	assert.Equal(t, "button", ref.Role)
	assert.Equal(t, "Go", ref.Name)
	assert.Equal(t, "#b1", ref.Selector)
	assert.Equal(t, "Demo (about:blank)\n"+`btn#e1"Go"`, out.Text)

	pos, ok := rm.Position("e1")
	require.True(t, ok)
	assert.Equal(t, refs.Position{X: 100, Y: 20}, pos)
}

func TestRenderScenarioEmailInput(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><input type="email" placeholder="Email" required></body></html>`)
	s := newTestSnapshotter()

	out, err := s.Render(context.Background(), page, refs.NewManager(), &Baseline{}, Options{})
	require.NoError(t, err)
	require.Len(t, out.Refs, 1)
	assert.Equal(t, `input[type="email"]`, out.Refs[0].Selector)
	assert.Equal(t, `inp#e1@e~"Email"!r`, Token(out.Refs[0]))
}

func TestRenderMaxElements(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, `<button id="b%d">B%d</button>`, i, i)
	}
	b.WriteString("</body></html>")

	page := browsertest.NewPage("p1")
	page.SetHTML(b.String())
	s := newTestSnapshotter()

	out, err := s.Render(context.Background(), page, refs.NewManager(), &Baseline{}, Options{MaxElements: 40})
	require.NoError(t, err)
	assert.Len(t, out.Refs, 40)
	assert.Equal(t, "e40", out.Refs[39].ID)
}

func TestRenderPositionsOnlyInsideViewport(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetViewport(browser.Viewport{Width: 1280, Height: 50})
	page.SetHTML(`<html><body><button id="a">A</button><button id="b">B</button></body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()

	_, err := s.Render(context.Background(), page, rm, &Baseline{}, Options{})
	require.NoError(t, err)

	_, ok := rm.Position("e1")
	assert.True(t, ok)
	_, ok = rm.Position("e2")
	assert.False(t, ok, "centre at y=60 is below the viewport")
}

func TestCacheHitIsByteIdentical(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><a href="/docs?x=1">Docs</a><input name="q"></body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()
	ctx := context.Background()

	first, err := s.Render(ctx, page, rm, &Baseline{}, Options{})
	require.NoError(t, err)
	second, err := s.Render(ctx, page, rm, &Baseline{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, page.Invokes(), "second render should be served from cache")
}

func TestCacheMissAfterMutation(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>One</button></body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()
	ctx := context.Background()

	_, err := s.Render(ctx, page, rm, &Baseline{}, Options{})
	require.NoError(t, err)

	page.SetHTML(`<html><body><button>One</button><button id="two">Two</button></body></html>`)
	out, err := s.Render(ctx, page, rm, &Baseline{}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, page.Invokes())
	assert.Len(t, out.Refs, 2)
}

func TestCacheStaleness(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>One</button></body></html>`)
	cache := NewCache(NewScriptExtractor(nil, nil), time.Second, nil)
	clock := time.Unix(1000, 0)
	cache.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	_, err = cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Invokes())

	clock = clock.Add(time.Second)
	_, err = cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Invokes())
}

func TestCacheKeyIncludesScopeAndMax(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><form id="f"><button>In</button></form><button>Out</button></body></html>`)
	cache := NewCache(NewScriptExtractor(nil, nil), 0, nil)
	ctx := context.Background()

	all, err := cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	scoped, err := cache.Get(ctx, page, "#f", 0, false)
	require.NoError(t, err)
	_, err = cache.Get(ctx, page, "#f", 1, false)
	require.NoError(t, err)

	assert.Len(t, all, 2)
	assert.Len(t, scoped, 1)
	assert.Equal(t, 3, page.Invokes())
}

func TestCacheInvalidateAndRemove(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>One</button></body></html>`)
	cache := NewCache(NewScriptExtractor(nil, nil), 0, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	cache.Invalidate("p1")
	_, err = cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Invokes())

	assert.Equal(t, 1, cache.Len())
	cache.Remove("p1")
	assert.Equal(t, 0, cache.Len())
	_, ok := cache.Entry("p1")
	assert.False(t, ok)
}

func TestCacheSwappedDocumentMisses(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>One</button></body></html>`)
	cache := NewCache(NewScriptExtractor(nil, nil), 0, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)
	page.Uninstall()
	_, err = cache.Get(ctx, page, "", 0, false)
	require.NoError(t, err)

	assert.Equal(t, 2, page.Injections())
}

func TestExtractorReinjectsOnce(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>One</button></body></html>`)
	ex := NewScriptExtractor(nil, nil)

	page.FailInvokes(1)
	res, err := ex.Extract(context.Background(), page, "", 10)
	require.NoError(t, err)
	assert.Len(t, res.Elements, 1)
	assert.Equal(t, 2, page.Injections())

	page.FailInvokes(2)
	_, err = ex.Extract(context.Background(), page, "", 10)
	assert.True(t, errors.Is(err, ErrExtractionFailure))
}

func TestExtractorCancelled(t *testing.T) {
	page := browsertest.NewPage("p1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScriptExtractor(nil, nil).Extract(ctx, page, "", 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderDiffFormat(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button id="a">A</button><button id="b">B</button></body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()
	baseline := &Baseline{}
	ctx := context.Background()

	// No baseline yet: falls back to compact.
	out, err := s.Render(ctx, page, rm, baseline, Options{Format: FormatDiff})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Text, " (about:blank)\n"))
	require.NotNil(t, baseline.Get())

	page.SetHTML(`<html><body><button id="a">A2</button><button id="c">C</button></body></html>`)
	out, err = s.Render(ctx, page, rm, baseline, Options{Format: FormatDiff})
	require.NoError(t, err)

	want := strings.Join([]string{
		"+ Added 1 elements:",
		`<button id="e3">C</button>`,
		"- Removed: e2",
		"~ Modified 1 elements:",
		`  e1: name: "A2"`,
	}, "\n")
	assert.Equal(t, want, out.Text)
}

func TestRenderCompactDoesNotTouchBaseline(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>A</button></body></html>`)
	s := newTestSnapshotter()
	baseline := &Baseline{}

	_, err := s.Render(context.Background(), page, refs.NewManager(), baseline, Options{Format: FormatMinimal})
	require.NoError(t, err)
	assert.Nil(t, baseline.Get())

	_, err = s.Render(context.Background(), page, refs.NewManager(), baseline, Options{Format: FormatFull})
	require.NoError(t, err)
	assert.NotNil(t, baseline.Get())
}

func TestPrimeRegistersPositions(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body><button>A</button><a href="/x">X</a></body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()

	require.NoError(t, s.Prime(context.Background(), page, rm))
	assert.Equal(t, 2, rm.Count())
	assert.True(t, rm.HasPositions())
}

func TestPruneSharedSelectorLastWriteWins(t *testing.T) {
	rm := refs.NewManager()
	els := []extract.Element{
		{Selector: "#dup", Name: "first", Tag: "input", X: 10, Y: 10, Attributes: map[string]string{"_idx": "0", "type": "text"}},
		{Selector: "#dup", Name: "second", Tag: "input", X: 10, Y: 50},
		{Selector: "#other", Name: "other", Tag: "button", X: 10, Y: 90},
	}
	out := Prune(els, rm, browser.Viewport{Width: 100, Height: 100}, 0)

	require.Len(t, out, 3)
	assert.Equal(t, "e1", out[0].ID)
	assert.Equal(t, "e1", out[1].ID)
	assert.Equal(t, "e2", out[2].ID)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, "second", out[1].Name)
	assert.Equal(t, map[string]string{"type": "text"}, out[0].Attributes)

	ref, ok := rm.Resolve("e1")
	require.True(t, ok)
	assert.Equal(t, "second", ref.Name)

	pos, ok := rm.Position("e1")
	require.True(t, ok)
	assert.Equal(t, refs.Position{X: 10, Y: 10}, pos)
}

func TestRenderRadioGroupSharesRef(t *testing.T) {
	page := browsertest.NewPage("p1")
	page.SetHTML(`<html><body>` +
		`<input type="radio" name="color" aria-label="Red">` +
		`<input type="radio" name="color" aria-label="Green">` +
		`<input type="radio" name="color" aria-label="Blue">` +
		`</body></html>`)
	s := newTestSnapshotter()
	rm := refs.NewManager()

	out, err := s.Render(context.Background(), page, rm, &Baseline{}, Options{})
	require.NoError(t, err)
	require.Len(t, out.Refs, 3)
	for _, r := range out.Refs {
		assert.Equal(t, "e1", r.ID)
	}
	assert.Contains(t, out.Text, `"Red"`)
	assert.Contains(t, out.Text, `"Green"`)
	assert.Contains(t, out.Text, `"Blue"`)

	ref, ok := rm.Resolve("e1")
	require.True(t, ok)
	assert.Equal(t, "Blue", ref.Name)
	assert.Len(t, rm.All(), 1)
}

func TestCompareSharedIDCountsOnce(t *testing.T) {
	prev := &Pruned{Elements: []refs.Ref{
		{ID: "e1", Role: "radio", Name: "Red"},
		{ID: "e1", Role: "radio", Name: "Blue"},
		{ID: "e2", Role: "button", Name: "Go"},
	}}
	cur := []refs.Ref{
		{ID: "e1", Role: "radio", Name: "Red"},
		{ID: "e1", Role: "radio", Name: "Green"},
		{ID: "e2", Role: "button", Name: "Go"},
		{ID: "e3", Role: "link", Name: "Home"},
		{ID: "e3", Role: "link", Name: "Home"},
	}

	d := Compare(prev, cur)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, Modified{ID: "e1", Changes: `name: "Green"`}, d.Modified[0])
	assert.Equal(t, 1, d.Unchanged)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "e3", d.Added[0].ID)
	assert.Empty(t, d.Removed)

	fresh := Compare(nil, cur)
	assert.Len(t, fresh.Added, 3)
}

func TestCompareAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.IntRange(1, 30)
		prevIDs := rapid.SliceOfDistinct(ids, func(i int) int { return i }).Draw(t, "prev")
		curIDs := rapid.SliceOfDistinct(ids, func(i int) int { return i }).Draw(t, "cur")
		names := rapid.SampledFrom([]string{"a", "b"})

		mk := func(label string, in []int) []refs.Ref {
			out := make([]refs.Ref, len(in))
			for i, n := range in {
				out[i] = refs.Ref{ID: fmt.Sprintf("e%d", n), Role: "button", Name: names.Draw(t, label)}
			}
			return out
		}
		prev := &Pruned{Elements: mk("prevName", prevIDs)}
		cur := mk("curName", curIDs)

		union := make(map[string]bool)
		for _, r := range prev.Elements {
			union[r.ID] = true
		}
		for _, r := range cur {
			union[r.ID] = true
		}

		d := Compare(prev, cur)
		total := len(d.Added) + len(d.Removed) + len(d.Modified) + d.Unchanged
		if total != len(union) {
			t.Fatalf("diff covers %d ids, union has %d", total, len(union))
		}
	})
}

func TestCompareNilBaseline(t *testing.T) {
	cur := []refs.Ref{{ID: "e1"}, {ID: "e2"}}
	d := Compare(nil, cur)
	assert.Len(t, d.Added, 2)
	assert.Empty(t, d.Removed)
	assert.True(t, d.Degenerate())
}

func TestHashStable(t *testing.T) {
	a := []refs.Ref{{ID: "e1", Role: "button", Name: "Go", Selector: "#b1"}}
	assert.Len(t, Hash(a), 8)
	assert.Equal(t, Hash(a), Hash(append([]refs.Ref(nil), a...)))
	assert.NotEqual(t, Hash(a), Hash([]refs.Ref{{ID: "e1", Role: "button", Name: "Stop", Selector: "#b1"}}))
}
