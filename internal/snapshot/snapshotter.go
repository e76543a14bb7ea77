package snapshot

import (
	"context"
	"strings"
	"time"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/extract"
	"ubrowser-mcp-server/internal/facts"
	"ubrowser-mcp-server/internal/metrics"
	"ubrowser-mcp-server/internal/refs"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options controls one render.
type Options struct {
	Scope       string
	Format      Format
	MaxElements int
	SkipCache   bool
}

// Output is a rendered snapshot.
type Output struct {
	Text  string     `json:"snapshot"`
	URL   string     `json:"url"`
	Title string     `json:"title"`
	Refs  []refs.Ref `json:"-"`
	Hash  string     `json:"-"`
}

// Snapshotter wires extraction, ref registration and formatting.
type Snapshotter struct {
	cache      *Cache
	defaultMax int
	metrics    *metrics.Collector
	sink       facts.Sink
	logger     *zap.Logger
}

// NewSnapshotter returns a snapshotter over cache. metrics, sink and logger may be nil.
func NewSnapshotter(cache *Cache, defaultMax int, m *metrics.Collector, sink facts.Sink, logger *zap.Logger) *Snapshotter {
	if defaultMax <= 0 {
		defaultMax = extract.DefaultMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		cache:      cache,
		defaultMax: defaultMax,
		metrics:    m,
		sink:       sink,
		logger:     logger.With(zap.String("component", "snapshot")),
	}
}

// Cache exposes the underlying arena.
func (s *Snapshotter) Cache() *Cache { return s.cache }

// Render extracts, registers refs and positions, and formats. Full and diff
// renders replace the baseline.
func (s *Snapshotter) Render(ctx context.Context, page browser.Page, rm *refs.Manager, baseline *Baseline, opts Options) (Output, error) {
	format := opts.Format
	if format == "" {
		format = FormatCompact
	}
	maxElements := opts.MaxElements
	if maxElements <= 0 {
		maxElements = s.defaultMax
	}

	var (
		title    string
		elements []extract.Element
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, err := page.Title(gctx)
		if err != nil {
			return err
		}
		title = t
		return nil
	})
	g.Go(func() error {
		els, err := s.cache.Get(gctx, page, opts.Scope, maxElements, opts.SkipCache || format == FormatDiff)
		if err != nil {
			return err
		}
		elements = els
		return nil
	})
	if err := g.Wait(); err != nil {
		return Output{}, err
	}
	pageURL := page.URL()

	pruned := Prune(elements, rm, page.Viewport(), maxElements)
	out := Output{URL: pageURL, Title: title, Refs: pruned, Hash: Hash(pruned)}

	switch format {
	case FormatFull:
		out.Text = Full(pruned, pageURL, title)
	case FormatMinimal:
		out.Text = Minimal(pruned, title)
	case FormatDiff:
		d := Compare(baseline.Get(), pruned)
		if d.Degenerate() {
			out.Text = Compact(pruned, pageURL, title)
		} else {
			out.Text = RenderDiff(d)
		}
	default:
		out.Text = Compact(pruned, pageURL, title)
	}
	if format == FormatFull || format == FormatDiff {
		baseline.Set(&Pruned{URL: pageURL, Title: title, Elements: pruned, Hash: out.Hash, Timestamp: time.Now()})
	}

	s.metrics.ObserveSnapshot(len(pruned))
	if err := facts.Emit(ctx, s.sink, facts.SnapshotTaken(page.ID(), string(format), len(pruned), out.Hash, time.Now())); err != nil {
		s.logger.Warn("snapshot fact error", zap.Error(err))
	}
	return out, nil
}

// Prime runs an extraction that only registers refs and positions.
func (s *Snapshotter) Prime(ctx context.Context, page browser.Page, rm *refs.Manager) error {
	elements, err := s.cache.Get(ctx, page, "", s.defaultMax, false)
	if err != nil {
		return err
	}
	Prune(elements, rm, page.Viewport(), s.defaultMax)
	return nil
}

// Prune registers elements with rm, drops private attributes and replaces
// rm's positions with the centres that fall inside viewport. Elements sharing
// a selector share a ref: every row is kept, the last one's fields win in rm,
// and the position is the first in-viewport occurrence, the same element a
// locator resolves to.
func Prune(elements []extract.Element, rm *refs.Manager, viewport browser.Viewport, maxElements int) []refs.Ref {
	if maxElements > 0 && len(elements) > maxElements {
		elements = elements[:maxElements]
	}
	out := make([]refs.Ref, 0, len(elements))
	positions := make(map[string]refs.Position, len(elements))

	for _, el := range elements {
		attrs := make(map[string]string, len(el.Attributes))
		for k, v := range el.Attributes {
			if strings.HasPrefix(k, "_") || v == "" {
				continue
			}
			attrs[k] = v
		}
		id := rm.GetOrCreate(el.Selector, el.Role, el.Name, el.Tag, attrs)
		out = append(out, refs.Ref{
			ID:         id,
			Selector:   el.Selector,
			Role:       el.Role,
			Name:       el.Name,
			Tag:        el.Tag,
			Attributes: attrs,
		})
		if _, ok := positions[id]; !ok && viewport.Contains(el.X, el.Y) {
			positions[id] = refs.Position{X: el.X, Y: el.Y}
		}
	}
	rm.SetPositions(positions)
	return out
}
