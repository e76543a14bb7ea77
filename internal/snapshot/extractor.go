package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ubrowser-mcp-server/internal/browser"
	"ubrowser-mcp-server/internal/extract"
	"ubrowser-mcp-server/internal/metrics"

	"go.uber.org/zap"
)

// ErrExtractionFailure reports that the in-page extractor was missing or threw
// even after one reinjection.
var ErrExtractionFailure = errors.New("extraction failed")

// Extractor runs one extraction against a page and reads its mutation counter.
type Extractor interface {
	Extract(ctx context.Context, page browser.Page, scope string, maxElements int) (extract.Result, error)
	// MutationCount returns the page-resident counter, or -1 when the payload
	// is not installed in the current document.
	MutationCount(ctx context.Context, page browser.Page) (int, error)
}

// ScriptExtractor drives the embedded payload through page evaluation.
type ScriptExtractor struct {
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewScriptExtractor returns an extractor. Both arguments may be nil.
func NewScriptExtractor(m *metrics.Collector, logger *zap.Logger) *ScriptExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptExtractor{metrics: m, logger: logger.With(zap.String("component", "extractor"))}
}

// Extract installs the payload when missing and runs it. A failed run is
// retried once after reinjecting the payload.
func (s *ScriptExtractor) Extract(ctx context.Context, page browser.Page, scope string, maxElements int) (extract.Result, error) {
	installed, err := s.installed(ctx, page)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return extract.Result{}, ctxErr
		}
		return extract.Result{}, fmt.Errorf("%w: probe: %v", ErrExtractionFailure, err)
	}
	if !installed {
		if err := s.inject(ctx, page); err != nil {
			return extract.Result{}, err
		}
	}

	res, err := s.invoke(ctx, page, scope, maxElements)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return extract.Result{}, ctxErr
	}

	s.logger.Debug("extraction failed, reinjecting", zap.String("page_id", page.ID()), zap.Error(err))
	s.metrics.RecordReinjection()
	if err := s.inject(ctx, page); err != nil {
		return extract.Result{}, err
	}
	res, err = s.invoke(ctx, page, scope, maxElements)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return extract.Result{}, ctxErr
		}
		return extract.Result{}, fmt.Errorf("%w: %v", ErrExtractionFailure, err)
	}
	return res, nil
}

func (s *ScriptExtractor) MutationCount(ctx context.Context, page browser.Page) (int, error) {
	raw, err := page.Evaluate(ctx, extract.CounterJS)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode mutation count: %w", err)
	}
	return n, nil
}

func (s *ScriptExtractor) installed(ctx context.Context, page browser.Page) (bool, error) {
	raw, err := page.Evaluate(ctx, extract.ProbeJS)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *ScriptExtractor) inject(ctx context.Context, page browser.Page) error {
	if _, err := page.Evaluate(ctx, extract.Payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: inject: %v", ErrExtractionFailure, err)
	}
	return nil
}

func (s *ScriptExtractor) invoke(ctx context.Context, page browser.Page, scope string, maxElements int) (extract.Result, error) {
	raw, err := page.Evaluate(ctx, extract.InvokeJS, scope, maxElements)
	if err != nil {
		return extract.Result{}, err
	}
	var res extract.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return extract.Result{}, fmt.Errorf("decode extraction: %w", err)
	}
	if res.Elements == nil {
		res.Elements = []extract.Element{}
	}
	return res, nil
}
