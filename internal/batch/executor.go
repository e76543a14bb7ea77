package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ubrowser-mcp-server/internal/actions"
	"ubrowser-mcp-server/internal/facts"
	"ubrowser-mcp-server/internal/metrics"
	"ubrowser-mcp-server/internal/recorder"
	"ubrowser-mcp-server/internal/session"
	"ubrowser-mcp-server/internal/snapshot"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// When is the batch snapshot policy.
type When string

const (
	WhenNever   When = "never"
	WhenFinal   When = "final"
	WhenEach    When = "each"
	WhenOnError When = "on-error"
)

// ParseWhen validates a wire value. Empty means never.
func ParseWhen(s string) (When, error) {
	switch When(s) {
	case "":
		return WhenNever, nil
	case WhenNever, WhenFinal, WhenEach, WhenOnError:
		return When(s), nil
	}
	return "", fmt.Errorf("%w: snapshot.when must be never, final, each or on-error, got %q", actions.ErrInvalidStepArgs, s)
}

// SnapshotPolicy says when and how the batch renders a snapshot.
type SnapshotPolicy struct {
	When        When
	Scope       string
	Format      snapshot.Format
	MaxElements int
}

// Request is one batch invocation.
type Request struct {
	Steps    []Step
	Snapshot SnapshotPolicy
	// StopOnError defaults to true.
	StopOnError *bool
}

// Result is the minimised batch outcome. N and At are set only on failure.
type Result struct {
	OK   bool   `json:"ok"`
	N    *int   `json:"n,omitempty"`
	Err  string `json:"err,omitempty"`
	At   *int   `json:"at,omitempty"`
	Snap string `json:"snap,omitempty"`
}

// Options configures an Executor.
type Options struct {
	StepTimeout     time.Duration
	NavigateTimeout time.Duration
	Metrics         *metrics.Collector
	Sink            facts.Sink
	Recorder        *recorder.Recorder
	Tracer          trace.Tracer
	Logger          *zap.Logger
}

// Executor runs batches.
type Executor struct {
	dispatcher      *actions.Dispatcher
	snapshotter     *snapshot.Snapshotter
	stepTimeout     time.Duration
	navigateTimeout time.Duration
	metrics         *metrics.Collector
	sink            facts.Sink
	recorder        *recorder.Recorder
	tracer          trace.Tracer
	logger          *zap.Logger
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires an executor over the dispatcher and snapshotter.
func NewExecutor(d *actions.Dispatcher, s *snapshot.Snapshotter, opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Second
	}
	if opts.NavigateTimeout <= 0 {
		opts.NavigateTimeout = 10 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("ubrowser-mcp-server/batch")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		dispatcher:      d,
		snapshotter:     s,
		stepTimeout:     opts.StepTimeout,
		navigateTimeout: opts.NavigateTimeout,
		metrics:         opts.Metrics,
		sink:            opts.Sink,
		recorder:        opts.Recorder,
		tracer:          opts.Tracer,
		logger:          opts.Logger.With(zap.String("component", "batch")),
		sleep:           sleepCtx,
	}
}

// Execute runs req's steps in order against s. The caller holds the session lock.
func (e *Executor) Execute(ctx context.Context, s *session.Session, req Request) Result {
	start := time.Now()
	batchID := uuid.NewString()
	stop := req.StopOnError == nil || *req.StopOnError
	policy := req.Snapshot
	if policy.When == "" {
		policy.When = WhenNever
	}
	logger := e.logger.With(zap.String("batch_id", batchID), zap.String("page_id", s.ID))

	e.recorder.Log(recorder.KindBatchStart, s.ID, map[string]interface{}{
		"batch_id": batchID,
		"steps":    len(req.Steps),
		"when":     string(policy.When),
	})

	res := Result{OK: true}
	completed := 0
	e.prime(ctx, s, req.Steps, logger)

	for i, step := range req.Steps {
		err := e.runStep(ctx, s, batchID, i, step)
		if err == nil {
			completed++
			if _, ok := step.(NavigateStep); ok {
				e.prime(ctx, s, req.Steps[i+1:], logger)
			}
			if policy.When == WhenEach {
				res.Snap = e.snap(ctx, s, policy, logger)
			}
			continue
		}

		res.OK = false
		res.Err = actions.CleanError(err)
		at, n := i, completed
		res.At, res.N = &at, &n
		logger.Debug("step failed", zap.Int("index", i), zap.String("tool", step.Tool()), zap.Error(err))
		if policy.When == WhenOnError {
			res.Snap = e.snap(ctx, s, policy, logger)
		}
		if stop {
			break
		}
	}

	if policy.When == WhenFinal && (res.OK || !stop) {
		res.Snap = e.snap(ctx, s, policy, logger)
	}

	elapsed := time.Since(start)
	e.metrics.ObserveBatch(elapsed)
	e.recorder.Log(recorder.KindBatchEnd, s.ID, map[string]interface{}{
		"batch_id":    batchID,
		"ok":          res.OK,
		"completed":   completed,
		"duration_ms": elapsed.Milliseconds(),
	})
	return res
}

// prime extracts positions when a remaining click or type step targets a ref
// and none are cached. Failure leaves those steps on the fallback path.
func (e *Executor) prime(ctx context.Context, s *session.Session, remaining []Step, logger *zap.Logger) {
	if s.Refs.HasPositions() {
		return
	}
	needed := false
	for _, step := range remaining {
		if targetsRef(step) {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	if err := e.snapshotter.Prime(ctx, s.Page, s.Refs); err != nil {
		logger.Debug("position prefetch failed", zap.Error(err))
	}
}

func (e *Executor) runStep(ctx context.Context, s *session.Session, batchID string, index int, step Step) (err error) {
	ctx, span := e.tracer.Start(ctx, "batch.step", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.Int("batch.index", index),
		attribute.String("batch.tool", step.Tool()),
	))
	stepStart := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, actions.Kind(err))
		}
		span.End()

		e.metrics.RecordBatchStep(step.Tool(), actions.Kind(err))
		if ferr := facts.Emit(ctx, e.sink, facts.BatchStep(s.ID, batchID, index, step.Tool(), status, time.Now())); ferr != nil {
			e.logger.Warn("batch step fact error", zap.Error(ferr))
		}
		entry := map[string]interface{}{
			"batch_id":    batchID,
			"index":       index,
			"tool":        step.Tool(),
			"status":      status,
			"duration_ms": time.Since(stepStart).Milliseconds(),
		}
		if err != nil {
			entry["error"] = err.Error()
		}
		e.recorder.Log(recorder.KindStep, s.ID, entry)
	}()

	if err := step.Validate(); err != nil {
		return err
	}
	return e.dispatch(ctx, s, step)
}

func (e *Executor) dispatch(ctx context.Context, s *session.Session, step Step) error {
	switch v := step.(type) {
	case NavigateStep:
		ctx, cancel := context.WithTimeout(ctx, orDefault(v.Timeout, e.navigateTimeout))
		defer cancel()
		s.ResetEpoch()
		if err := s.Page.Navigate(ctx, v.URL, v.WaitUntil); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: navigate %s: %w", actions.ErrActionTimeout, v.URL, err)
			}
			return err
		}
		return nil

	case ClickStep:
		ctx, cancel := context.WithTimeout(ctx, orDefault(v.Timeout, e.stepTimeout))
		defer cancel()
		_, err := e.dispatcher.Click(ctx, s.Page, s.Refs, v.Target, actions.ClickOptions{Button: v.Button, ClickCount: v.ClickCount})
		return err

	case TypeStep:
		ctx, cancel := context.WithTimeout(ctx, orDefault(v.Timeout, e.stepTimeout))
		defer cancel()
		_, err := e.dispatcher.Type(ctx, s.Page, s.Refs, v.Target, actions.TypeOptions{Text: v.Text, Clear: v.Clear, PressEnter: v.PressEnter})
		return err

	case SelectStep:
		ctx, cancel := context.WithTimeout(ctx, orDefault(v.Timeout, e.stepTimeout))
		defer cancel()
		_, err := e.dispatcher.Select(ctx, s.Page, s.Refs, v.Target, actions.SelectOptions{Value: v.Value, Label: v.Label, Index: v.Index})
		return err

	case ScrollStep:
		ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		_, err := e.dispatcher.Scroll(ctx, s.Page, s.Refs, v.Target, actions.ScrollOptions{
			Direction: v.Direction,
			Amount:    v.Amount,
			ToTop:     v.ToTop,
			ToBottom:  v.ToBottom,
		})
		return err

	case WaitStep:
		return e.sleep(ctx, v.Duration)

	case invalidStep:
		return v.err
	}
	panic(fmt.Sprintf("batch: unhandled step %T", step))
}

func (e *Executor) snap(ctx context.Context, s *session.Session, policy SnapshotPolicy, logger *zap.Logger) string {
	out, err := e.snapshotter.Render(ctx, s.Page, s.Refs, s.Baseline, snapshot.Options{
		Scope:       policy.Scope,
		Format:      policy.Format,
		MaxElements: policy.MaxElements,
	})
	if err != nil {
		logger.Warn("batch snapshot failed", zap.Error(err))
		return ""
	}
	return out.Text
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
