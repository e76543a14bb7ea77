// Package facts keeps a bounded buffer of interaction facts and evaluates
// the embedded Mangle schema over them.
package facts

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ubrowser-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed schema.mg
var schema string

// ErrNotReady is returned by queries when the engine is disabled.
var ErrNotReady = errors.New("fact engine not ready")

// Fact is one normalized event.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Sink receives facts. *Engine implements it.
type Sink interface {
	AddFacts(ctx context.Context, facts []Fact) error
}

// Engine wraps the Mangle store with a circular buffer and a predicate index.
type Engine struct {
	cfg    config.FactsConfig
	logger *zap.Logger

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore
	facts       []Fact
	index       map[string][]int
}

// NewEngine builds an engine and loads the embedded schema when enabled.
func NewEngine(cfg config.FactsConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "facts")),
		store:  factstore.NewSimpleInMemoryStore(),
		facts:  make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:  make(map[string][]int),
	}
	if !cfg.Enable {
		return e, nil
	}
	if err := e.loadSchema(schema); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) loadSchema(src string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	e.programInfo = info
	e.mu.Unlock()
	return nil
}

// AddRule merges extra declarations and rules into the running program.
func (e *Engine) AddRule(src string) error {
	if !e.cfg.Enable {
		return nil
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[ast.PredicateSym]ast.Decl)
	for sym, decl := range e.programInfo.Decls {
		if decl != nil {
			known[sym] = *decl
		}
	}
	info, err := analysis.AnalyzeOneUnit(unit, known)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}
	for sym, decl := range info.Decls {
		e.programInfo.Decls[sym] = decl
	}
	e.programInfo.Rules = append(e.programInfo.Rules, info.Rules...)
	return nil
}

// AddFacts appends facts to the circular buffer and the Mangle store, then
// re-evaluates the program.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable || len(facts) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := len(e.facts)
	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = append([]Fact(nil), e.facts[len(e.facts)-limit:]...)
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range facts {
		e.store.Add(factToAtom(f))
	}

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		e.logger.Warn("evaluation failed", zap.Error(err))
		return fmt.Errorf("eval program after fact insertion: %w", err)
	}
	return nil
}

// FactsByPredicate returns buffered facts for predicate, oldest first.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	out := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the whole buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Query matches a single atom such as `failed_step(P, B, I, T).` against the
// store and binds its variables.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.cfg.Enable {
		return nil, ErrNotReady
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, errors.New("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(got ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range atom.Args {
			if i >= len(got.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				row[v.Symbol] = convertConstant(got.Args[i])
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return results, nil
}

// Evaluate returns every fact currently derived for predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable {
		return nil, ErrNotReady
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	out := make([]Fact, 0)
	now := time.Now()
	err := e.store.GetFacts(query, func(got ast.Atom) error {
		f := Fact{Predicate: predicate, Args: make([]interface{}, len(got.Args)), Timestamp: now}
		for i, arg := range got.Args {
			f.Args[i] = convertConstant(arg)
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// Ready reports whether queries can run.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programInfo != nil || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int32:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		return ast.String(strconv.FormatBool(val))
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType:
		s, err := c.StringValue()
		if err != nil {
			return c.String()
		}
		return s
	case ast.NumberType:
		if n, err := strconv.ParseInt(c.String(), 10, 64); err == nil {
			return n
		}
	case ast.Float64Type:
		if f, err := c.Float64Value(); err == nil {
			return f
		}
	}
	return c.String()
}
