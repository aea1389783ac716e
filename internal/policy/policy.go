// Package policy evaluates datalog rules over variant facts. The optimizer
// expresses its trimming decisions as rules instead of nested conditionals,
// so operators can inspect them and extend them with a rule file.
//
// Scores are asserted as milli-scaled integers (0.760 becomes 760) because
// rule comparisons over integers are exact.
package policy

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"toolforge/internal/fault"
)

// Fact is one logical fact asserted into the engine.
type Fact struct {
	Predicate string
	Args      []interface{}
}

// String returns the datalog rendering of the fact.
func (f Fact) String() string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				args[i] = v
			} else {
				args[i] = fmt.Sprintf("%q", v)
			}
		case bool:
			if v {
				args[i] = "/true"
			} else {
				args[i] = "/false"
			}
		default:
			args[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(args, ", "))
}

// Milli converts a unit-interval score to the integer scale the rules
// compare against.
func Milli(v float64) int64 {
	return int64(math.Round(v * 1000))
}

// Unmilli is the inverse of Milli.
func Unmilli(n int64) float64 {
	return float64(n) / 1000
}

// Engine holds a compiled rule program and a fact store. Rules are fixed at
// construction plus whatever AddRules appends; facts come and go per
// evaluation via Reset and Add.
type Engine struct {
	mu             sync.RWMutex
	baseStore      factstore.FactStoreWithRemove
	store          factstore.ConcurrentFactStore
	fragments      []parse.SourceUnit
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
}

// NewEngine compiles the rule source and returns a ready engine.
func NewEngine(rules string) (*Engine, error) {
	base := factstore.NewSimpleInMemoryStore()
	e := &Engine{
		baseStore: base,
		store:     factstore.NewConcurrentFactStore(base),
	}
	if err := e.AddRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// AddRules parses and appends a rule fragment, then re-analyzes the whole
// program.
func (e *Engine) AddRules(src string) error {
	const op = "policy.rules"
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return fault.New(fault.InvalidInput, op, "rules do not parse: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.fragments = append(e.fragments, unit)
	if err := e.rebuildLocked(); err != nil {
		e.fragments = e.fragments[:len(e.fragments)-1]
		// Restore the previous program so the engine stays usable.
		if len(e.fragments) > 0 {
			_ = e.rebuildLocked()
		}
		return fault.New(fault.InvalidInput, op, "rules do not analyze: %v", err)
	}
	return nil
}

// AddRuleFile appends rules from a file. A missing file is not an error so
// the operator rule file stays optional.
func (e *Engine) AddRuleFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.Internal, "policy.rules", err)
	}
	return e.AddRules(string(data))
}

func (e *Engine) rebuildLocked() error {
	var clauses []ast.Clause
	var decls []ast.Decl
	for _, fragment := range e.fragments {
		clauses = append(clauses, fragment.Clauses...)
		decls = append(decls, fragment.Decls...)
	}
	info, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return err
	}
	e.programInfo = info
	e.predicateIndex = make(map[string]ast.PredicateSym, len(info.Decls))
	for sym := range info.Decls {
		e.predicateIndex[sym.Symbol] = sym
	}
	return nil
}

// Add asserts facts without evaluating. Call Eval once after a batch.
func (e *Engine) Add(facts ...Fact) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range facts {
		atom, err := e.atomLocked(f)
		if err != nil {
			return err
		}
		e.store.Add(atom)
	}
	return nil
}

// Eval runs the rules over the current facts, deriving all conclusions.
func (e *Engine) Eval() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := mengine.EvalProgramWithStats(e.programInfo, e.store); err != nil {
		return fault.New(fault.Internal, "policy.eval", "rule evaluation failed: %v", err)
	}
	return nil
}

// Facts returns every stored fact for a predicate, base or derived.
func (e *Engine) Facts(predicate string) ([]Fact, error) {
	e.mu.RLock()
	sym, ok := e.predicateIndex[predicate]
	e.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.NotFound, "policy.facts", "predicate %q is not declared", predicate)
	}

	var out []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]interface{}, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = termValue(arg)
		}
		out = append(out, Fact{Predicate: predicate, Args: args})
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "policy.facts", err)
	}
	return out, nil
}

// Holds reports whether any fact exists for the predicate.
func (e *Engine) Holds(predicate string) bool {
	facts, err := e.Facts(predicate)
	return err == nil && len(facts) > 0
}

// Reset drops all facts but keeps the compiled rules.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseStore = factstore.NewSimpleInMemoryStore()
	e.store = factstore.NewConcurrentFactStore(e.baseStore)
}

// FactCount estimates how many facts are stored.
func (e *Engine) FactCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.EstimateFactCount()
}

func (e *Engine) atomLocked(f Fact) (ast.Atom, error) {
	const op = "policy.fact"
	sym, ok := e.predicateIndex[f.Predicate]
	if !ok {
		return ast.Atom{}, fault.New(fault.InvalidInput, op, "predicate %q is not declared", f.Predicate)
	}
	if len(f.Args) != sym.Arity {
		return ast.Atom{}, fault.New(fault.InvalidInput, op, "predicate %q expects %d args, got %d", f.Predicate, sym.Arity, len(f.Args))
	}

	args := make([]ast.BaseTerm, len(f.Args))
	for i, raw := range f.Args {
		term, err := valueTerm(raw)
		if err != nil {
			return ast.Atom{}, fault.New(fault.InvalidInput, op, "predicate %q arg %d: %v", f.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

// valueTerm converts a Go value to a mangle term. Strings with a "/" prefix
// become name constants; floats are milli-scaled so every number in the
// store is an integer.
func valueTerm(value interface{}) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, "/") {
			name, err := ast.Name(v)
			if err != nil {
				return nil, fmt.Errorf("bad name constant %q: %w", v, err)
			}
			return name, nil
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Number(Milli(v)), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", value)
	}
}

func termValue(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return term.String()
	}
	switch c.Type {
	case ast.StringType, ast.NameType, ast.BytesType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(c.NumValue))
	default:
		return c.String()
	}
}
