package policy

import (
	"sort"
	"strings"
	"sync"

	"toolforge/internal/logging"
)

// trimRules is the built-in trimming program. Every score is milli-scaled;
// distance is the fitness gap to the fittest cluster member, computed by the
// caller so the rules stay pure comparisons.
const trimRules = `
# Per-variant facts.
Decl variant(Key) bound [/string].
Decl fitness(Key, F) bound [/string, /number].
Decl distance(Key, D) bound [/string, /number].
Decl similarity(Key, S) bound [/string, /number].
Decl coverage(Key, C) bound [/string, /number].
Decl age_days(Key, A) bound [/string, /number].
Decl used(Key) bound [/string].
Decl canonical(Key) bound [/string].
Decl leaf(Key) bound [/string].

# Thresholds, asserted once per evaluation.
Decl limit(Name, Value) bound [/name, /number].

Decl protected(Key) bound [/string].
Decl prune_reason(Key, Reason) bound [/string, /name].
Decl prunable(Key) bound [/string].

protected(K) :- canonical(K).
protected(K) :- leaf(K).
protected(K) :- coverage(K, C), limit(/coverage_keep, Min), C >= Min.

prune_reason(K, /low_fitness) :-
  fitness(K, F), distance(K, D),
  limit(/fitness_floor, Floor), limit(/max_distance, Max),
  F < Floor, D > Max.

prune_reason(K, /dissimilar) :-
  similarity(K, S), fitness(K, F),
  limit(/similarity_floor, Min), limit(/preservation, Keep),
  S < Min, F < Keep.

prune_reason(K, /unused) :-
  variant(K), !used(K),
  age_days(K, A), fitness(K, F),
  limit(/grace_days, Grace), limit(/preservation, Keep),
  A > Grace, F < Keep.

prunable(K) :- prune_reason(K, _), !protected(K).
`

// TrimLimits are the thresholds the trim rules compare against.
type TrimLimits struct {
	FitnessFloor    float64
	MaxDistance     float64
	SimilarityFloor float64
	Preservation    float64
	GraceDays       int
	CoverageKeep    float64
}

// DefaultTrimLimits returns the standard thresholds.
func DefaultTrimLimits() TrimLimits {
	return TrimLimits{
		FitnessFloor:    0.50,
		MaxDistance:     0.30,
		SimilarityFloor: 0.70,
		Preservation:    0.85,
		GraceDays:       30,
		CoverageKeep:    0.90,
	}
}

// VariantFact carries everything the trim rules see about one variant.
// Similarity is the cosine similarity to the fittest cluster member.
type VariantFact struct {
	Key        string
	Fitness    float64
	Similarity float64
	Coverage   float64
	AgeDays    int
	Used       bool
	Canonical  bool
	Leaf       bool
}

// Verdict is one pruning decision with the rule names that fired.
type Verdict struct {
	Key     string
	Reasons []string
}

// Trimmer evaluates the trim rules over a set of variants.
type Trimmer struct {
	mu     sync.Mutex
	engine *Engine
}

// NewTrimmer compiles the built-in trim rules.
func NewTrimmer() (*Trimmer, error) {
	e, err := NewEngine(trimRules)
	if err != nil {
		return nil, err
	}
	return &Trimmer{engine: e}, nil
}

// AddRuleFile appends operator rules; extra prune_reason or protected
// clauses compose with the built-ins. A missing file is ignored.
func (t *Trimmer) AddRuleFile(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.engine.AddRuleFile(path)
}

// Prunable asserts the variants and limits, evaluates, and returns the
// variants the rules condemn, sorted by key.
func (t *Trimmer) Prunable(variants []VariantFact, limits TrimLimits) ([]Verdict, error) {
	if len(variants) == 0 {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fittest := variants[0].Fitness
	for _, v := range variants[1:] {
		if v.Fitness > fittest {
			fittest = v.Fitness
		}
	}

	t.engine.Reset()
	facts := []Fact{
		{Predicate: "limit", Args: []interface{}{"/fitness_floor", limits.FitnessFloor}},
		{Predicate: "limit", Args: []interface{}{"/max_distance", limits.MaxDistance}},
		{Predicate: "limit", Args: []interface{}{"/similarity_floor", limits.SimilarityFloor}},
		{Predicate: "limit", Args: []interface{}{"/preservation", limits.Preservation}},
		{Predicate: "limit", Args: []interface{}{"/grace_days", int64(limits.GraceDays)}},
		{Predicate: "limit", Args: []interface{}{"/coverage_keep", limits.CoverageKeep}},
	}
	for _, v := range variants {
		facts = append(facts,
			Fact{Predicate: "variant", Args: []interface{}{v.Key}},
			Fact{Predicate: "fitness", Args: []interface{}{v.Key, v.Fitness}},
			Fact{Predicate: "distance", Args: []interface{}{v.Key, fittest - v.Fitness}},
			Fact{Predicate: "similarity", Args: []interface{}{v.Key, v.Similarity}},
			Fact{Predicate: "coverage", Args: []interface{}{v.Key, v.Coverage}},
			Fact{Predicate: "age_days", Args: []interface{}{v.Key, int64(v.AgeDays)}},
		)
		if v.Used {
			facts = append(facts, Fact{Predicate: "used", Args: []interface{}{v.Key}})
		}
		if v.Canonical {
			facts = append(facts, Fact{Predicate: "canonical", Args: []interface{}{v.Key}})
		}
		if v.Leaf {
			facts = append(facts, Fact{Predicate: "leaf", Args: []interface{}{v.Key}})
		}
	}
	if err := t.engine.Add(facts...); err != nil {
		return nil, err
	}
	if err := t.engine.Eval(); err != nil {
		return nil, err
	}

	reasons := map[string][]string{}
	reasonFacts, err := t.engine.Facts("prune_reason")
	if err != nil {
		return nil, err
	}
	for _, f := range reasonFacts {
		key, _ := f.Args[0].(string)
		reason, _ := f.Args[1].(string)
		reasons[key] = append(reasons[key], strings.TrimPrefix(reason, "/"))
	}

	condemned, err := t.engine.Facts("prunable")
	if err != nil {
		return nil, err
	}
	var out []Verdict
	for _, f := range condemned {
		key, _ := f.Args[0].(string)
		rs := reasons[key]
		sort.Strings(rs)
		out = append(out, Verdict{Key: key, Reasons: rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	logging.PolicyDebug("trim evaluation: %d variants, %d condemned", len(variants), len(out))
	return out, nil
}
