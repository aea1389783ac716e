package policy

import (
	"testing"

	"toolforge/internal/fault"
)

const scoreRules = `
Decl score(K, V) bound [/string, /number].
Decl passing(K) bound [/string].
passing(K) :- score(K, V), V >= 700.
`

func TestEngineAddAndEval(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	err = e.Add(
		Fact{Predicate: "score", Args: []interface{}{"strong", 0.9}},
		Fact{Predicate: "score", Args: []interface{}{"weak", 0.5}},
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := e.Eval(); err != nil {
		t.Fatalf("Eval: %v", err)
	}

	facts, err := e.Facts("passing")
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("passing facts = %d, want 1", len(facts))
	}
	if got := facts[0].Args[0]; got != "strong" {
		t.Errorf("passing key = %v, want strong", got)
	}

	scores, err := e.Facts("score")
	if err != nil {
		t.Fatalf("Facts(score): %v", err)
	}
	for _, f := range scores {
		if f.Args[0] == "strong" {
			if v, ok := f.Args[1].(int64); !ok || v != 900 {
				t.Errorf("stored score = %v, want milli-scaled 900", f.Args[1])
			}
		}
	}
}

func TestEngineRejectsBadRules(t *testing.T) {
	if _, err := NewEngine("this is not datalog ((("); !fault.Is(err, fault.InvalidInput) {
		t.Errorf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestEngineBadFragmentKeepsProgram(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.AddRules("broken((("); !fault.Is(err, fault.InvalidInput) {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
	// The original program must survive the failed append.
	if err := e.Add(Fact{Predicate: "score", Args: []interface{}{"x", 0.8}}); err != nil {
		t.Fatalf("Add after bad fragment: %v", err)
	}
	if err := e.Eval(); err != nil {
		t.Fatalf("Eval after bad fragment: %v", err)
	}
	facts, err := e.Facts("passing")
	if err != nil || len(facts) != 1 {
		t.Errorf("passing = %v, %v; want one fact", facts, err)
	}
}

func TestEngineUndeclaredPredicate(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Add(Fact{Predicate: "mystery", Args: []interface{}{"x"}}); !fault.Is(err, fault.InvalidInput) {
		t.Errorf("Add kind = %v, want invalid_input", fault.KindOf(err))
	}
	if _, err := e.Facts("mystery"); !fault.Is(err, fault.NotFound) {
		t.Errorf("Facts kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestEngineArityMismatch(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Add(Fact{Predicate: "score", Args: []interface{}{"only-key"}}); !fault.Is(err, fault.InvalidInput) {
		t.Errorf("kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestEngineReset(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Add(Fact{Predicate: "score", Args: []interface{}{"a", 0.9}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.Reset()
	facts, err := e.Facts("score")
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("facts after reset = %d, want 0", len(facts))
	}
}

func TestEngineAddRuleFileMissing(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.AddRuleFile("/nonexistent/rules.mg"); err != nil {
		t.Errorf("missing rule file should be ignored, got %v", err)
	}
}

func TestMilli(t *testing.T) {
	tests := []struct {
		in   float64
		want int64
	}{
		{0.760, 760},
		{1.0, 1000},
		{0, 0},
		{0.9499, 950},
		{0.0204, 20},
	}
	for _, tt := range tests {
		if got := Milli(tt.in); got != tt.want {
			t.Errorf("Milli(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if got := Unmilli(760); got != 0.76 {
		t.Errorf("Unmilli(760) = %v, want 0.76", got)
	}
}

func TestFactString(t *testing.T) {
	tests := []struct {
		fact Fact
		want string
	}{
		{Fact{Predicate: "limit", Args: []interface{}{"/fitness_floor", int64(500)}}, "limit(/fitness_floor, 500)."},
		{Fact{Predicate: "variant", Args: []interface{}{"parse_cron@1.2.0"}}, `variant("parse_cron@1.2.0").`},
		{Fact{Predicate: "flag", Args: []interface{}{true}}, "flag(/true)."},
	}
	for _, tt := range tests {
		if got := tt.fact.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestEngineHolds(t *testing.T) {
	e, err := NewEngine(scoreRules)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if e.Holds("passing") {
		t.Error("Holds before any facts")
	}
	_ = e.Add(Fact{Predicate: "score", Args: []interface{}{"a", 0.95}})
	if err := e.Eval(); err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if !e.Holds("passing") {
		t.Error("Holds after derivation")
	}
}
