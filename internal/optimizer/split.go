package optimizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// Split detection thresholds. A split is declared only when the combined
// confidence clears the bar and both signals carry their minimum share.
const (
	splitCombinedFloor = 0.60
	splitTestFloor     = 0.40
	splitSpecFloor     = 0.30
)

// Migration strategies for deprecation pointers.
const (
	MigrationCompatibilityLayer = "compatibility_layer"
	MigrationDirect             = "direct_migration"
)

// TestProfile summarizes one version's test suite for divergence analysis.
// Absent slices mean the signal is unavailable, not empty.
type TestProfile struct {
	TestNames  []string `json:"test_names,omitempty"`
	Assertions []string `json:"assertions,omitempty"`
	EdgeCases  []string `json:"edge_cases,omitempty"`
	// CodeDiffRatio is the fraction of changed lines between the two
	// versions' implementations, in [0,1]. Negative means unavailable.
	CodeDiffRatio float64 `json:"code_diff_ratio"`
}

// SplitEvidence carries the per-signal divergences behind a verdict.
type SplitEvidence struct {
	TestDivergence float64            `json:"test_divergence"`
	SpecDivergence float64            `json:"spec_divergence"`
	Combined       float64            `json:"combined"`
	Signals        map[string]float64 `json:"signals,omitempty"`
}

// ToolSplit is the verdict that two versions have diverged into separate
// identities.
type ToolSplit struct {
	OriginalToolID    string        `json:"original_tool_id"`
	OriginalVersion   string        `json:"original_version"`
	DivergedVersion   string        `json:"diverged_version"`
	Evidence          SplitEvidence `json:"evidence"`
	SuggestedNewName  string        `json:"suggested_new_name"`
	MigrationStrategy string        `json:"migration_strategy"`
}

// DeprecationPointer directs users of the old identity to the new one.
type DeprecationPointer struct {
	Old            string    `json:"old"`
	New            string    `json:"new"`
	Reason         string    `json:"reason"`
	MigrationGuide string    `json:"migration_guide"`
	DeprecatedAt   time.Time `json:"deprecated_at"`
	SunsetAt       time.Time `json:"sunset_at"`
}

// DetectSplit compares two versions of the same tool. It returns a split
// verdict when the test-suite and contract divergences jointly clear the
// confidence thresholds, else (nil, nil).
func DetectSplit(older, newer *forge.ToolManifest, olderTests, newerTests *TestProfile) (*ToolSplit, *DeprecationPointer) {
	signals := map[string]float64{}

	testDiv := testDivergence(olderTests, newerTests, signals)
	specDiv := specDivergence(older, newer, signals)
	combined := (testDiv + specDiv) / 2

	logging.OptimizerDebug("Split check %s: v%s vs v%s test=%.3f spec=%.3f combined=%.3f",
		older.ToolID, older.Version, newer.Version, testDiv, specDiv, combined)

	if combined < splitCombinedFloor || testDiv < splitTestFloor || specDiv < splitSpecFloor {
		return nil, nil
	}

	strategy := MigrationDirect
	if signals["output_schema"] > 0 {
		// A changed output shape needs an adapter in front of old callers.
		strategy = MigrationCompatibilityLayer
	}

	divergedVer, _ := forge.ParseVersion(newer.Version)
	split := &ToolSplit{
		OriginalToolID:  older.ToolID,
		OriginalVersion: older.Version,
		DivergedVersion: newer.Version,
		Evidence: SplitEvidence{
			TestDivergence: testDiv,
			SpecDivergence: specDiv,
			Combined:       combined,
			Signals:        signals,
		},
		SuggestedNewName:  fmt.Sprintf("%s_v%d", older.ToolID, divergedVer.Major),
		MigrationStrategy: strategy,
	}
	now := time.Now().UTC()
	pointer := &DeprecationPointer{
		Old:    older.Key(),
		New:    split.SuggestedNewName,
		Reason: fmt.Sprintf("diverged from %s with confidence %.2f", older.Key(), combined),
		MigrationGuide: fmt.Sprintf("migrate callers of %s to %s via %s",
			older.ToolID, split.SuggestedNewName, strategy),
		DeprecatedAt: now,
		SunsetAt:     now.AddDate(0, 3, 0),
	}
	return split, pointer
}

// testDivergence averages the available test-suite signals: name, assertion,
// and edge-case Jaccard distances plus the raw code diff ratio.
func testDivergence(a, b *TestProfile, signals map[string]float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	var sum float64
	var n int
	record := func(name string, v float64) {
		signals[name] = v
		sum += v
		n++
	}

	if len(a.TestNames) > 0 || len(b.TestNames) > 0 {
		record("test_names", 1-jaccard(a.TestNames, b.TestNames))
	}
	if len(a.Assertions) > 0 || len(b.Assertions) > 0 {
		record("assertions", 1-jaccard(a.Assertions, b.Assertions))
	}
	if len(a.EdgeCases) > 0 || len(b.EdgeCases) > 0 {
		record("edge_cases", 1-jaccard(a.EdgeCases, b.EdgeCases))
	}
	diff := a.CodeDiffRatio
	if b.CodeDiffRatio > diff {
		diff = b.CodeDiffRatio
	}
	if diff > 0 && diff <= 1 {
		record("code_diff", diff)
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// specDivergence averages the available contract signals between the two
// versions' first matching capabilities: input schema, output schema,
// pre/postconditions, and error sets.
func specDivergence(a, b *forge.ToolManifest, signals map[string]float64) float64 {
	capA := firstCapability(a)
	capB := firstCapability(b)
	if capA == nil || capB == nil {
		return 0
	}

	var sum float64
	var n int
	record := func(name string, v float64) {
		signals[name] = v
		sum += v
		n++
	}

	if len(capA.InputSchema) > 0 || len(capB.InputSchema) > 0 {
		record("input_schema", schemaDivergence(capA.InputSchema, capB.InputSchema))
	}
	if len(capA.OutputSchema) > 0 || len(capB.OutputSchema) > 0 {
		record("output_schema", schemaDivergence(capA.OutputSchema, capB.OutputSchema))
	}
	conditionsA := append(append([]string(nil), capA.Preconditions...), capA.Postconditions...)
	conditionsB := append(append([]string(nil), capB.Preconditions...), capB.Postconditions...)
	if len(conditionsA) > 0 || len(conditionsB) > 0 {
		record("conditions", 1-jaccard(conditionsA, conditionsB))
	}
	if len(capA.Errors) > 0 || len(capB.Errors) > 0 {
		record("error_cases", 1-jaccard(capA.Errors, capB.Errors))
	}

	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func firstCapability(m *forge.ToolManifest) *forge.Capability {
	if m == nil || len(m.Capabilities) == 0 {
		return nil
	}
	return &m.Capabilities[0]
}

// schemaDivergence compares two JSON schemas by the Jaccard distance over
// their top-level property names; schemas that do not expose properties fall
// back to byte equality.
func schemaDivergence(a, b json.RawMessage) float64 {
	propsA, okA := schemaProperties(a)
	propsB, okB := schemaProperties(b)
	if okA && okB {
		return 1 - jaccard(propsA, propsB)
	}
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return 0
	}
	return 1
}

func schemaProperties(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Properties) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(doc.Properties))
	for k := range doc.Properties {
		out = append(out, k)
	}
	return out, true
}

// jaccard is |A∩B| / |A∪B| over string sets. Two empty sets are identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := map[string]bool{}
	for _, s := range a {
		setA[s] = true
	}
	union := map[string]bool{}
	for s := range setA {
		union[s] = true
	}
	var inter int
	for _, s := range b {
		if setA[s] {
			inter++
		}
		union[s] = true
	}
	return float64(inter) / float64(len(union))
}
