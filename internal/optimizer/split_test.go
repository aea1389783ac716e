package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"toolforge/internal/forge"
)

func manifestWithOutput(toolID, version string, outputProps []string) *forge.ToolManifest {
	props := map[string]interface{}{}
	for _, p := range outputProps {
		props[p] = map[string]string{"type": "string"}
	}
	schema, _ := json.Marshal(map[string]interface{}{"type": "object", "properties": props})
	return &forge.ToolManifest{
		ToolID:  toolID,
		Version: version,
		Name:    toolID,
		Type:    forge.TypeNative,
		Capabilities: []forge.Capability{
			{Name: toolID, OutputSchema: schema},
		},
		Trust:  forge.Trust{Level: forge.TrustExperimental},
		Status: forge.StatusActive,
	}
}

// Test-name Jaccard 0.3 (divergence 0.7), output-schema
// divergence 0.6 -> combined 0.65 -> split with a compatibility layer.
func TestDetectSplitEmitsToolSplit(t *testing.T) {
	// Output schemas share 2 of 5 property names: Jaccard 0.4, divergence 0.6.
	v1 := manifestWithOutput("parse_cron", "1.0.0", []string{"minute", "hour"})
	v2 := manifestWithOutput("parse_cron", "2.0.0", []string{"minute", "hour", "valid", "next_run", "raw"})

	// Test names share 3 of 10: Jaccard 0.3, divergence 0.7.
	oldTests := &TestProfile{TestNames: []string{"parse_basic", "parse_stars", "parse_ranges"}}
	newTests := &TestProfile{TestNames: []string{
		"parse_basic", "parse_stars", "parse_ranges",
		"validate_bounds", "validate_names", "typed_output",
		"next_run", "reject_garbage", "leap_day", "timezone",
	}}

	split, pointer := DetectSplit(v1, v2, oldTests, newTests)
	if split == nil {
		t.Fatal("expected a split verdict")
	}

	if got := split.Evidence.TestDivergence; math.Abs(got-0.7) > 1e-9 {
		t.Errorf("test divergence = %.3f, want 0.700", got)
	}
	if got := split.Evidence.SpecDivergence; math.Abs(got-0.6) > 1e-9 {
		t.Errorf("spec divergence = %.3f, want 0.600", got)
	}
	if got := split.Evidence.Combined; math.Abs(got-0.65) > 1e-9 {
		t.Errorf("combined = %.3f, want 0.650", got)
	}
	if split.SuggestedNewName != "parse_cron_v2" {
		t.Errorf("suggested name = %q, want parse_cron_v2", split.SuggestedNewName)
	}
	if split.MigrationStrategy != MigrationCompatibilityLayer {
		t.Errorf("migration strategy = %q, want %q", split.MigrationStrategy, MigrationCompatibilityLayer)
	}

	if pointer == nil {
		t.Fatal("expected a deprecation pointer")
	}
	if pointer.Old != "parse_cron@1.0.0" {
		t.Errorf("pointer.Old = %q", pointer.Old)
	}
	if pointer.New != "parse_cron_v2" {
		t.Errorf("pointer.New = %q", pointer.New)
	}
	if !pointer.SunsetAt.After(pointer.DeprecatedAt) {
		t.Error("sunset date not after deprecation date")
	}
}

func TestDetectSplitBelowThresholds(t *testing.T) {
	cases := []struct {
		name     string
		oldProps []string
		newProps []string
		oldNames []string
		newNames []string
	}{
		{
			// Combined confidence too low: near-identical everything.
			name:     "no divergence",
			oldProps: []string{"a", "b"},
			newProps: []string{"a", "b"},
			oldNames: []string{"t1", "t2"},
			newNames: []string{"t1", "t2"},
		},
		{
			// Spec diverged hard but tests barely moved: test floor not met.
			name:     "test signal too weak",
			oldProps: []string{"a"},
			newProps: []string{"x", "y", "z"},
			oldNames: []string{"t1", "t2", "t3", "t4"},
			newNames: []string{"t1", "t2", "t3", "t4", "t5"},
		},
		{
			// Tests diverged hard but the contract is unchanged: spec floor.
			name:     "spec signal too weak",
			oldProps: []string{"a", "b"},
			newProps: []string{"a", "b"},
			oldNames: []string{"t1"},
			newNames: []string{"u1", "u2", "u3"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v1 := manifestWithOutput("tool", "1.0.0", tc.oldProps)
			v2 := manifestWithOutput("tool", "2.0.0", tc.newProps)
			split, pointer := DetectSplit(v1, v2,
				&TestProfile{TestNames: tc.oldNames},
				&TestProfile{TestNames: tc.newNames})
			if split != nil || pointer != nil {
				t.Errorf("unexpected split verdict: %+v", split)
			}
		})
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{nil, nil, 1},
		{[]string{"x"}, nil, 0},
		{[]string{"x"}, []string{"x"}, 1},
		{[]string{"a", "b"}, []string{"b", "c"}, 1.0 / 3},
		{[]string{"a", "a", "b"}, []string{"b"}, 0.5},
	}
	for _, tc := range cases {
		if got := jaccard(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("jaccard(%v, %v) = %.3f, want %.3f", tc.a, tc.b, got, tc.want)
		}
	}
}
