package forge

import (
	"math"
	"testing"
)

func TestFitness(t *testing.T) {
	w := DefaultFitnessWeights()
	m := PerformanceMetrics{
		LatencyMs:   200,
		MemoryMB:    40,
		CPUPercent:  30,
		SuccessRate: 0.95,
		Coverage:    0.85,
	}
	// 0.25*0.8 + 0.15*0.6 + 0.10*0.7 + 0.30*0.95 + 0.20*0.85 = 0.815
	want := 0.815
	if got := Fitness(m, w); math.Abs(got-want) > 1e-9 {
		t.Errorf("Fitness = %.4f, want %.4f", got, want)
	}
}

func TestFitnessClamped(t *testing.T) {
	w := DefaultFitnessWeights()
	// A pathological latency drives the raw score negative.
	awful := PerformanceMetrics{LatencyMs: 50000}
	if got := Fitness(awful, w); got != 0 {
		t.Errorf("Fitness = %.4f, want clamp to 0", got)
	}

	perfect := PerformanceMetrics{SuccessRate: 1, Coverage: 1}
	if got := Fitness(perfect, FitnessWeights{Success: 2, Coverage: 2}); got != 1 {
		t.Errorf("Fitness = %.4f, want clamp to 1", got)
	}
}

func TestIsLeaf(t *testing.T) {
	v := ArtifactVariant{VariantID: "v1"}
	if !v.IsLeaf() {
		t.Error("variant without children should be a leaf")
	}
	v.ChildIDs = []string{"v2"}
	if v.IsLeaf() {
		t.Error("variant with children should not be a leaf")
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{-0.5, 0}, {0, 0}, {0.42, 0.42}, {1, 1}, {1.5, 1},
	}
	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%.2f) = %.2f, want %.2f", tt.in, got, tt.want)
		}
	}
}
