package store

import (
	"testing"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func testVariant(id, clusterID string, fitnessSuccess float64) *forge.ArtifactVariant {
	return &forge.ArtifactVariant{
		VariantID: id,
		ToolID:    "tool",
		Version:   "1.0.0",
		Content:   "func RunTool(input map[string]interface{}) (interface{}, error) { return nil, nil }",
		Embedding: []float32{1, 0, 0},
		Status:    forge.VariantActive,
		Metrics: forge.PerformanceMetrics{
			LatencyMs:   120,
			MemoryMB:    20,
			CPUPercent:  15,
			SuccessRate: fitnessSuccess,
			Coverage:    0.9,
			SampleCount: 40,
		},
		ClusterID: clusterID,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPutGetVariant(t *testing.T) {
	s := newTestStore(t)

	v := testVariant("var-1", "cl-1", 0.95)
	v.Deltas = []forge.SemanticDelta{{Kind: forge.DeltaCaching, Description: "memoized parse table"}}
	if err := s.PutVariant(v); err != nil {
		t.Fatalf("PutVariant: %v", err)
	}

	got, err := s.GetVariant("var-1")
	if err != nil {
		t.Fatalf("GetVariant: %v", err)
	}
	if got.Metrics.SuccessRate != 0.95 {
		t.Errorf("metrics lost: %+v", got.Metrics)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("embedding not restored: %v", got.Embedding)
	}
	if len(got.Deltas) != 1 || got.Deltas[0].Kind != forge.DeltaCaching {
		t.Errorf("deltas lost: %+v", got.Deltas)
	}
}

func TestPutVariantRequiresID(t *testing.T) {
	s := newTestStore(t)

	err := s.PutVariant(&forge.ArtifactVariant{})
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestGetVariantNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetVariant("nope")
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestListClusterVariants(t *testing.T) {
	s := newTestStore(t)

	for _, fixture := range []struct{ id, cluster string }{
		{"v1", "cl-a"}, {"v2", "cl-a"}, {"v3", "cl-b"}, {"v4", ""},
	} {
		if err := s.PutVariant(testVariant(fixture.id, fixture.cluster, 0.9)); err != nil {
			t.Fatalf("put %s: %v", fixture.id, err)
		}
	}

	inA, err := s.ListClusterVariants("cl-a")
	if err != nil {
		t.Fatalf("ListClusterVariants: %v", err)
	}
	if len(inA) != 2 {
		t.Errorf("cluster cl-a has %d variants, want 2", len(inA))
	}

	loose, err := s.UnclusteredVariants()
	if err != nil {
		t.Fatalf("UnclusteredVariants: %v", err)
	}
	if len(loose) != 1 || loose[0].VariantID != "v4" {
		t.Errorf("unclustered = %+v, want just v4", loose)
	}
}

func TestTouchVariant(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutVariant(testVariant("touched", "", 0.9)); err != nil {
		t.Fatalf("put: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.TouchVariant("touched"); err != nil {
			t.Fatalf("TouchVariant: %v", err)
		}
	}

	got, err := s.GetVariant("touched")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UseCount != 3 {
		t.Errorf("use count = %d, want 3", got.UseCount)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("last_used_at not set")
	}

	if err := s.TouchVariant("ghost"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestSimilarVariants(t *testing.T) {
	s := newTestStore(t)

	near := testVariant("near", "", 0.9)
	near.Embedding = []float32{0.95, 0.05, 0}
	far := testVariant("far", "", 0.9)
	far.Embedding = []float32{0, 1, 0}
	for _, v := range []*forge.ArtifactVariant{near, far} {
		if err := s.PutVariant(v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	variants, sims, err := s.SimilarVariants("tool", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SimilarVariants: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}
	if variants[0].VariantID != "near" {
		t.Errorf("closest variant = %s, want near", variants[0].VariantID)
	}
	if sims[0] <= sims[1] {
		t.Errorf("similarities not descending: %v", sims)
	}
}

func TestClusterCRUD(t *testing.T) {
	s := newTestStore(t)

	c := &forge.OptimizationCluster{
		ClusterID:     "cl-1",
		CanonicalID:   "var-1",
		MemberIDs:     []string{"var-1", "var-2"},
		MedianFitness: 0.72,
		History: []forge.OptimizationRecord{
			{Iteration: 1, Strategy: "caching", CandidateID: "var-2", Fitness: 0.74, Promoted: true, Timestamp: time.Now().UTC()},
		},
		Patterns: map[string]float64{"caching": 1.2},
	}
	if err := s.PutCluster(c); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}

	got, err := s.GetCluster("cl-1")
	if err != nil {
		t.Fatalf("GetCluster: %v", err)
	}
	if got.CanonicalID != "var-1" || len(got.MemberIDs) != 2 {
		t.Errorf("cluster fields lost: %+v", got)
	}
	if got.Patterns["caching"] != 1.2 {
		t.Errorf("patterns lost: %+v", got.Patterns)
	}

	all, err := s.ListClusters()
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d clusters, want 1", len(all))
	}

	if err := s.DeleteCluster("cl-1"); err != nil {
		t.Fatalf("DeleteCluster: %v", err)
	}
	if _, err := s.GetCluster("cl-1"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found after delete, got %v", err)
	}

	if err := s.PutCluster(&forge.OptimizationCluster{}); !fault.Is(err, fault.InvalidInput) {
		t.Errorf("expected invalid_input for empty id, got %v", err)
	}
}
