package store

import (
	"testing"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func testScore(weight float64, createdAt time.Time) *forge.ConsensusScore {
	return &forge.ConsensusScore{
		ToolID:  "tool",
		Version: "1.0.0",
		Dimensions: map[forge.Dimension]float64{
			forge.DimCorrectness: 0.9,
			forge.DimLatency:     0.8,
			forge.DimCost:        0.8,
			forge.DimSafety:      0.95,
			forge.DimResilience:  0.7,
		},
		Weight:    weight,
		CreatedAt: createdAt,
	}
}

func TestAppendAndLatestScore(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	old := testScore(0.5, base)
	recent := testScore(1.0, base.Add(time.Hour))
	recent.Evaluators = []forge.EvaluatorContribution{
		{EvaluatorID: "council", Dimension: forge.DimCorrectness, Value: 0.9},
	}

	if err := s.AppendScore(old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.AppendScore(recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	got, err := s.LatestScore("tool", "1.0.0")
	if err != nil {
		t.Fatalf("LatestScore: %v", err)
	}
	if got.Weight != 1.0 {
		t.Errorf("latest weight = %v, want 1.0", got.Weight)
	}
	if got.Dimensions[forge.DimSafety] != 0.95 {
		t.Errorf("safety = %v, want 0.95", got.Dimensions[forge.DimSafety])
	}
	if len(got.Evaluators) != 1 || got.Evaluators[0].EvaluatorID != "council" {
		t.Errorf("evaluators not restored: %+v", got.Evaluators)
	}
}

func TestLatestScoreNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LatestScore("ghost", "1.0.0")
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestScoresSinceCutoff(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := s.AppendScore(testScore(1.0, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := s.ScoresSince("tool", "1.0.0", time.Time{})
	if err != nil {
		t.Fatalf("ScoresSince zero: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("full trail = %d scores, want 4", len(all))
	}

	recent, err := s.ScoresSince("tool", "1.0.0", base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ScoresSince cutoff: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("cutoff trail = %d scores, want 2", len(recent))
	}
}

func TestAppendScoreRejectsOutOfBounds(t *testing.T) {
	s := newTestStore(t)

	bad := testScore(1.0, time.Now())
	bad.Dimensions[forge.DimCost] = 1.5

	err := s.AppendScore(bad)
	if !fault.Is(err, fault.InvariantViolation) {
		t.Errorf("expected invariant_violation, got %v", err)
	}

	// Nothing reached disk.
	if _, err := s.LatestScore("tool", "1.0.0"); !fault.Is(err, fault.NotFound) {
		t.Errorf("rejected score was persisted: %v", err)
	}
}
