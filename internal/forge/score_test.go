package forge

import (
	"math"
	"testing"
	"time"
)

func TestCheckBounds(t *testing.T) {
	tests := []struct {
		name    string
		score   ConsensusScore
		wantErr bool
	}{
		{
			"in range",
			ConsensusScore{Dimensions: map[Dimension]float64{DimCorrectness: 0.9, DimLatency: 0.0}, Weight: 1.0},
			false,
		},
		{
			"dimension above one",
			ConsensusScore{Dimensions: map[Dimension]float64{DimSafety: 1.01}, Weight: 0.5},
			true,
		},
		{
			"negative weight",
			ConsensusScore{Dimensions: map[Dimension]float64{DimCost: 0.5}, Weight: -0.001},
			true,
		},
		{
			"nan dimension",
			ConsensusScore{Dimensions: map[Dimension]float64{DimLatency: math.NaN()}, Weight: 0.5},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.score.CheckBounds()
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckBounds() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecayedWeight(t *testing.T) {
	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	s := ConsensusScore{Weight: 0.8, CreatedAt: now.AddDate(0, 0, -30)}

	// Thirty days of age at lambda 0.1 over a 30 day horizon decays by e^-0.1.
	got := s.DecayedWeight(now, 0.1, 30)
	want := 0.8 * math.Exp(-0.1)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("DecayedWeight = %.6f, want %.6f", got, want)
	}

	// Fresh scores do not decay.
	fresh := ConsensusScore{Weight: 0.8, CreatedAt: now}
	if got := fresh.DecayedWeight(now, 0.1, 30); got != 0.8 {
		t.Errorf("fresh DecayedWeight = %.6f, want 0.8", got)
	}

	// Disabled decay passes the weight through.
	if got := s.DecayedWeight(now, 0, 30); got != 0.8 {
		t.Errorf("disabled DecayedWeight = %.6f, want 0.8", got)
	}
}
