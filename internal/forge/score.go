package forge

import (
	"math"
	"time"

	"toolforge/internal/fault"
)

// Dimension names one axis of the consensus score.
type Dimension string

const (
	DimCorrectness Dimension = "correctness"
	DimLatency     Dimension = "latency"
	DimCost        Dimension = "cost"
	DimSafety      Dimension = "safety"
	DimResilience  Dimension = "resilience"
)

// Dimensions lists every scoring axis in canonical order.
var Dimensions = []Dimension{DimCorrectness, DimLatency, DimCost, DimSafety, DimResilience}

// EvaluatorContribution attributes part of a score to one evaluator.
type EvaluatorContribution struct {
	EvaluatorID string    `json:"evaluator_id"`
	Dimension   Dimension `json:"dimension"`
	Value       float64   `json:"value"`
}

// ConsensusScore is one immutable scoring record for a tool version.
type ConsensusScore struct {
	ToolID     string                  `json:"tool_id"`
	Version    string                  `json:"version"`
	Dimensions map[Dimension]float64   `json:"dimensions"`
	Weight     float64                 `json:"weight"`
	Evaluators []EvaluatorContribution `json:"evaluators,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// CheckBounds verifies every per-dimension score and the aggregated weight
// lie in [0,1].
func (s *ConsensusScore) CheckBounds() error {
	const op = "score.CheckBounds"
	for dim, v := range s.Dimensions {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fault.New(fault.InvariantViolation, op, "dimension %s = %.4f outside [0,1]", dim, v)
		}
	}
	if s.Weight < 0 || s.Weight > 1 || math.IsNaN(s.Weight) {
		return fault.New(fault.InvariantViolation, op, "weight %.4f outside [0,1]", s.Weight)
	}
	return nil
}

// DecayedWeight applies temporal decay for a score of age d at read time:
// weight * exp(-lambda * days / horizon). Stored records are never modified.
func (s *ConsensusScore) DecayedWeight(now time.Time, lambda float64, horizonDays float64) float64 {
	if lambda <= 0 || horizonDays <= 0 {
		return s.Weight
	}
	days := now.Sub(s.CreatedAt).Hours() / 24
	if days <= 0 {
		return s.Weight
	}
	return s.Weight * math.Exp(-lambda*days/horizonDays)
}
