package forge

import (
	"time"
)

// VariantStatus tracks an artifact variant through the optimizer lifecycle.
// Archival ends activity but the record stays for lineage.
type VariantStatus string

const (
	VariantCanonical  VariantStatus = "canonical"
	VariantActive     VariantStatus = "active"
	VariantArchived   VariantStatus = "archived"
	VariantDeprecated VariantStatus = "deprecated"
)

// DeltaKind classifies a semantic delta between variants. The set is open;
// these are the kinds the synthesis strategies know how to weigh.
type DeltaKind string

const (
	DeltaAlgorithm   DeltaKind = "algorithm"
	DeltaCaching     DeltaKind = "caching"
	DeltaBatching    DeltaKind = "batching"
	DeltaParallelism DeltaKind = "parallelism"
	DeltaIO          DeltaKind = "io"
	DeltaValidation  DeltaKind = "validation"
)

// SemanticDelta is one candidate change with its expected payoff and risk.
type SemanticDelta struct {
	Kind             DeltaKind `json:"kind"`
	Description      string    `json:"description"`
	EstimatedBenefit float64   `json:"estimated_benefit"`
	Risk             float64   `json:"risk"`
}

// PerformanceMetrics are the normalized measurements fitness is computed from.
type PerformanceMetrics struct {
	LatencyMs   float64   `json:"latency_ms"`
	MemoryMB    float64   `json:"memory_mb"`
	CPUPercent  float64   `json:"cpu_percent"`
	SuccessRate float64   `json:"success_rate"`
	Coverage    float64   `json:"coverage"`
	SampleCount int       `json:"sample_count"`
	MeasuredAt  time.Time `json:"measured_at,omitempty"`
}

// ArtifactVariant is one candidate implementation tracked by the optimizer.
// Parents and children are referenced by id only; cycle checks happen on
// every lineage write.
type ArtifactVariant struct {
	VariantID  string             `json:"variant_id"`
	ParentID   string             `json:"parent_id,omitempty"`
	ChildIDs   []string           `json:"child_ids,omitempty"`
	ToolID     string             `json:"tool_id,omitempty"`
	Version    string             `json:"version"`
	Content    string             `json:"content,omitempty"`
	Embedding  []float32          `json:"embedding,omitempty"`
	Status     VariantStatus      `json:"status"`
	Metrics    PerformanceMetrics `json:"metrics"`
	Deltas     []SemanticDelta    `json:"deltas,omitempty"`
	ClusterID  string             `json:"cluster_id,omitempty"`
	UseCount   int64              `json:"use_count"`
	CreatedAt  time.Time          `json:"created_at"`
	LastUsedAt time.Time          `json:"last_used_at,omitempty"`
}

// IsLeaf reports whether the variant has no children in the lineage graph.
func (v *ArtifactVariant) IsLeaf() bool { return len(v.ChildIDs) == 0 }

// OptimizationRecord is one entry in a cluster's optimization history.
type OptimizationRecord struct {
	Iteration   int       `json:"iteration"`
	Strategy    string    `json:"strategy"`
	CandidateID string    `json:"candidate_id"`
	Fitness     float64   `json:"fitness"`
	Promoted    bool      `json:"promoted"`
	Timestamp   time.Time `json:"timestamp"`
}

// OptimizationCluster groups variants whose embeddings sit within the
// similarity threshold of the canonical variant.
type OptimizationCluster struct {
	ClusterID     string               `json:"cluster_id"`
	CanonicalID   string               `json:"canonical_id"`
	MemberIDs     []string             `json:"member_ids,omitempty"`
	MedianFitness float64              `json:"median_fitness"`
	History       []OptimizationRecord `json:"history,omitempty"`
	Patterns      map[string]float64   `json:"patterns,omitempty"`
}

// FitnessWeights are the composite-score coefficients, overridable per node
// type. They should sum to 1; Fitness clamps the result regardless.
type FitnessWeights struct {
	Latency  float64 `json:"latency" yaml:"latency"`
	Memory   float64 `json:"memory" yaml:"memory"`
	CPU      float64 `json:"cpu" yaml:"cpu"`
	Success  float64 `json:"success" yaml:"success"`
	Coverage float64 `json:"coverage" yaml:"coverage"`
}

// DefaultFitnessWeights returns the standard coefficient set.
func DefaultFitnessWeights() FitnessWeights {
	return FitnessWeights{Latency: 0.25, Memory: 0.15, CPU: 0.10, Success: 0.30, Coverage: 0.20}
}

// Fitness computes the composite score over normalized metrics, clamped to
// [0,1]. Latency normalizes against a 1000ms budget, memory against 100MB,
// cpu against 100%.
func Fitness(m PerformanceMetrics, w FitnessWeights) float64 {
	f := w.Latency*(1-m.LatencyMs/1000) +
		w.Memory*(1-m.MemoryMB/100) +
		w.CPU*(1-m.CPUPercent/100) +
		w.Success*m.SuccessRate +
		w.Coverage*m.Coverage
	return Clamp01(f)
}

// Clamp01 clamps v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
