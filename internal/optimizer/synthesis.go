package optimizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// Strategy names a candidate-synthesis approach.
type Strategy string

const (
	StrategyBestOfBreed Strategy = "best_of_breed"
	StrategyIncremental Strategy = "incremental"
	StrategyRadical     Strategy = "radical"
	StrategyHybrid      Strategy = "hybrid"
)

// lowRiskCeiling is the risk bound for the incremental strategy.
const lowRiskCeiling = 0.3

// radicalBenefitFloor and radicalRiskFloor select the delta set the radical
// strategy applies.
const (
	radicalBenefitFloor = 0.6
	radicalRiskFloor    = 0.5
)

// topKDeltas bounds how many deltas best-of-breed inherits.
const topKDeltas = 3

// pickStrategy maps an iteration index to a strategy. Hybrid alternates
// among the concrete three by index.
func (o *Optimizer) pickStrategy(iter int) Strategy {
	switch Strategy(o.cfg.Optimizer.Strategy) {
	case StrategyBestOfBreed:
		return StrategyBestOfBreed
	case StrategyIncremental:
		return StrategyIncremental
	case StrategyRadical:
		return StrategyRadical
	default:
		switch iter % 3 {
		case 0:
			return StrategyBestOfBreed
		case 1:
			return StrategyIncremental
		default:
			return StrategyRadical
		}
	}
}

// synthesize builds one candidate from the cluster members. Returns nil when
// the strategy has nothing to work with (no members, no applicable deltas).
func (o *Optimizer) synthesize(strategy Strategy, cluster *forge.OptimizationCluster,
	members []*forge.ArtifactVariant, canonical *forge.ArtifactVariant) *forge.ArtifactVariant {

	var cand *forge.ArtifactVariant
	switch strategy {
	case StrategyBestOfBreed:
		cand = o.bestOfBreed(cluster, members, canonical)
	case StrategyIncremental:
		cand = o.incremental(cluster, members, canonical)
	case StrategyRadical:
		cand = o.radical(cluster, members, canonical)
	}
	if cand != nil {
		logging.OptimizerDebug("Synthesized %s candidate %s for cluster %s (deltas=%d)",
			strategy, cand.VariantID, cluster.ClusterID, len(cand.Deltas))
	}
	return cand
}

// newCandidate starts a candidate derived from the canonical: next patch
// version, canonical's embedding, lineage back to the canonical.
func (o *Optimizer) newCandidate(canonical *forge.ArtifactVariant, strategy Strategy) *forge.ArtifactVariant {
	version := canonical.Version
	if next, err := forge.NextPatch(version); err == nil {
		version = next
	}
	return &forge.ArtifactVariant{
		VariantID: uuid.NewString(),
		ParentID:  canonical.VariantID,
		ToolID:    canonical.ToolID,
		Version:   version,
		Content:   fmt.Sprintf("%s\n// synthesized: %s", canonical.Content, strategy),
		Embedding: append([]float32(nil), canonical.Embedding...),
		Status:    forge.VariantActive,
		Metrics:   canonical.Metrics,
		CreatedAt: time.Now().UTC(),
	}
}

// bestOfBreed inherits the best latency, memory, success, and coverage seen
// across the cluster plus the top-k boosted deltas.
func (o *Optimizer) bestOfBreed(cluster *forge.OptimizationCluster,
	members []*forge.ArtifactVariant, canonical *forge.ArtifactVariant) *forge.ArtifactVariant {

	if len(members) == 0 {
		return nil
	}
	cand := o.newCandidate(canonical, StrategyBestOfBreed)

	best := members[0].Metrics
	for _, v := range members[1:] {
		m := v.Metrics
		if m.LatencyMs < best.LatencyMs {
			best.LatencyMs = m.LatencyMs
		}
		if m.MemoryMB < best.MemoryMB {
			best.MemoryMB = m.MemoryMB
		}
		if m.CPUPercent < best.CPUPercent {
			best.CPUPercent = m.CPUPercent
		}
		if m.SuccessRate > best.SuccessRate {
			best.SuccessRate = m.SuccessRate
		}
		if m.Coverage > best.Coverage {
			best.Coverage = m.Coverage
		}
	}
	best.MeasuredAt = time.Time{}
	best.SampleCount = 0
	cand.Metrics = best
	cand.Deltas = o.topDeltas(cluster, members, topKDeltas)
	return cand
}

// incremental applies the single lowest-risk delta from the prioritized
// list. Nothing low-risk means no candidate.
func (o *Optimizer) incremental(cluster *forge.OptimizationCluster,
	members []*forge.ArtifactVariant, canonical *forge.ArtifactVariant) *forge.ArtifactVariant {

	deltas := o.prioritizedDeltas(cluster, members)
	var chosen *forge.SemanticDelta
	for i := range deltas {
		if deltas[i].Risk <= lowRiskCeiling {
			chosen = &deltas[i]
			break
		}
	}
	if chosen == nil {
		return nil
	}

	cand := o.newCandidate(canonical, StrategyIncremental)
	cand.Deltas = []forge.SemanticDelta{*chosen}
	applyDelta(&cand.Metrics, boostedBenefit(cluster, *chosen), chosen.Risk)
	return cand
}

// radical applies every high-benefit high-risk delta at once and samples the
// outcome within a wider variance band.
func (o *Optimizer) radical(cluster *forge.OptimizationCluster,
	members []*forge.ArtifactVariant, canonical *forge.ArtifactVariant) *forge.ArtifactVariant {

	deltas := o.prioritizedDeltas(cluster, members)
	var set []forge.SemanticDelta
	for _, d := range deltas {
		if d.EstimatedBenefit >= radicalBenefitFloor && d.Risk >= radicalRiskFloor {
			set = append(set, d)
		}
	}
	if len(set) == 0 {
		return nil
	}

	cand := o.newCandidate(canonical, StrategyRadical)
	cand.Deltas = set
	for _, d := range set {
		applyDelta(&cand.Metrics, boostedBenefit(cluster, d), d.Risk)
	}
	// Wider variance band: the measured outcome lands anywhere in +/-20% of
	// the modeled one.
	band := 0.2
	jitter := 1 + (o.rng.Float64()*2-1)*band
	cand.Metrics.LatencyMs *= jitter
	cand.Metrics.SuccessRate = forge.Clamp01(cand.Metrics.SuccessRate * (2 - jitter))
	return cand
}

// prioritizedDeltas collects the cluster's deltas ordered by boosted benefit
// descending, risk ascending as a tie-break.
func (o *Optimizer) prioritizedDeltas(cluster *forge.OptimizationCluster, members []*forge.ArtifactVariant) []forge.SemanticDelta {
	var out []forge.SemanticDelta
	for _, v := range members {
		out = append(out, v.Deltas...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := boostedBenefit(cluster, out[i]), boostedBenefit(cluster, out[j])
		if bi != bj {
			return bi > bj
		}
		return out[i].Risk < out[j].Risk
	})
	return out
}

// topDeltas returns the k highest-priority deltas, one per kind.
func (o *Optimizer) topDeltas(cluster *forge.OptimizationCluster, members []*forge.ArtifactVariant, k int) []forge.SemanticDelta {
	seen := map[forge.DeltaKind]bool{}
	var out []forge.SemanticDelta
	for _, d := range o.prioritizedDeltas(cluster, members) {
		if seen[d.Kind] {
			continue
		}
		seen[d.Kind] = true
		out = append(out, d)
		if len(out) == k {
			break
		}
	}
	return out
}

// applyDelta models a delta's effect on the candidate metrics: benefit
// discounted by risk improves latency and success proportionally.
func applyDelta(m *forge.PerformanceMetrics, benefit, risk float64) {
	gain := benefit * (1 - risk*0.5)
	m.LatencyMs *= 1 - 0.3*gain
	m.MemoryMB *= 1 - 0.1*gain
	m.SuccessRate = forge.Clamp01(m.SuccessRate + 0.1*gain*(1-m.SuccessRate))
	m.MeasuredAt = time.Time{}
	m.SampleCount = 0
}
