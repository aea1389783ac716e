package optimizer

import (
	"context"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// LoopResult summarizes one iterative optimization run over a cluster.
type LoopResult struct {
	ClusterID   string
	Iterations  int
	Promotions  int
	Archived    []string
	CanonicalID string
}

// OptimizeCluster runs the bounded promotion loop: synthesize a candidate,
// validate it, promote it when it beats the canonical by more than epsilon,
// learn from the improvement, and stop on the first iteration without a
// promotion. The cluster lock is held for the whole run.
func (o *Optimizer) OptimizeCluster(ctx context.Context, clusterID string) (*LoopResult, error) {
	const op = "optimizer.OptimizeCluster"

	unlock := o.lockCluster(clusterID)
	defer unlock()

	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}

	maxIter := o.cfg.Optimizer.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	res := &LoopResult{ClusterID: clusterID, CanonicalID: cluster.CanonicalID}
	timer := logging.StartTimer(logging.CategoryOptimizer, "OptimizeCluster "+clusterID)
	defer timer.Stop()

	for iter := 0; iter < maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return res, fault.FromContext(op, err)
		}

		members, err := o.loadMembers(cluster)
		if err != nil {
			return res, err
		}
		canonical := o.electCanonical(members)
		if canonical == nil {
			break
		}

		strategy := o.pickStrategy(iter)
		candidate := o.synthesize(strategy, cluster, members, canonical)
		if candidate == nil {
			break
		}

		measured, err := o.validate(ctx, candidate)
		if err != nil {
			logging.OptimizerDebug("Candidate %s failed validation: %v", candidate.VariantID, err)
			cluster.History = append(cluster.History, forge.OptimizationRecord{
				Iteration: iter, Strategy: string(strategy), CandidateID: candidate.VariantID,
				Promoted: false, Timestamp: time.Now().UTC(),
			})
			break
		}
		candidate.Metrics = measured
		res.Iterations = iter + 1

		candFitness := o.fitness(candidate)
		canonFitness := o.fitness(canonical)
		promoted := o.shouldPromote(candFitness, canonFitness)

		cluster.History = append(cluster.History, forge.OptimizationRecord{
			Iteration: iter, Strategy: string(strategy), CandidateID: candidate.VariantID,
			Fitness: candFitness, Promoted: promoted, Timestamp: time.Now().UTC(),
		})

		if !promoted {
			logging.OptimizerDebug("Cluster %s iter %d: candidate %.3f vs canonical %.3f, no promotion",
				clusterID, iter, candFitness, canonFitness)
			break
		}

		archived, err := o.promote(cluster, members, canonical, candidate, candFitness)
		if err != nil {
			return res, err
		}
		o.learn(cluster, candidate.Deltas, candFitness-canonFitness)
		res.Promotions++
		res.Archived = append(res.Archived, archived...)
		res.CanonicalID = candidate.VariantID

		o.mu.Lock()
		o.stats.Promotions++
		o.stats.Candidates++
		o.stats.Archivals += int64(len(archived))
		o.mu.Unlock()

		logging.Optimizer("Cluster %s iter %d: promoted %s (%.3f over %.3f), archived %d",
			clusterID, iter, candidate.VariantID, candFitness, canonFitness, len(archived))
	}

	members, err := o.loadMembers(cluster)
	if err != nil {
		return res, err
	}
	cluster.MedianFitness = o.medianFitness(members)
	if err := o.store.PutCluster(cluster); err != nil {
		return res, err
	}
	return res, nil
}

// shouldPromote applies the strict promotion margin: the candidate must beat
// the canonical by more than epsilon. Exactly epsilon is not enough.
func (o *Optimizer) shouldPromote(candidate, canonical float64) bool {
	return candidate > canonical+o.epsilon()
}

func (o *Optimizer) epsilon() float64 {
	if o.cfg.Optimizer.PromotionEpsilon > 0 {
		return o.cfg.Optimizer.PromotionEpsilon
	}
	return 0.05
}

func (o *Optimizer) archiveMargin() float64 {
	if o.cfg.Optimizer.ArchiveMargin > 0 {
		return o.cfg.Optimizer.ArchiveMargin
	}
	return 0.10
}

// promote installs the candidate as canonical: the prior canonical is
// archived, members falling more than the archive margin below the candidate
// are archived, and the candidate joins the cluster with lineage back to the
// old canonical.
func (o *Optimizer) promote(cluster *forge.OptimizationCluster, members []*forge.ArtifactVariant,
	canonical, candidate *forge.ArtifactVariant, candFitness float64) ([]string, error) {

	floor := candFitness - o.archiveMargin()
	var archived []string

	for _, v := range members {
		if v.VariantID == canonical.VariantID {
			continue
		}
		if o.fitness(v) < floor {
			v.Status = forge.VariantArchived
			if err := o.store.PutVariant(v); err != nil {
				return nil, err
			}
			archived = append(archived, v.VariantID)
		}
	}

	canonical.Status = forge.VariantArchived
	canonical.ChildIDs = appendUnique(canonical.ChildIDs, candidate.VariantID)
	if err := o.store.PutVariant(canonical); err != nil {
		return nil, err
	}
	archived = append(archived, canonical.VariantID)

	candidate.Status = forge.VariantCanonical
	candidate.ClusterID = cluster.ClusterID
	if err := o.store.PutVariant(candidate); err != nil {
		return nil, err
	}

	remaining := make([]string, 0, len(cluster.MemberIDs)+1)
	for _, id := range cluster.MemberIDs {
		dead := false
		for _, a := range archived {
			if id == a {
				dead = true
				break
			}
		}
		if !dead {
			remaining = append(remaining, id)
		}
	}
	cluster.MemberIDs = append(remaining, candidate.VariantID)
	cluster.CanonicalID = candidate.VariantID
	return archived, nil
}

// learn boosts the pattern multiplier for each delta kind that contributed
// to a promotion. Boosts apply multiplicatively to future estimated
// benefits, capped at 1 at application time.
func (o *Optimizer) learn(cluster *forge.OptimizationCluster, deltas []forge.SemanticDelta, improvement float64) {
	if improvement <= 0 || len(deltas) == 0 {
		return
	}
	if cluster.Patterns == nil {
		cluster.Patterns = make(map[string]float64)
	}
	for _, d := range deltas {
		boost := cluster.Patterns[string(d.Kind)]
		if boost == 0 {
			boost = 1
		}
		cluster.Patterns[string(d.Kind)] = boost * (1 + improvement)
	}
}

// boostedBenefit applies learned pattern multipliers to a delta's estimate.
func boostedBenefit(cluster *forge.OptimizationCluster, d forge.SemanticDelta) float64 {
	boost := 1.0
	if cluster.Patterns != nil {
		if b, ok := cluster.Patterns[string(d.Kind)]; ok && b > 0 {
			boost = b
		}
	}
	return forge.Clamp01(d.EstimatedBenefit * boost)
}

// defaultValidator accepts the synthesis estimate after shape checks. It
// stands in for a measurement harness: unit, integration, and functional
// signals all reduce to the metrics the candidate carries.
func (o *Optimizer) defaultValidator(ctx context.Context, v *forge.ArtifactVariant) (forge.PerformanceMetrics, error) {
	const op = "optimizer.defaultValidator"
	if err := ctx.Err(); err != nil {
		return forge.PerformanceMetrics{}, fault.FromContext(op, err)
	}
	m := v.Metrics
	if m.SuccessRate < 0 || m.SuccessRate > 1 {
		return forge.PerformanceMetrics{}, fault.New(fault.InvalidInput, op,
			"success rate %.3f outside [0,1]", m.SuccessRate)
	}
	if m.Coverage < 0 || m.Coverage > 1 {
		return forge.PerformanceMetrics{}, fault.New(fault.InvalidInput, op,
			"coverage %.3f outside [0,1]", m.Coverage)
	}
	if m.LatencyMs < 0 || m.MemoryMB < 0 || m.CPUPercent < 0 {
		return forge.PerformanceMetrics{}, fault.New(fault.InvalidInput, op, "negative resource metrics")
	}
	if m.MeasuredAt.IsZero() {
		m.MeasuredAt = time.Now().UTC()
	}
	return m, nil
}

func appendUnique(ids []string, id string) []string {
	for _, have := range ids {
		if have == id {
			return ids
		}
	}
	return append(ids, id)
}
