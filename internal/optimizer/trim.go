package optimizer

import (
	"context"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/vector"
)

// TrimResult reports what one trim pass condemned.
type TrimResult struct {
	ClusterID string
	Archived  []policy.Verdict
}

// TrimCluster evaluates the trimming policy over one cluster and archives
// the condemned variants. Canonical and lineage-leaf variants are protected
// by the rules themselves; archival here is a status change, never a delete,
// so lineage stays reconstructable.
func (o *Optimizer) TrimCluster(ctx context.Context, clusterID string) (*TrimResult, error) {
	const op = "optimizer.TrimCluster"

	if err := ctx.Err(); err != nil {
		return nil, fault.FromContext(op, err)
	}
	unlock := o.lockCluster(clusterID)
	defer unlock()

	cluster, err := o.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	members, err := o.loadMembers(cluster)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return &TrimResult{ClusterID: clusterID}, nil
	}

	facts := o.variantFacts(cluster, members)
	verdicts, err := o.trimmer.Prunable(facts, o.trimLimits())
	if err != nil {
		return nil, err
	}

	byID := map[string]*forge.ArtifactVariant{}
	for _, v := range members {
		byID[v.VariantID] = v
	}

	res := &TrimResult{ClusterID: clusterID}
	kept := cluster.MemberIDs[:0]
	condemned := map[string]bool{}
	for _, verdict := range verdicts {
		v := byID[verdict.Key]
		if v == nil {
			continue
		}
		v.Status = forge.VariantArchived
		if err := o.store.PutVariant(v); err != nil {
			return nil, err
		}
		condemned[v.VariantID] = true
		res.Archived = append(res.Archived, verdict)
		logging.Optimizer("Trimmed variant %s from cluster %s: %v", v.VariantID, clusterID, verdict.Reasons)
	}
	for _, id := range cluster.MemberIDs {
		if !condemned[id] {
			kept = append(kept, id)
		}
	}
	cluster.MemberIDs = kept
	if err := o.store.PutCluster(cluster); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.stats.Trimmed += int64(len(res.Archived))
	o.mu.Unlock()
	return res, nil
}

// trimLimits maps the config thresholds through the pressure profile.
func (o *Optimizer) trimLimits() policy.TrimLimits {
	t := o.cfg.Optimizer.Trim
	limits := policy.TrimLimits{
		FitnessFloor:    t.FitnessFloor,
		MaxDistance:     t.MaxDistance,
		SimilarityFloor: t.SimilarityFloor,
		Preservation:    t.PreservationThreshold,
		GraceDays:       t.GracePeriodDays,
		CoverageKeep:    t.CoverageKeep,
	}
	if limits == (policy.TrimLimits{}) {
		limits = policy.DefaultTrimLimits()
	}
	limits.MaxDistance = o.pressure.AdjustMaxDistance(limits.MaxDistance)
	return limits
}

// variantFacts projects cluster members into the fact shape the trim rules
// evaluate. Similarity is measured against the fittest member; the fittest
// itself scores 1.
func (o *Optimizer) variantFacts(cluster *forge.OptimizationCluster, members []*forge.ArtifactVariant) []policy.VariantFact {
	fittest := members[0]
	for _, v := range members[1:] {
		if o.fitness(v) > o.fitness(fittest) {
			fittest = v
		}
	}

	now := time.Now().UTC()
	facts := make([]policy.VariantFact, 0, len(members))
	for _, v := range members {
		sim := 1.0
		if v.VariantID != fittest.VariantID {
			if s, err := vector.CosineSimilarity(v.Embedding, fittest.Embedding); err == nil {
				sim = s
			}
		}
		age := 0
		if !v.CreatedAt.IsZero() {
			age = int(now.Sub(v.CreatedAt).Hours() / 24)
		}
		// Leaf means no child references it as a parent anywhere in the
		// cluster.
		leaf := true
		for _, m := range members {
			if m.ParentID == v.VariantID {
				leaf = false
				break
			}
		}
		facts = append(facts, policy.VariantFact{
			Key:        v.VariantID,
			Fitness:    o.fitness(v),
			Similarity: sim,
			Coverage:   v.Metrics.Coverage,
			AgeDays:    age,
			Used:       v.UseCount > 0,
			Canonical:  v.VariantID == cluster.CanonicalID || v.Status == forge.VariantCanonical,
			Leaf:       leaf && len(v.ChildIDs) == 0,
		})
	}
	return facts
}
