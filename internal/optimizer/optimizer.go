// Package optimizer runs the background evolution loop over artifact
// variants: it groups variants into similarity clusters, synthesizes
// candidates from cluster members, promotes the ones that beat the canonical
// by a margin, archives the stragglers, and trims dead weight through the
// datalog policy engine. One pass per cluster is active at a time.
package optimizer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/config"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/policy"
	"toolforge/internal/store"
	"toolforge/internal/vector"
)

// Validator measures a candidate variant and returns its performance. The
// default validator accepts the synthesis estimate after basic shape checks;
// callers with a real harness (council-backed characterization) inject their
// own.
type Validator func(ctx context.Context, v *forge.ArtifactVariant) (forge.PerformanceMetrics, error)

// Stats is a point-in-time snapshot of optimizer activity.
type Stats struct {
	Passes        int64 `json:"passes"`
	Clusters      int   `json:"clusters"`
	Promotions    int64 `json:"promotions"`
	Archivals     int64 `json:"archivals"`
	Trimmed       int64 `json:"trimmed"`
	Candidates    int64 `json:"candidates"`
	SplitsEmitted int64 `json:"splits_emitted"`
}

// Optimizer owns the variant population for every tool. Variants reference
// manifests by id only; the optimizer never touches the registry's records.
type Optimizer struct {
	store    *store.Store
	trimmer  *policy.Trimmer
	validate Validator
	cfg      *config.Config
	pressure PressureProfile

	// rng drives the radical strategy's variance band. Tests inject a
	// seeded source.
	rng *rand.Rand

	mu           sync.Mutex
	clusterLocks map[string]*sync.Mutex
	stats        Stats
}

// New builds an optimizer over the shared store. The trim rules compile once
// here; an operator rule file from the config composes on top.
func New(st *store.Store, cfg *config.Config) (*Optimizer, error) {
	trimmer, err := policy.NewTrimmer()
	if err != nil {
		return nil, err
	}
	if path := cfg.Optimizer.Trim.RulesPath; path != "" {
		if err := trimmer.AddRuleFile(path); err != nil {
			return nil, err
		}
	}
	o := &Optimizer{
		store:        st,
		trimmer:      trimmer,
		cfg:          cfg,
		pressure:     PressureFor(cfg.Optimizer.Pressure),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		clusterLocks: make(map[string]*sync.Mutex),
	}
	o.validate = o.defaultValidator
	return o, nil
}

// SetValidator replaces the default candidate validator.
func (o *Optimizer) SetValidator(v Validator) {
	if v != nil {
		o.validate = v
	}
}

// SetSeed makes candidate synthesis deterministic for tests.
func (o *Optimizer) SetSeed(seed int64) {
	o.rng = rand.New(rand.NewSource(seed))
}

// weightsFor returns the fitness weights for a node type, falling back to the
// global set.
func (o *Optimizer) weightsFor(nodeType string) forge.FitnessWeights {
	if w, ok := o.cfg.Optimizer.NodeTypeWeights[nodeType]; ok {
		return w
	}
	if o.cfg.Optimizer.Weights != (forge.FitnessWeights{}) {
		return o.cfg.Optimizer.Weights
	}
	return forge.DefaultFitnessWeights()
}

// fitness scores one variant with the tool-type weight set.
func (o *Optimizer) fitness(v *forge.ArtifactVariant) float64 {
	return forge.Fitness(v.Metrics, o.weightsFor(v.ToolID))
}

// lockCluster serializes optimization passes per cluster.
func (o *Optimizer) lockCluster(clusterID string) func() {
	o.mu.Lock()
	l, ok := o.clusterLocks[clusterID]
	if !ok {
		l = &sync.Mutex{}
		o.clusterLocks[clusterID] = l
	}
	o.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// similarityThreshold is the clustering bound after pressure adjustment.
func (o *Optimizer) similarityThreshold() float64 {
	return o.pressure.AdjustSimilarity(o.cfg.Optimizer.SimilarityThreshold)
}

// =============================================================================
// CLUSTERING
// =============================================================================

// RebuildClusters assigns a tool's unarchived variants to similarity
// clusters. A variant joins the first cluster whose canonical it matches at
// or above the similarity threshold; otherwise it seeds a new cluster with
// itself as canonical. Existing cluster ids are kept stable where possible.
func (o *Optimizer) RebuildClusters(toolID string) ([]*forge.OptimizationCluster, error) {
	const op = "optimizer.RebuildClusters"

	variants, err := o.store.ListVariants(toolID)
	if err != nil {
		return nil, err
	}
	var live []*forge.ArtifactVariant
	for _, v := range variants {
		if v.Status != forge.VariantArchived && v.Status != forge.VariantDeprecated {
			live = append(live, v)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}

	existing, err := o.store.ListClusters()
	if err != nil {
		return nil, err
	}
	priorCluster := map[string]string{}
	for _, c := range existing {
		for _, id := range c.MemberIDs {
			priorCluster[id] = c.ClusterID
		}
	}

	threshold := o.similarityThreshold()
	var clusters []*forge.OptimizationCluster
	canonicals := map[string]*forge.ArtifactVariant{}

	for _, v := range live {
		placed := false
		for _, c := range clusters {
			canon := canonicals[c.ClusterID]
			sim, err := vector.CosineSimilarity(v.Embedding, canon.Embedding)
			if err != nil {
				continue
			}
			if sim >= threshold {
				c.MemberIDs = append(c.MemberIDs, v.VariantID)
				placed = true
				break
			}
		}
		if placed {
			continue
		}
		id := priorCluster[v.VariantID]
		if id == "" {
			id = uuid.NewString()
		}
		c := &forge.OptimizationCluster{
			ClusterID: id,
			MemberIDs: []string{v.VariantID},
		}
		clusters = append(clusters, c)
		canonicals[c.ClusterID] = v
	}

	for _, c := range clusters {
		members, err := o.loadMembers(c)
		if err != nil {
			return nil, err
		}
		canonical := o.electCanonical(members)
		if err := o.setCanonical(c, members, canonical); err != nil {
			return nil, err
		}
		c.MedianFitness = o.medianFitness(members)
		if err := o.store.PutCluster(c); err != nil {
			return nil, fault.Wrap(fault.Internal, op, err)
		}
	}

	logging.Optimizer("Rebuilt clusters for tool %q: %d variants into %d clusters (threshold %.3f)",
		toolID, len(live), len(clusters), threshold)
	return clusters, nil
}

// electCanonical picks the cluster's canonical: an explicit mark wins, else
// the highest semver, ties broken by highest fitness.
func (o *Optimizer) electCanonical(members []*forge.ArtifactVariant) *forge.ArtifactVariant {
	if len(members) == 0 {
		return nil
	}
	for _, v := range members {
		if v.Status == forge.VariantCanonical {
			return v
		}
	}
	best := members[0]
	for _, v := range members[1:] {
		switch forge.CompareVersions(v.Version, best.Version) {
		case 1:
			best = v
		case 0:
			if o.fitness(v) > o.fitness(best) {
				best = v
			}
		}
	}
	return best
}

// setCanonical writes the canonical/active statuses so exactly one member is
// canonical, and stamps every member with the cluster id.
func (o *Optimizer) setCanonical(c *forge.OptimizationCluster, members []*forge.ArtifactVariant, canonical *forge.ArtifactVariant) error {
	if canonical == nil {
		return nil
	}
	c.CanonicalID = canonical.VariantID
	for _, v := range members {
		want := forge.VariantActive
		if v.VariantID == canonical.VariantID {
			want = forge.VariantCanonical
		}
		if v.Status != want || v.ClusterID != c.ClusterID {
			v.Status = want
			v.ClusterID = c.ClusterID
			if err := o.store.PutVariant(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadMembers resolves a cluster's member ids, dropping ids that no longer
// resolve.
func (o *Optimizer) loadMembers(c *forge.OptimizationCluster) ([]*forge.ArtifactVariant, error) {
	members := make([]*forge.ArtifactVariant, 0, len(c.MemberIDs))
	kept := make([]string, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		v, err := o.store.GetVariant(id)
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				continue
			}
			return nil, err
		}
		members = append(members, v)
		kept = append(kept, id)
	}
	c.MemberIDs = kept
	return members, nil
}

func (o *Optimizer) medianFitness(members []*forge.ArtifactVariant) float64 {
	if len(members) == 0 {
		return 0
	}
	scores := make([]float64, len(members))
	for i, v := range members {
		scores[i] = o.fitness(v)
	}
	sort.Float64s(scores)
	mid := len(scores) / 2
	if len(scores)%2 == 1 {
		return scores[mid]
	}
	return (scores[mid-1] + scores[mid]) / 2
}

// =============================================================================
// BACKGROUND WORKER
// =============================================================================

// Run drives periodic optimization passes until the context ends. Only one
// Run loop should exist per process.
func (o *Optimizer) Run(ctx context.Context) {
	interval := o.cfg.GetOptimizeInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Optimizer("Background optimizer started (interval %s, pressure %s)", interval, o.pressure.Name)
	for {
		select {
		case <-ctx.Done():
			logging.Optimizer("Background optimizer stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := o.Pass(ctx); err != nil {
				logging.Get(logging.CategoryOptimizer).Warn("Optimization pass failed: %v", err)
			}
		}
	}
}

// Pass runs one full optimization sweep: rebuild clusters for every tool
// with variants, run the iterative loop on each, then trim.
func (o *Optimizer) Pass(ctx context.Context) error {
	const op = "optimizer.Pass"

	variants, err := o.store.ListVariants("")
	if err != nil {
		return err
	}
	tools := map[string]bool{}
	for _, v := range variants {
		tools[v.ToolID] = true
	}

	var clusters int
	for toolID := range tools {
		if err := ctx.Err(); err != nil {
			return fault.FromContext(op, err)
		}
		built, err := o.RebuildClusters(toolID)
		if err != nil {
			return err
		}
		clusters += len(built)
		for _, c := range built {
			if len(c.MemberIDs) < o.pressure.AdjustMinClusterSize(o.cfg.Optimizer.MinClusterSize) {
				continue
			}
			if _, err := o.OptimizeCluster(ctx, c.ClusterID); err != nil {
				logging.Get(logging.CategoryOptimizer).Warn("Cluster %s optimization failed: %v", c.ClusterID, err)
			}
			if _, err := o.TrimCluster(ctx, c.ClusterID); err != nil {
				logging.Get(logging.CategoryOptimizer).Warn("Cluster %s trim failed: %v", c.ClusterID, err)
			}
		}
	}

	o.mu.Lock()
	o.stats.Passes++
	o.stats.Clusters = clusters
	o.mu.Unlock()
	return nil
}

// Stats returns a snapshot of optimizer counters.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}
