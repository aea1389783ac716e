// Package registry is the authority over tool manifests: registration with
// identity and lineage checks, version resolution, semantic discovery, trust
// and metrics updates. All writes to one manifest are serialized through a
// keyed mutex so concurrent updates never interleave.
package registry

import (
	"context"
	"sync"
	"time"

	"toolforge/internal/config"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/store"
	"toolforge/internal/vector"
)

// Scorer supplies the current consensus weight for ranking. The consensus
// engine satisfies this; a nil scorer degrades ranking to recency.
type Scorer interface {
	CurrentWeight(ctx context.Context, toolID, version string) (float64, error)
}

// lineageDepthCap bounds the ancestor walk so a corrupted chain cannot spin.
const lineageDepthCap = 100

// Registry coordinates manifest state on top of the store.
type Registry struct {
	store  *store.Store
	engine vector.Engine
	cfg    *config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	scorerMu sync.RWMutex
	scorer   Scorer
}

// New creates a registry. engine may be nil; discovery then uses the keyword
// fallback and manifests keep whatever embedding they arrived with.
func New(st *store.Store, engine vector.Engine, cfg *config.Config) *Registry {
	return &Registry{
		store:  st,
		engine: engine,
		cfg:    cfg,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetScorer wires the consensus engine in after construction. Safe to call
// concurrently with queries.
func (r *Registry) SetScorer(s Scorer) {
	r.scorerMu.Lock()
	r.scorer = s
	r.scorerMu.Unlock()
}

func (r *Registry) currentScorer() Scorer {
	r.scorerMu.RLock()
	defer r.scorerMu.RUnlock()
	return r.scorer
}

// lock acquires the per-manifest mutex and returns its unlock func.
func (r *Registry) lock(key string) func() {
	r.mu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Register validates and persists a manifest. Re-registering an existing
// (tool_id, version) succeeds as a no-op only when author and ancestor match
// the stored copy; anything else is an invariant violation. The manifest
// embedding is computed here when absent or sized for a different engine.
func (r *Registry) Register(ctx context.Context, m *forge.ToolManifest) error {
	const op = "registry.Register"
	timer := logging.StartTimer(logging.CategoryRegistry, "Register")
	defer timer.Stop()

	if m == nil {
		return fault.New(fault.InvalidInput, op, "nil manifest")
	}
	if m.Status == "" {
		m.Status = forge.StatusActive
	}
	if m.Trust.Level == "" {
		m.Trust.Level = forge.TrustExperimental
	}
	if m.Origin.CreatedAt.IsZero() {
		m.Origin.CreatedAt = time.Now().UTC()
	}
	if err := m.Validate(); err != nil {
		return err
	}

	unlock := r.lock(m.Key())
	defer unlock()

	existing, err := r.store.GetManifest(m.ToolID, m.Version)
	switch {
	case err == nil:
		if existing.Origin.Author == m.Origin.Author &&
			existing.Lineage.AncestorToolID == m.Lineage.AncestorToolID {
			logging.RegistryDebug("Re-registration of %s matches stored identity, no-op", m.Key())
			return nil
		}
		return fault.New(fault.InvariantViolation, op,
			"tool %s already registered with different origin (author %q ancestor %q)",
			m.Key(), existing.Origin.Author, existing.Lineage.AncestorToolID)
	case !fault.Is(err, fault.NotFound):
		return err
	}

	if err := r.checkLineage(m); err != nil {
		return err
	}

	r.ensureEmbedding(ctx, m)

	if err := r.store.PutManifest(m); err != nil {
		return err
	}

	logging.Registry("Registered %s (type=%s, trust=%s, capabilities=%d)",
		m.Key(), m.Type, m.Trust.Level, len(m.Capabilities))
	return nil
}

// ensureEmbedding computes the manifest embedding when it is missing or does
// not fit the active engine. Embedding failures are logged, not fatal:
// discovery degrades to the keyword fallback for this manifest.
func (r *Registry) ensureEmbedding(ctx context.Context, m *forge.ToolManifest) {
	if r.engine == nil {
		return
	}
	if len(m.Embedding) == r.engine.Dimensions() {
		return
	}
	emb, err := r.engine.Embed(ctx, m.EmbeddingText())
	if err != nil {
		logging.Get(logging.CategoryRegistry).Warn("Embedding failed for %s: %v", m.Key(), err)
		return
	}
	m.Embedding = emb
}

// checkLineage walks the ancestor chain and rejects cycles. A reference to a
// tool that is not registered ends the chain; depth is capped.
func (r *Registry) checkLineage(m *forge.ToolManifest) error {
	const op = "registry.checkLineage"

	seen := map[string]bool{m.ToolID: true}
	cur := m.Lineage.AncestorToolID
	for depth := 0; cur != "" && depth < lineageDepthCap; depth++ {
		if seen[cur] {
			return fault.New(fault.InvariantViolation, op,
				"lineage cycle: ancestor chain of %s revisits %s", m.ToolID, cur)
		}
		seen[cur] = true

		versions, err := r.store.ListVersions(cur)
		if err != nil || len(versions) == 0 {
			// Ancestor not registered here; the chain ends.
			return nil
		}
		ancestor, err := r.store.GetManifest(cur, versions[0])
		if err != nil {
			return nil
		}
		cur = ancestor.Lineage.AncestorToolID
	}
	if cur != "" {
		return fault.New(fault.InvariantViolation, op,
			"lineage chain of %s exceeds depth %d", m.ToolID, lineageDepthCap)
	}
	return nil
}

// Get resolves a version expression and returns the manifest. Exact versions
// resolve regardless of status so pinned callers survive archival; the
// selector expressions (latest, stable, best, M.m) consider active versions
// only.
func (r *Registry) Get(ctx context.Context, toolID, versionExpr string) (*forge.ToolManifest, error) {
	const op = "registry.Get"

	if toolID == "" {
		return nil, fault.New(fault.InvalidInput, op, "tool_id is required")
	}
	if versionExpr == "" {
		versionExpr = forge.VersionLatest
	}

	if _, err := forge.ParseVersion(versionExpr); err == nil {
		return r.store.GetManifest(toolID, versionExpr)
	}

	active, err := r.activeManifests(toolID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, fault.New(fault.NotFound, op, "tool %s has no active versions", toolID)
	}

	switch versionExpr {
	case forge.VersionLatest:
		return pickBySemver(active, forge.LatestVersion)
	case forge.VersionStable:
		return pickBySemver(active, forge.LatestStable)
	case forge.VersionBest:
		return r.pickBest(ctx, toolID, active)
	}

	if major, minor, ok := forge.MinorLine(versionExpr); ok {
		return pickBySemver(active, func(versions []string) (string, bool) {
			return forge.LatestInMinor(versions, major, minor)
		})
	}
	return nil, fault.New(fault.InvalidInput, op, "unrecognized version expression %q", versionExpr)
}

// activeManifests loads all active manifests for a tool.
func (r *Registry) activeManifests(toolID string) ([]*forge.ToolManifest, error) {
	return r.store.ListManifests(store.ManifestFilter{ToolID: toolID, Status: forge.StatusActive})
}

// pickBySemver applies a version selector to the active set.
func pickBySemver(active []*forge.ToolManifest, pick func([]string) (string, bool)) (*forge.ToolManifest, error) {
	const op = "registry.Get"

	versions := make([]string, len(active))
	byVersion := make(map[string]*forge.ToolManifest, len(active))
	for i, m := range active {
		versions[i] = m.Version
		byVersion[m.Version] = m
	}

	v, ok := pick(versions)
	if !ok {
		return nil, fault.New(fault.NotFound, op, "no version satisfies the expression")
	}
	return byVersion[v], nil
}

// pickBest ranks active versions by consensus weight, newest creation time
// breaking ties. Without a scorer it behaves like latest.
func (r *Registry) pickBest(ctx context.Context, toolID string, active []*forge.ToolManifest) (*forge.ToolManifest, error) {
	scorer := r.currentScorer()
	if scorer == nil {
		return pickBySemver(active, forge.LatestVersion)
	}

	var best *forge.ToolManifest
	bestWeight := -1.0
	for _, m := range active {
		weight, err := scorer.CurrentWeight(ctx, toolID, m.Version)
		if err != nil {
			logging.RegistryDebug("No weight for %s@%s: %v", toolID, m.Version, err)
			weight = 0
		}
		if weight > bestWeight ||
			(weight == bestWeight && best != nil && m.Origin.CreatedAt.After(best.Origin.CreatedAt)) {
			best = m
			bestWeight = weight
		}
	}
	if best == nil {
		return pickBySemver(active, forge.LatestVersion)
	}
	logging.RegistryDebug("Best version of %s is %s (weight=%.3f)", toolID, best.Version, bestWeight)
	return best, nil
}

// Versions lists all stored versions of a tool, newest registration first.
func (r *Registry) Versions(toolID string) ([]string, error) {
	const op = "registry.Versions"

	versions, err := r.store.ListVersions(toolID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fault.New(fault.NotFound, op, "tool %s not registered", toolID)
	}
	return versions, nil
}

// List returns one summary per registered tool.
func (r *Registry) List() ([]store.ToolSummary, error) {
	return r.store.ListTools()
}

// UpdateTrust replaces a manifest's trust block. Downgrades of the trust
// level are rejected unless force is set; validation and risk scores must be
// in [0,1].
func (r *Registry) UpdateTrust(toolID, version string, trust forge.Trust, force bool) error {
	const op = "registry.UpdateTrust"

	if !trust.Level.Valid() {
		return fault.New(fault.InvalidInput, op, "unknown trust level %q", trust.Level)
	}
	if trust.ValidationScore < 0 || trust.ValidationScore > 1 || trust.RiskScore < 0 || trust.RiskScore > 1 {
		return fault.New(fault.InvariantViolation, op, "trust scores must be in [0,1]")
	}

	unlock := r.lock(toolID + "@" + version)
	defer unlock()

	m, err := r.store.GetManifest(toolID, version)
	if err != nil {
		return err
	}

	if trust.Level.Rank() < m.Trust.Level.Rank() && !force {
		return fault.New(fault.InvariantViolation, op,
			"trust downgrade %s -> %s requires force", m.Trust.Level, trust.Level)
	}

	m.Trust = trust
	if err := r.store.PutManifest(m); err != nil {
		return err
	}
	logging.Registry("Trust updated for %s@%s: level=%s validation=%.3f risk=%.3f",
		toolID, version, trust.Level, trust.ValidationScore, trust.RiskScore)
	return nil
}

// RecordExecution folds one call into the manifest's bounded window and the
// executions table. Serialized per manifest.
func (r *Registry) RecordExecution(rec forge.ExecutionRecord) error {
	unlock := r.lock(rec.ToolID + "@" + rec.Version)
	defer unlock()

	m, err := r.store.GetManifest(rec.ToolID, rec.Version)
	if err != nil {
		return err
	}

	windowSize := r.cfg.Registry.WindowSize
	m.Metrics.Append(rec, windowSize)

	if err := r.store.AppendExecution(rec, windowSize); err != nil {
		return err
	}
	if err := r.store.PutManifest(m); err != nil {
		return err
	}

	logging.RegistryDebug("Recorded execution %s for %s@%s (window=%d)",
		rec.CallID, rec.ToolID, rec.Version, len(m.Metrics.Window))
	return nil
}

// Archive marks a version archived, removing it from discovery. Exact-version
// lookups still resolve it.
func (r *Registry) Archive(toolID, version string) error {
	unlock := r.lock(toolID + "@" + version)
	defer unlock()

	if err := r.store.SetStatus(toolID, version, forge.StatusArchived); err != nil {
		return err
	}
	logging.Registry("Archived %s@%s", toolID, version)
	return nil
}

// Store exposes the backing store for collaborators (consensus, optimizer)
// that share the same database.
func (r *Registry) Store() *store.Store {
	return r.store
}
