package registry

import (
	"context"
	"sort"
	"strings"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/store"
)

// QueryRequest is a semantic discovery request, optionally constrained.
type QueryRequest struct {
	Text string
	// Limit caps the result count; <= 0 uses the configured default.
	Limit int

	// Constraints. Zero values mean unconstrained.
	Type           forge.ToolType
	Tags           []string
	TrustAtLeast   forge.TrustLevel
	MaxLatencyMs   float64
	MaxRiskScore   float64
	MinCorrectness float64
}

// QueryResult pairs a manifest with its ranking signals.
type QueryResult struct {
	Manifest   *forge.ToolManifest
	Similarity float64
	Weight     float64
}

// Query finds active tools semantically close to the request text. It
// over-fetches twice the limit, applies constraints, then ranks by
// consensus weight with similarity and recency breaking ties; similarity
// only gates candidacy. When no embedding engine is available (or
// embedding fails) it degrades to keyword overlap.
func (r *Registry) Query(ctx context.Context, req QueryRequest) ([]QueryResult, error) {
	const op = "registry.Query"
	timer := logging.StartTimer(logging.CategoryRegistry, "Query")
	defer timer.Stop()

	if strings.TrimSpace(req.Text) == "" {
		return nil, fault.New(fault.InvalidInput, op, "query text is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = r.cfg.Registry.DefaultLimit
	}

	hits, err := r.candidateHits(ctx, req.Text, limit*2)
	if err != nil {
		return nil, err
	}

	threshold := r.cfg.Vector.ScoreThreshold
	scorer := r.currentScorer()

	results := make([]QueryResult, 0, len(hits))
	for _, hit := range hits {
		if hit.Similarity < threshold {
			continue
		}
		m, err := r.store.GetManifest(hit.ToolID, hit.Version)
		if err != nil {
			logging.RegistryDebug("Query candidate %s@%s vanished: %v", hit.ToolID, hit.Version, err)
			continue
		}
		if !matchesConstraints(m, req) {
			continue
		}

		weight := 0.0
		if scorer != nil {
			if w, err := scorer.CurrentWeight(ctx, m.ToolID, m.Version); err == nil {
				weight = w
			}
		}
		results = append(results, QueryResult{Manifest: m, Similarity: hit.Similarity, Weight: weight})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Weight != results[j].Weight {
			return results[i].Weight > results[j].Weight
		}
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Manifest.Origin.CreatedAt.After(results[j].Manifest.Origin.CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	logging.Registry("Query %q returned %d results (candidates=%d)", req.Text, len(results), len(hits))
	return results, nil
}

// candidateHits runs the similarity search, falling back to keyword overlap.
func (r *Registry) candidateHits(ctx context.Context, text string, fetch int) ([]store.SearchHit, error) {
	if r.engine != nil {
		emb, err := r.engine.Embed(ctx, text)
		if err == nil {
			hits, err := r.store.SearchSimilar(emb, fetch, true)
			if err == nil {
				return hits, nil
			}
			logging.Get(logging.CategoryRegistry).Warn("Similarity search failed: %v", err)
		} else {
			logging.Get(logging.CategoryRegistry).Warn("Query embedding failed, using keyword fallback: %v", err)
		}
	}
	return r.store.SearchKeyword(text, fetch, true)
}

// matchesConstraints applies the request's filters to one manifest.
func matchesConstraints(m *forge.ToolManifest, req QueryRequest) bool {
	if req.Type != "" && m.Type != req.Type {
		return false
	}
	if req.TrustAtLeast != "" && m.Trust.Level.Rank() < req.TrustAtLeast.Rank() {
		return false
	}
	if req.MaxRiskScore > 0 && m.Trust.RiskScore > req.MaxRiskScore {
		return false
	}
	if req.MaxLatencyMs > 0 {
		// Missing latency evidence counts as infinitely slow.
		if m.Metrics.Latest == nil || m.Metrics.Latest.P95LatencyMs <= 0 ||
			m.Metrics.Latest.P95LatencyMs > req.MaxLatencyMs {
			return false
		}
	}
	if req.MinCorrectness > 0 {
		// Missing correctness evidence counts as zero.
		if m.Metrics.Latest == nil || m.Metrics.Latest.Correctness < req.MinCorrectness {
			return false
		}
	}
	if len(req.Tags) > 0 {
		have := make(map[string]bool, len(m.Tags))
		for _, tag := range m.Tags {
			have[tag] = true
		}
		for _, want := range req.Tags {
			if !have[want] {
				return false
			}
		}
	}
	return true
}
