// Package consensus aggregates evidence about a tool version into a single
// weighted score. Evidence comes from the execution window, the latest
// validation outcome, the cost tracker, and the trust record; each dimension
// is scored in [0,1], weighted, and the aggregate persisted as an immutable
// ConsensusScore row. Constraints reshape the weights before aggregation and
// stored weights decay exponentially at read time.
package consensus

import (
	"context"
	"math"
	"strings"
	"time"

	"toolforge/internal/config"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/store"
	"toolforge/internal/usage"
)

// latencyCeilingMs is the latency at which the latency dimension bottoms out.
const latencyCeilingMs = 1000.0

// costCeilingUSD is the per-call cost at which the cost dimension bottoms
// out. A call at or above one cent scores zero.
const costCeilingUSD = 0.01

// strictRiskCeiling marks a risk constraint as strict enough to trigger the
// safety-heavy weight profile.
const strictRiskCeiling = 0.3

// ExecutionRecorder appends one execution record to a manifest's bounded
// window. The registry satisfies this.
type ExecutionRecorder interface {
	RecordExecution(rec forge.ExecutionRecord) error
}

// Constraints reshape dimension weights before aggregation. Zero values are
// inactive.
type Constraints struct {
	LatencyP95Ms   float64 `json:"latency_ms_p95,omitempty"`
	MaxRiskScore   float64 `json:"max_risk_score,omitempty"`
	MaxCostPerCall float64 `json:"max_cost_per_call,omitempty"`
}

func (c Constraints) active() bool {
	return c.LatencyP95Ms > 0 || (c.MaxRiskScore > 0 && c.MaxRiskScore <= strictRiskCeiling) || c.MaxCostPerCall > 0
}

// ValidationEvidence is the slice of a council verdict the scorer consumes:
// the overall validation score plus per-stage scores for the safety mean.
type ValidationEvidence struct {
	Score       float64
	StageScores map[string]float64
}

// ScoreRequest identifies the tool version to score plus optional evidence
// overrides. Nil History falls back to the manifest's stored window; nil
// Validation falls back to the manifest's trust record.
type ScoreRequest struct {
	ToolID  string
	Version string

	History     []forge.ExecutionRecord
	Validation  *ValidationEvidence
	Constraints Constraints
}

// Engine computes, persists, and serves consensus scores.
type Engine struct {
	store    *store.Store
	tracker  *usage.Tracker
	recorder ExecutionRecorder
	cfg      *config.Config
}

// New creates a consensus engine. tracker may be nil; the cost dimension
// then always uses the configured default.
func New(st *store.Store, tracker *usage.Tracker, cfg *config.Config) *Engine {
	return &Engine{store: st, tracker: tracker, cfg: cfg}
}

// SetRecorder wires in the window recorder (the registry). Without one,
// RecordExecution only rescores.
func (e *Engine) SetRecorder(r ExecutionRecorder) {
	e.recorder = r
}

// DefaultWeights returns the baseline dimension weights.
func DefaultWeights() map[forge.Dimension]float64 {
	return map[forge.Dimension]float64{
		forge.DimCorrectness: 0.30,
		forge.DimLatency:     0.25,
		forge.DimCost:        0.15,
		forge.DimSafety:      0.20,
		forge.DimResilience:  0.10,
	}
}

// Constraint profiles. Each sums to 1 on its own; combined constraints take
// the per-dimension maximum and renormalize.
var (
	latencyProfile = map[forge.Dimension]float64{
		forge.DimCorrectness: 0.25,
		forge.DimLatency:     0.40,
		forge.DimCost:        0.10,
		forge.DimSafety:      0.10,
		forge.DimResilience:  0.15,
	}
	safetyProfile = map[forge.Dimension]float64{
		forge.DimCorrectness: 0.25,
		forge.DimLatency:     0.15,
		forge.DimCost:        0.10,
		forge.DimSafety:      0.35,
		forge.DimResilience:  0.15,
	}
	costProfile = map[forge.Dimension]float64{
		forge.DimCorrectness: 0.25,
		forge.DimLatency:     0.20,
		forge.DimCost:        0.30,
		forge.DimSafety:      0.15,
		forge.DimResilience:  0.10,
	}
)

// weightsFor selects the weight table for the given constraints.
func weightsFor(c Constraints) map[forge.Dimension]float64 {
	var profiles []map[forge.Dimension]float64
	if c.LatencyP95Ms > 0 {
		profiles = append(profiles, latencyProfile)
	}
	if c.MaxRiskScore > 0 && c.MaxRiskScore <= strictRiskCeiling {
		profiles = append(profiles, safetyProfile)
	}
	if c.MaxCostPerCall > 0 {
		profiles = append(profiles, costProfile)
	}
	if len(profiles) == 0 {
		return DefaultWeights()
	}

	combined := make(map[forge.Dimension]float64, len(forge.Dimensions))
	for _, p := range profiles {
		for dim, w := range p {
			if w > combined[dim] {
				combined[dim] = w
			}
		}
	}
	normalize(combined)
	return combined
}

// normalize rescales weights in place to sum to 1.
func normalize(weights map[forge.Dimension]float64) {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return
	}
	for dim, w := range weights {
		weights[dim] = w / total
	}
}

// Score synthesizes dimension scores from the available evidence, reweights
// them by the request constraints, persists the record, and returns it.
//
// A dimension with no source is omitted and the remaining weights are
// renormalized. When no dimension has a source the call fails with
// insufficient_evidence; if a previous score exists it is returned alongside
// the error so callers can fall back to stale evidence deliberately.
func (e *Engine) Score(ctx context.Context, req ScoreRequest) (*forge.ConsensusScore, error) {
	const op = "consensus.Score"
	timer := logging.StartTimer(logging.CategoryConsensus, "Score")
	defer timer.Stop()

	if req.ToolID == "" || req.Version == "" {
		return nil, fault.New(fault.InvalidInput, op, "tool_id and version are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.FromContext(op, err)
	}

	m, err := e.store.GetManifest(req.ToolID, req.Version)
	if err != nil {
		return nil, err
	}

	dims, contribs := e.gather(m, req)
	if len(dims) == 0 {
		if last, lerr := e.store.LatestScore(req.ToolID, req.Version); lerr == nil {
			return last, fault.New(fault.InsufficientEvidence, op,
				"no current evidence for %s@%s; previous score from %s available",
				req.ToolID, req.Version, last.CreatedAt.Format(time.RFC3339))
		}
		return nil, fault.New(fault.InsufficientEvidence, op,
			"no evidence for %s@%s: no executions, validation, or cost data", req.ToolID, req.Version)
	}

	// Cost is defaulted rather than omitted, but only once some other
	// evidence exists; a default alone must not manufacture a score.
	if _, ok := dims[forge.DimCost]; !ok {
		dims[forge.DimCost] = e.cfg.Consensus.DefaultCostScore
		contribs = append(contribs, forge.EvaluatorContribution{
			EvaluatorID: "cost_default", Dimension: forge.DimCost, Value: e.cfg.Consensus.DefaultCostScore,
		})
	}

	weights := weightsFor(req.Constraints)
	for dim := range weights {
		if _, ok := dims[dim]; !ok {
			delete(weights, dim)
		}
	}
	normalize(weights)

	var agg float64
	for dim, w := range weights {
		agg += w * dims[dim]
	}

	score := &forge.ConsensusScore{
		ToolID:     req.ToolID,
		Version:    req.Version,
		Dimensions: dims,
		Weight:     forge.Clamp01(agg),
		Evaluators: contribs,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.AppendScore(score); err != nil {
		return nil, err
	}

	logging.Consensus("Scored %s@%s: weight=%.3f dims=%d constraints=%v",
		req.ToolID, req.Version, score.Weight, len(dims), req.Constraints.active())
	return score, nil
}

// gather derives every dimension that has a source. Cost from the tracker is
// included here; the config default is applied later in Score so that a
// defaulted cost never counts as evidence on its own.
func (e *Engine) gather(m *forge.ToolManifest, req ScoreRequest) (map[forge.Dimension]float64, []forge.EvaluatorContribution) {
	dims := make(map[forge.Dimension]float64, len(forge.Dimensions))
	var contribs []forge.EvaluatorContribution
	add := func(evaluator string, dim forge.Dimension, v float64) {
		dims[dim] = forge.Clamp01(v)
		contribs = append(contribs, forge.EvaluatorContribution{EvaluatorID: evaluator, Dimension: dim, Value: dims[dim]})
	}

	history := req.History
	if history == nil {
		history = m.Metrics.Window
	}
	if len(history) > 0 {
		var successes int
		var latencySum float64
		for _, rec := range history {
			if rec.Success {
				successes++
				latencySum += float64(rec.LatencyMs)
			}
		}
		add("execution_window", forge.DimResilience, float64(successes)/float64(len(history)))
		if successes > 0 {
			mean := latencySum / float64(successes)
			add("execution_window", forge.DimLatency, math.Max(0, 1-mean/latencyCeilingMs))
		}
	}

	switch {
	case req.Validation != nil:
		add("validation_council", forge.DimCorrectness, req.Validation.Score)
		if safety, ok := safetyStageMean(req.Validation.StageScores); ok {
			add("validation_council", forge.DimSafety, safety)
		}
	case m.Trust.ValidationScore > 0:
		// The trust record carries the last council outcome.
		add("trust_record", forge.DimCorrectness, m.Trust.ValidationScore)
		add("trust_record", forge.DimSafety, 1-m.Trust.RiskScore)
	}

	if e.tracker != nil {
		if perCall, ok := e.tracker.CostPerCall(m.ToolID, m.Version); ok {
			add("cost_tracker", forge.DimCost, 1-math.Min(1, perCall/costCeilingUSD))
		}
	}

	return dims, contribs
}

// safetyStageMean averages the scores of stages whose name mentions security
// or safety.
func safetyStageMean(stages map[string]float64) (float64, bool) {
	var sum float64
	var n int
	for name, score := range stages {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "security") || strings.Contains(lower, "safety") {
			sum += score
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// RecordExecution appends one execution to the manifest window through the
// wired recorder and rescores the tool version. A rescore that fails for
// lack of evidence is not an error; the record itself is the point.
func (e *Engine) RecordExecution(ctx context.Context, rec forge.ExecutionRecord) error {
	const op = "consensus.RecordExecution"

	if rec.ToolID == "" || rec.Version == "" {
		return fault.New(fault.InvalidInput, op, "tool_id and version are required")
	}

	if e.recorder != nil {
		if err := e.recorder.RecordExecution(rec); err != nil {
			return err
		}
	}

	if _, err := e.Score(ctx, ScoreRequest{ToolID: rec.ToolID, Version: rec.Version}); err != nil {
		if fault.Is(err, fault.InsufficientEvidence) {
			logging.ConsensusDebug("Rescore of %s@%s deferred: %v", rec.ToolID, rec.Version, err)
			return nil
		}
		return err
	}
	return nil
}

// CurrentWeight returns the latest stored weight with temporal decay
// applied. Satisfies the registry's Scorer.
func (e *Engine) CurrentWeight(ctx context.Context, toolID, version string) (float64, error) {
	last, err := e.store.LatestScore(toolID, version)
	if err != nil {
		return 0, err
	}
	decayed := last.DecayedWeight(time.Now().UTC(), e.cfg.Consensus.DecayLambda, e.cfg.Consensus.DecayHorizonDays)
	return decayed, nil
}

// History returns stored scores for a tool version since the cutoff, newest
// first. A zero cutoff returns everything.
func (e *Engine) History(toolID, version string, since time.Time) ([]forge.ConsensusScore, error) {
	return e.store.ScoresSince(toolID, version, since)
}
