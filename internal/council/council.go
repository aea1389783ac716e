// Package council validates tool versions through ordered stages and
// assigns trust from the outcome. Acceptance and unit checks come from a
// per-tool YAML suite of shell commands; the load stage drives the runtime;
// the security stage scans embedded source; the review stage polls the
// configured reviewer models. A stage whose artifact is missing passes
// vacuously with a flag so empty passes stay visible.
package council

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"toolforge/internal/config"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	toolruntime "toolforge/internal/runtime"
	"toolforge/internal/types"
)

// Stage names, in run order.
const (
	StageBDD      = "bdd_acceptance"
	StageUnit     = "unit_tests"
	StageLoad     = "load_test"
	StageSecurity = "security_scan"
	StageReview   = "llm_review"
)

var stageOrder = []string{StageBDD, StageUnit, StageLoad, StageSecurity, StageReview}

// Finding severities for the security stage.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Finding is one security-scan observation.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// StageResult is the outcome of one validation stage.
type StageResult struct {
	Stage      string    `json:"stage"`
	Passed     bool      `json:"passed"`
	Score      float64   `json:"score"`
	Vacuous    bool      `json:"vacuous,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Findings   []Finding `json:"findings,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Report is the council's verdict for one tool version.
type Report struct {
	ToolID          string        `json:"tool_id"`
	Version         string        `json:"version"`
	OK              bool          `json:"ok"`
	ValidationScore float64       `json:"validation_score"`
	Stages          []StageResult `json:"stage_results"`
	Trust           *forge.Trust  `json:"trust,omitempty"`
}

// StageScores maps stage name to score, the shape the consensus engine
// consumes as validation evidence.
func (r *Report) StageScores() map[string]float64 {
	out := make(map[string]float64, len(r.Stages))
	for _, sr := range r.Stages {
		out[sr.Stage] = sr.Score
	}
	return out
}

// Registry is the council's view of the manifest authority.
type Registry interface {
	Get(ctx context.Context, toolID, versionExpr string) (*forge.ToolManifest, error)
	UpdateTrust(toolID, version string, trust forge.Trust, force bool) error
}

// Executor drives load-stage characterization calls. *runtime.Runtime
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req toolruntime.Request) (*toolruntime.Result, error)
}

// Council runs the validation stages.
type Council struct {
	registry Registry
	exec     Executor
	llm      types.LLMClient
	shell    ShellRunner
	cfg      *config.Config
}

// New builds a council. exec and llm may be nil; the stages that need them
// then pass vacuously.
func New(reg Registry, exec Executor, llm types.LLMClient, cfg *config.Config) *Council {
	return &Council{registry: reg, exec: exec, llm: llm, shell: runShell, cfg: cfg}
}

// suitePath locates the tool's validation suite artifact.
func (c *Council) suitePath(m *forge.ToolManifest) string {
	return filepath.Join(c.cfg.Council.ArtifactDir, m.FileStem()+".yaml")
}

// selectStages resolves the requested subset, preserving canonical order.
// Nil or empty selects every stage.
func selectStages(requested []string) ([]string, error) {
	const op = "council.stages"
	if len(requested) == 0 {
		return stageOrder, nil
	}
	want := map[string]bool{}
	for _, name := range requested {
		found := false
		for _, known := range stageOrder {
			if name == known {
				found = true
				break
			}
		}
		if !found {
			return nil, fault.New(fault.InvalidInput, op, "unknown stage %q", name)
		}
		want[name] = true
	}
	var out []string
	for _, name := range stageOrder {
		if want[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// levelFor maps a validation score to the trust level it earns.
func levelFor(score float64) forge.TrustLevel {
	switch {
	case score >= 0.95:
		return forge.TrustCore
	case score >= 0.80:
		return forge.TrustThirdParty
	default:
		return forge.TrustExperimental
	}
}

// Validate runs the selected stages in order, failing fast on the first
// stage that does not pass. A failed run reports OK=false and leaves trust
// untouched; a successful run rewrites the manifest's trust from the score.
func (c *Council) Validate(ctx context.Context, toolID, version string, stages []string) (*Report, error) {
	const op = "council.validate"
	if strings.TrimSpace(toolID) == "" {
		return nil, fault.New(fault.InvalidInput, op, "empty tool_id")
	}
	selected, err := selectStages(stages)
	if err != nil {
		return nil, err
	}
	m, err := c.registry.Get(ctx, toolID, version)
	if err != nil {
		return nil, err
	}

	suite, loadErr := LoadSuite(c.suitePath(m))
	report := &Report{ToolID: m.ToolID, Version: m.Version}
	timer := logging.StartTimer(logging.CategoryCouncil, "validate "+m.Key())

	for _, name := range selected {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.GetStageTimeout())
		start := time.Now()
		var sr StageResult
		switch name {
		case StageBDD:
			sr = c.bddStage(sctx, suite, loadErr)
		case StageUnit:
			sr = c.unitStage(sctx, suite, loadErr)
		case StageLoad:
			sr = c.loadStage(sctx, m)
		case StageSecurity:
			sr = c.securityStage(m)
		case StageReview:
			sr = c.reviewStage(sctx, m)
		}
		cancel()
		sr.DurationMs = time.Since(start).Milliseconds()
		report.Stages = append(report.Stages, sr)
		logging.CouncilDebug("stage %s for %s: passed=%t score=%.3f vacuous=%t", name, m.Key(), sr.Passed, sr.Score, sr.Vacuous)
		if !sr.Passed {
			break
		}
	}
	timer.Stop()

	var sum float64
	allPassed := len(report.Stages) == len(selected)
	for _, sr := range report.Stages {
		sum += sr.Score
		if !sr.Passed {
			allPassed = false
		}
	}
	if len(report.Stages) > 0 {
		report.ValidationScore = sum / float64(len(report.Stages))
	}
	report.OK = allPassed

	if !report.OK {
		logging.Council("validation failed for %s at stage %s (score %.3f)",
			m.Key(), report.Stages[len(report.Stages)-1].Stage, report.ValidationScore)
		return report, nil
	}

	trust := forge.Trust{
		Level:           levelFor(report.ValidationScore),
		ValidationScore: report.ValidationScore,
		RiskScore:       forge.Clamp01(1 - report.ValidationScore),
	}
	// The council's evidence is the authority for both directions, so a
	// demotion goes through with force.
	if err := c.registry.UpdateTrust(m.ToolID, m.Version, trust, true); err != nil {
		return report, err
	}
	report.Trust = &trust
	logging.Council("validated %s: score %.3f, trust %s", m.Key(), report.ValidationScore, trust.Level)
	return report, nil
}
