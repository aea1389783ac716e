package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/types"
)

var reviewDimensions = []string{"correctness", "safety", "resilience"}

// buildReviewPrompt summarizes the manifest for a reviewer model.
func buildReviewPrompt(m *forge.ToolManifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the following machine-generated tool for correctness, safety, and resilience.\n\n")
	fmt.Fprintf(&b, "Tool: %s (%s)\nType: %s\nDescription: %s\n", m.Name, m.Key(), m.Type, m.Description)
	for _, capSpec := range m.Capabilities {
		fmt.Fprintf(&b, "Capability: %s\n", capSpec.Name)
		if len(capSpec.Preconditions) > 0 {
			fmt.Fprintf(&b, "  preconditions: %s\n", strings.Join(capSpec.Preconditions, "; "))
		}
		if len(capSpec.Postconditions) > 0 {
			fmt.Fprintf(&b, "  postconditions: %s\n", strings.Join(capSpec.Postconditions, "; "))
		}
	}
	switch {
	case m.Interfaces.Native != nil:
		fmt.Fprintf(&b, "\nEmbedded source:\n%s\n", m.Interfaces.Native.Source)
	case m.Interfaces.Server != nil:
		fmt.Fprintf(&b, "\nServes via subprocess: %s %s\n", m.Interfaces.Server.Command, strings.Join(m.Interfaces.Server.Args, " "))
	case m.Interfaces.InlineLLM != nil:
		fmt.Fprintf(&b, "\nPrompt template:\n%s\n", m.Interfaces.InlineLLM.PromptTemplate)
	case m.Interfaces.Workflow != nil:
		fmt.Fprintf(&b, "\nWorkflow of %d steps\n", len(m.Interfaces.Workflow.Steps))
	}
	b.WriteString("\nRespond with only a JSON object: {\"correctness\": 0.0-1.0, \"safety\": 0.0-1.0, \"resilience\": 0.0-1.0}")
	return b.String()
}

// parseReviewScores extracts the dimension scores from a reviewer
// completion, tolerating code fences and surrounding prose.
func parseReviewScores(text string) ([]float64, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, false
	}
	var scores []float64
	for _, dim := range reviewDimensions {
		v, ok := raw[dim].(float64)
		if !ok {
			continue
		}
		scores = append(scores, forge.Clamp01(v))
	}
	return scores, len(scores) > 0
}

// reviewStage asks each configured reviewer model to score the tool and
// averages every extracted dimension. No collaborator or no models means
// the artifact is absent; reviewers that all fail to produce scores mean
// the stage fails.
func (c *Council) reviewStage(ctx context.Context, m *forge.ToolManifest) StageResult {
	sr := StageResult{Stage: StageReview}
	models := c.cfg.Council.ReviewModels
	if c.llm == nil || len(models) == 0 {
		sr.Passed, sr.Score, sr.Vacuous = true, 1.0, true
		sr.Detail = "no reviewer models configured"
		return sr
	}
	prompt := buildReviewPrompt(m)
	var scores []float64
	var problems []string
	for _, model := range models {
		text, err := c.llm.Complete(ctx, types.CompletionRequest{Model: model, Prompt: prompt})
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", model, err))
			continue
		}
		dims, ok := parseReviewScores(text)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: unscorable reply", model))
			continue
		}
		scores = append(scores, dims...)
		logging.CouncilDebug("reviewer %s scored %s: %v", model, m.Key(), dims)
	}
	if len(scores) == 0 {
		sr.Detail = "no reviewer returned scores: " + strings.Join(problems, "; ")
		return sr
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	sr.Score = sum / float64(len(scores))
	sr.Passed = sr.Score >= c.cfg.Council.ReviewThreshold
	if len(problems) > 0 {
		sr.Detail = strings.Join(problems, "; ")
	}
	return sr
}
