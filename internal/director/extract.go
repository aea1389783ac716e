package director

import (
	"context"
	"encoding/json"
	"strings"

	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/types"
)

const extractSystem = `You map an operator request onto a tool capability.
Respond with a single JSON object:
{"capability": "<short snake_case capability label>", "tags": ["<tag>", ...]}
No prose, no markdown fences.`

const inputSystem = `You prepare the input for a tool call.
Given the tool's JSON Schema for its input and the operator request,
respond with a single JSON object that conforms to the schema.
No prose, no markdown fences.`

// extractCapability distills the intent into a capability label plus tags.
// Without an LLM (or on any extraction failure) the raw intent text stands
// in as the label, which degrades discovery to plain semantic search.
func (d *Director) extractCapability(ctx context.Context, text string) (string, []string) {
	if d.llm == nil {
		return text, nil
	}
	raw, err := d.llm.Complete(ctx, types.CompletionRequest{
		Model:       d.cfg.Director.GenerationModel,
		System:      extractSystem,
		Prompt:      text,
		Temperature: 0.1,
		MaxTokens:   256,
	})
	if err != nil {
		logging.DirectorDebug("Capability extraction failed, using raw intent: %v", err)
		return text, nil
	}
	var parsed struct {
		Capability string   `json:"capability"`
		Tags       []string `json:"tags"`
	}
	if err := json.Unmarshal(jsonBlock(raw), &parsed); err != nil || strings.TrimSpace(parsed.Capability) == "" {
		logging.DirectorDebug("Capability extraction returned no usable JSON, using raw intent")
		return text, nil
	}
	return parsed.Capability, parsed.Tags
}

// prepareInput builds the call input for the tool's first capability. The
// fallback on any failure is the intent wrapped as {"intent": text}, which
// inline-llm tools accept directly.
func (d *Director) prepareInput(ctx context.Context, intent Intent, m *forge.ToolManifest) map[string]interface{} {
	fallback := map[string]interface{}{"intent": intent.Text}
	if d.llm == nil || len(m.Capabilities) == 0 || len(m.Capabilities[0].InputSchema) == 0 {
		return fallback
	}

	prompt := "Input schema:\n" + string(m.Capabilities[0].InputSchema) +
		"\n\nOperator request:\n" + intent.Text
	raw, err := d.llm.Complete(ctx, types.CompletionRequest{
		Model:       d.cfg.Director.GenerationModel,
		System:      inputSystem,
		Prompt:      prompt,
		Temperature: 0.1,
		MaxTokens:   1024,
	})
	if err != nil {
		logging.DirectorDebug("Input preparation failed for %s: %v", m.Key(), err)
		return fallback
	}
	var input map[string]interface{}
	if err := json.Unmarshal(jsonBlock(raw), &input); err != nil || len(input) == 0 {
		return fallback
	}
	return input
}

// jsonBlock slices the first { to the last } so fenced or chatty completions
// still parse.
func jsonBlock(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}
