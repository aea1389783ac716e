package director

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/types"
)

const generateSystem = `You write small single-purpose Go tools.
Respond with a single JSON object, no prose, no markdown fences:
{
  "name": "<short human name>",
  "tool_id": "<snake_case identifier>",
  "description": "<one sentence>",
  "tags": ["<tag>", ...],
  "input_schema": {<JSON Schema for the input object>},
  "output_schema": {<JSON Schema for the output object>},
  "source": "<Go source defining: func RunTool(input map[string]interface{}) (interface{}, error)>"
}
The source must be self-contained: standard library only, no goroutines,
no file or network access.`

// draft is the shape the generator model must return.
type draft struct {
	Name         string          `json:"name"`
	ToolID       string          `json:"tool_id"`
	Description  string          `json:"description"`
	Tags         []string        `json:"tags"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Source       string          `json:"source"`
}

// generate asks the collaborator model for a new native tool covering the
// intent and registers it. The result starts at experimental trust with the
// maximum risk score; the council decides whether it ever runs.
func (d *Director) generate(ctx context.Context, intent Intent) (*forge.ToolManifest, error) {
	const op = "director.generate"

	if d.llm == nil {
		return nil, fault.New(fault.NotFound, op, "no tool matches the intent and no generator model is configured")
	}

	timer := logging.StartTimer(logging.CategoryDirector, "generate")
	defer timer.Stop()

	raw, err := d.llm.Complete(ctx, types.CompletionRequest{
		Model:       d.cfg.Director.GenerationModel,
		System:      generateSystem,
		Prompt:      "Write a tool for this request:\n" + intent.Text,
		Temperature: 0.4,
		MaxTokens:   4096,
	})
	if err != nil {
		return nil, fault.Wrap(fault.ServerUnavailable, op, err)
	}

	var dr draft
	if err := json.Unmarshal(jsonBlock(raw), &dr); err != nil {
		return nil, fault.New(fault.Internal, op, "generator returned unparseable draft: %v", err)
	}
	if strings.TrimSpace(dr.Source) == "" || strings.TrimSpace(dr.ToolID) == "" {
		return nil, fault.New(fault.Internal, op, "generator draft missing tool_id or source")
	}

	m := &forge.ToolManifest{
		ToolID:      sanitizeToolID(dr.ToolID),
		Version:     "1.0.0",
		Name:        dr.Name,
		Type:        forge.TypeNative,
		Description: dr.Description,
		Origin: forge.Origin{
			Author:      "director",
			SourceModel: d.cfg.Director.GenerationModel,
			CreatedAt:   time.Now().UTC(),
		},
		Lineage: forge.Lineage{
			MutationReason: "generated for intent",
			Commits: []forge.CommitRecord{{
				ID:        uuid.NewString(),
				Timestamp: time.Now().UTC(),
				Summary:   "initial generation",
			}},
		},
		Capabilities: []forge.Capability{{
			Name:         capName(dr),
			InputSchema:  dr.InputSchema,
			OutputSchema: dr.OutputSchema,
		}},
		Interfaces: forge.InterfaceBindings{
			Native: &forge.NativeBinding{Source: dr.Source},
			Speed:  forge.SpeedFast,
		},
		Trust:  forge.Trust{Level: forge.TrustExperimental, RiskScore: 1.0},
		Tags:   dr.Tags,
		Status: forge.StatusActive,
	}
	if m.Name == "" {
		m.Name = m.ToolID
	}

	if err := d.registry.Register(ctx, m); err != nil {
		return nil, err
	}
	logging.Director("Generated %s for intent %q", m.Key(), intent.Text)
	return m, nil
}

func capName(dr draft) string {
	if dr.ToolID != "" {
		return sanitizeToolID(dr.ToolID)
	}
	return "run"
}

// sanitizeToolID lowercases and squeezes the id into [a-z0-9_].
func sanitizeToolID(id string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
