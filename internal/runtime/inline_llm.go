package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/types"
)

// renderPrompt substitutes {{input}} with the canonical input JSON and
// {{name}} with the matching top-level input field. Strings substitute
// verbatim; other values substitute as JSON.
func renderPrompt(template string, input interface{}) (string, error) {
	canonical, err := forge.StableJSON(input)
	if err != nil {
		return "", err
	}
	rendered := strings.ReplaceAll(template, "{{input}}", string(canonical))

	fields, ok := input.(map[string]interface{})
	if !ok {
		return rendered, nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		placeholder := "{{" + name + "}}"
		if !strings.Contains(rendered, placeholder) {
			continue
		}
		var value string
		if s, isString := fields[name].(string); isString {
			value = s
		} else {
			raw, err := json.Marshal(fields[name])
			if err != nil {
				return "", err
			}
			value = string(raw)
		}
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}
	return rendered, nil
}

// callInlineLLM renders the binding's prompt template and sends it to the
// LLM collaborator. Responses that parse as JSON come back decoded;
// anything else comes back as the raw text.
func (r *Runtime) callInlineLLM(ctx context.Context, m *forge.ToolManifest, input interface{}) (interface{}, error) {
	const op = "runtime.inline_llm"
	binding := m.Interfaces.InlineLLM
	if binding == nil || strings.TrimSpace(binding.PromptTemplate) == "" {
		return nil, fault.New(fault.InvalidInput, op, "manifest has no prompt template")
	}
	if r.llm == nil {
		return nil, fault.New(fault.ServerUnavailable, op, "no LLM collaborator configured")
	}
	prompt, err := renderPrompt(binding.PromptTemplate, input)
	if err != nil {
		return nil, fault.New(fault.InvalidInput, op, "prompt render failed: %v", err)
	}
	model := binding.Model
	if model == "" {
		model = r.cfg.Director.GenerationModel
	}
	text, err := r.llm.Complete(ctx, types.CompletionRequest{
		Model:       model,
		Prompt:      prompt,
		System:      fmt.Sprintf("You are the tool %s. Respond with the tool output only.", m.Name),
		Temperature: binding.Temperature,
	})
	if err != nil {
		if kerr := fault.FromContext(op, err); fault.KindOf(kerr) != fault.Internal {
			return nil, kerr
		}
		return nil, fault.Wrap(fault.ServerUnavailable, op, err)
	}
	trimmed := strings.TrimSpace(text)
	var decoded interface{}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
		return decoded, nil
	}
	return trimmed, nil
}
