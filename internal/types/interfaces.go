// Package types holds the collaborator interfaces shared across forge
// components. It exists to break import cycles: the director, the runtime,
// and the validation council all consume the LLM collaborator without
// depending on each other.
package types

import (
	"context"
)

// CompletionRequest carries one LLM completion call. The deadline travels on
// the context; routing, retry, and truncation are the collaborator's concern.
type CompletionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// LLMClient defines the interface for LLM interactions. The core only sees
// text or a failure.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}

// UsageMetadata captures token usage metrics from the LLM.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
