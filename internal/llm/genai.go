// Package llm provides the Gemini-backed collaborator client used for
// inline-llm tools, tool generation, and council review.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"toolforge/internal/types"
)

// GenAIClient implements types.LLMClient on Google's Gemini API.
type GenAIClient struct {
	client       *genai.Client
	defaultModel string
}

// NewGenAIClient creates a Gemini completion client. defaultModel is used
// when a request names no model.
func NewGenAIClient(apiKey, defaultModel string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, defaultModel: defaultModel}, nil
}

// Complete sends a single-turn completion request.
func (c *GenAIClient) Complete(ctx context.Context, req types.CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}
	result, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("GenAI returned an empty completion")
	}
	return text, nil
}

// ListModels returns the models this client will accept. The API-side
// catalog is not consulted; requests for other models fail at call time.
func (c *GenAIClient) ListModels(ctx context.Context) ([]string, error) {
	return []string{c.defaultModel}, nil
}
