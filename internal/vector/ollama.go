package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/logging"
)

const (
	defaultOllamaEndpoint = "http://localhost:11434"
	defaultOllamaModel    = "embeddinggemma"

	// Manifest embedding text is name + description + capability summaries;
	// anything past this adds noise, not signal.
	maxEmbedChars = 8192
)

// OllamaEngine embeds manifest text against a local Ollama server. It is the
// self-hosted alternative to the GenAI engine: same interface, no API key.
type OllamaEngine struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaEngine{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed sends one embedding request. Transport and non-200 outcomes surface
// as server_unavailable so the registry falls back to keyword search.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "vector.ollama.Embed"

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: clipEmbedText(text)})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.ServerUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fault.New(fault.ServerUnavailable, op,
			"ollama status %d: %s", resp.StatusCode, string(detail))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	if len(result.Embedding) == 0 {
		return nil, fault.New(fault.Internal, op, "ollama returned an empty embedding")
	}
	logging.VectorDebug("Ollama embedded %d chars -> %d dims", len(text), len(result.Embedding))
	return result.Embedding, nil
}

// EmbedBatch embeds texts one by one; the Ollama embeddings endpoint has no
// batch form. The first failure aborts the batch so a dead server fails fast
// during index rebuilds.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "vector.ollama.EmbedBatch"

	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fault.New(fault.ServerUnavailable, op,
				"batch item %d/%d: %v", i+1, len(texts), err)
		}
		out[i] = emb
	}
	return out, nil
}

// Dimensions reports the vector width the store's ANN index must match.
// embeddinggemma produces 768-wide vectors.
func (e *OllamaEngine) Dimensions() int { return 768 }

func (e *OllamaEngine) Name() string { return fmt.Sprintf("ollama:%s", e.model) }

// clipEmbedText bounds the prompt sent to the embedding backend.
func clipEmbedText(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	return text[:maxEmbedChars]
}
