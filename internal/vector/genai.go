package vector

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"toolforge/internal/fault"
	"toolforge/internal/logging"
)

const defaultGenAIModel = "gemini-embedding-001"

// GenAIEngine embeds manifest text through the Gemini embedding API. Manifest
// registration uses a document task type and discovery queries a query task
// type would fit better, but one engine serves both sides of the index, so
// the task type is fixed at construction and defaults to semantic similarity.
type GenAIEngine struct {
	client   *genai.Client
	model    string
	taskType string
}

func NewGenAIEngine(apiKey, model, taskType string) (*GenAIEngine, error) {
	const op = "vector.genai.New"

	if apiKey == "" {
		return nil, fault.New(fault.InvalidInput, op, "GenAI API key is required")
	}
	if model == "" {
		model = defaultGenAIModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fault.Wrap(fault.ServerUnavailable, op, err)
	}
	return &GenAIEngine{client: client, model: model, taskType: embedTask(taskType)}, nil
}

// embedTask maps the config string onto the SDK's task type, defaulting to
// semantic similarity for anything unrecognized.
func embedTask(taskType string) string {
	switch taskType {
	case "RETRIEVAL_DOCUMENT":
		return "RETRIEVAL_DOCUMENT"
	case "RETRIEVAL_QUERY":
		return "RETRIEVAL_QUERY"
	case "CLUSTERING":
		return "CLUSTERING"
	case "CODE_RETRIEVAL_QUERY":
		return "CODE_RETRIEVAL_QUERY"
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Embed returns one vector for one text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "vector.genai.Embed"

	vectors, err := e.embed(ctx, op, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds all texts in a single API call; the endpoint accepts
// multiple contents natively. Registrations batch their capability summaries
// through here.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "vector.genai.EmbedBatch"

	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, op, texts)
}

func (e *GenAIEngine) embed(ctx context.Context, op string, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(clipEmbedText(text), genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: e.taskType})
	if err != nil {
		return nil, fault.Wrap(fault.ServerUnavailable, op, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fault.New(fault.Internal, op,
			"embedding count mismatch: sent %d, got %d", len(texts), len(result.Embeddings))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	logging.VectorDebug("GenAI embedded %d texts with %s", len(texts), e.model)
	return out, nil
}

// Dimensions reports the vector width the store's ANN index must match.
// gemini-embedding-001 produces 768-wide vectors at the default output size.
func (e *GenAIEngine) Dimensions() int { return 768 }

func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }
