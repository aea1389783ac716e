// Package vector provides embedding generation and similarity math for
// semantic tool discovery. Supports multiple backends: Google GenAI (cloud),
// Ollama (local server), and a deterministic offline hasher.
package vector

import (
	"context"
	"fmt"
	"math"

	"toolforge/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// =============================================================================
// ENGINE CONFIGURATION
// =============================================================================

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "genai", "ollama", or "local"
	Provider string `json:"provider"`

	// GenAI configuration
	APIKey string `json:"api_key"`
	Model  string `json:"model"` // Default: "gemini-embedding-001"

	// TaskType for GenAI: "SEMANTIC_SIMILARITY", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT"
	TaskType string `json:"task_type"`

	// Ollama configuration
	Endpoint string `json:"endpoint"` // Default: "http://localhost:11434"

	// Dimensions for the local deterministic engine
	Dimensions int `json:"dimensions"`
}

// DefaultConfig returns sensible defaults. The local engine is the default so
// the registry works offline; cloud embeddings are opt-in via config.
func DefaultConfig() Config {
	return Config{
		Provider:   "local",
		Model:      "gemini-embedding-001",
		TaskType:   "SEMANTIC_SIMILARITY",
		Endpoint:   "http://localhost:11434",
		Dimensions: 256,
	}
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryVector, "NewEngine")
	defer timer.Stop()

	logging.Vector("Creating embedding engine with provider=%s", cfg.Provider)

	var engine Engine
	var err error

	switch cfg.Provider {
	case "genai":
		logging.Vector("Initializing GenAI embedding engine: model=%s, task_type=%s", cfg.Model, cfg.TaskType)
		engine, err = NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.TaskType)
	case "ollama":
		logging.Vector("Initializing Ollama embedding engine: endpoint=%s, model=%s", cfg.Endpoint, cfg.Model)
		engine, err = NewOllamaEngine(cfg.Endpoint, cfg.Model)
	case "local", "":
		engine, err = NewLocalEngine(cfg.Dimensions)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use 'genai', 'ollama', or 'local')", cfg.Provider)
		logging.Get(logging.CategoryVector).Error("Unsupported embedding provider: %s", cfg.Provider)
		return nil, err
	}

	if err != nil {
		logging.Get(logging.CategoryVector).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Vector("Embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// COSINE SIMILARITY
// =============================================================================

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the indices of the top K most similar vectors to the query,
// sorted by cosine similarity descending. Vectors with mismatched dimensions
// are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		similarity, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: similarity})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryVector).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	// Partial selection sort is fine for small K
	for i := 0; i < len(results) && i < k; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	if len(results) > k {
		results = results[:k]
	}
	return results
}
