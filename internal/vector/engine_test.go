package vector

import (
	"context"
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{
			name: "identical",
			a:    []float32{1, 2, 3},
			b:    []float32{1, 2, 3},
			want: 1.0,
		},
		{
			name: "orthogonal",
			a:    []float32{1, 0},
			b:    []float32{0, 1},
			want: 0.0,
		},
		{
			name: "opposite",
			a:    []float32{1, 0},
			b:    []float32{-1, 0},
			want: -1.0,
		},
		{
			name: "zero vector",
			a:    []float32{0, 0},
			b:    []float32{1, 1},
			want: 0.0,
		},
		{
			name:    "dimension mismatch",
			a:       []float32{1, 2},
			b:       []float32{1, 2, 3},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("similarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindTopK(t *testing.T) {
	query := []float32{1, 0, 0}
	corpus := [][]float32{
		{0, 1, 0},       // orthogonal
		{1, 0, 0},       // identical
		{0.9, 0.1, 0},   // close
		{-1, 0, 0},      // opposite
		{1, 2},          // wrong dims, skipped
		{0.5, 0.5, 0.5}, // partial
	}

	results := FindTopK(query, corpus, 3)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Index != 1 {
		t.Errorf("top result index = %d, want 1 (identical vector)", results[0].Index)
	}
	if results[1].Index != 2 {
		t.Errorf("second result index = %d, want 2", results[1].Index)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not sorted descending at %d", i)
		}
	}
}

func TestFindTopKDefaultsK(t *testing.T) {
	corpus := [][]float32{{1, 0}, {0, 1}}
	results := FindTopK([]float32{1, 0}, corpus, 0)
	if len(results) != 2 {
		t.Errorf("got %d results, want all 2 when k defaults", len(results))
	}
}

func TestNewEngineProviders(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantErr  bool
		wantName string
	}{
		{
			name:     "local default",
			cfg:      Config{Provider: "local", Dimensions: 64},
			wantName: "local:fnv-64",
		},
		{
			name:     "empty provider falls back to local",
			cfg:      Config{Dimensions: 256},
			wantName: "local:fnv-256",
		},
		{
			name:     "ollama",
			cfg:      Config{Provider: "ollama", Model: "embeddinggemma"},
			wantName: "ollama:embeddinggemma",
		},
		{
			name:    "genai without key",
			cfg:     Config{Provider: "genai"},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			cfg:     Config{Provider: "quantum"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEngine(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewEngine: %v", err)
			}
			if engine.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", engine.Name(), tt.wantName)
			}
		})
	}
}

func TestLocalEngineDeterministic(t *testing.T) {
	engine, err := NewLocalEngine(128)
	if err != nil {
		t.Fatalf("NewLocalEngine: %v", err)
	}

	ctx := context.Background()
	a1, err := engine.Embed(ctx, "parse cron expressions into schedules")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	a2, err := engine.Embed(ctx, "parse cron expressions into schedules")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	sim, err := CosineSimilarity(a1, a2)
	if err != nil {
		t.Fatalf("CosineSimilarity: %v", err)
	}
	if math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("same text similarity = %v, want 1.0", sim)
	}
}

func TestLocalEngineRelatedTextsCloser(t *testing.T) {
	engine, _ := NewLocalEngine(256)
	ctx := context.Background()

	base, _ := engine.Embed(ctx, "summarize pdf documents and extract key points")
	related, _ := engine.Embed(ctx, "summarize pdf files extracting the main points")
	unrelated, _ := engine.Embed(ctx, "rotate kubernetes certificates on schedule")

	simRelated, _ := CosineSimilarity(base, related)
	simUnrelated, _ := CosineSimilarity(base, unrelated)

	if simRelated <= simUnrelated {
		t.Errorf("related similarity %v should exceed unrelated %v", simRelated, simUnrelated)
	}
}

func TestLocalEngineNormalized(t *testing.T) {
	engine, _ := NewLocalEngine(64)
	emb, err := engine.Embed(context.Background(), "normalize me please")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	var norm float64
	for _, v := range emb {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-5 {
		t.Errorf("embedding L2 norm = %v, want 1.0", math.Sqrt(norm))
	}
}

func TestLocalEngineEmptyText(t *testing.T) {
	engine, _ := NewLocalEngine(32)
	emb, err := engine.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed empty: %v", err)
	}
	if len(emb) != 32 {
		t.Errorf("dims = %d, want 32", len(emb))
	}
	for i, v := range emb {
		if v != 0 {
			t.Errorf("empty text should produce zero vector, got %v at %d", v, i)
			break
		}
	}
}

func TestLocalEngineBatch(t *testing.T) {
	engine, _ := NewLocalEngine(64)
	embs, err := engine.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(embs) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(embs))
	}
	for i, e := range embs {
		if len(e) != 64 {
			t.Errorf("embedding %d dims = %d, want 64", i, len(e))
		}
	}
}
