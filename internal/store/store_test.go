package store

import (
	"testing"
	"time"

	"toolforge/internal/forge"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", 3)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testManifest(toolID, version string) *forge.ToolManifest {
	return &forge.ToolManifest{
		ToolID:      toolID,
		Version:     version,
		Name:        toolID,
		Type:        forge.TypeNative,
		Description: "test tool " + toolID,
		Origin: forge.Origin{
			Author:    "director",
			CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Trust:  forge.Trust{Level: forge.TrustExperimental},
		Status: forge.StatusActive,
	}
}

func TestNewStore(t *testing.T) {
	s := newTestStore(t)

	if s.DB() == nil {
		t.Error("DB returned nil")
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}

	requiredTables := []string{"manifests", "manifest_tags", "executions", "consensus_scores", "variants", "clusters"}
	for _, table := range requiredTables {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table: %s", table)
		}
	}
}

func TestEmbeddingBlobRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.0, 0}
	blob := encodeEmbeddingBlob(in)
	if len(blob) != 16 {
		t.Fatalf("blob length = %d, want 16", len(blob))
	}

	out := decodeEmbeddingBlob(blob)
	if len(out) != len(in) {
		t.Fatalf("decoded length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestEmbeddingBlobEdgeCases(t *testing.T) {
	if encodeEmbeddingBlob(nil) != nil {
		t.Error("encoding nil should return nil")
	}
	if decodeEmbeddingBlob(nil) != nil {
		t.Error("decoding nil should return nil")
	}
	if decodeEmbeddingBlob([]byte{1, 2, 3}) != nil {
		t.Error("decoding a truncated blob should return nil")
	}
}
