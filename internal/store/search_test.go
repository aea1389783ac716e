package store

import (
	"testing"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func seedSearchManifests(t *testing.T, s *Store) {
	t.Helper()

	fixtures := []struct {
		toolID    string
		embedding []float32
		status    forge.ManifestStatus
	}{
		{"exact", []float32{1, 0, 0}, forge.StatusActive},
		{"close", []float32{0.9, 0.1, 0}, forge.StatusActive},
		{"far", []float32{0, 1, 0}, forge.StatusActive},
		{"retired", []float32{1, 0, 0}, forge.StatusArchived},
	}
	for _, f := range fixtures {
		m := testManifest(f.toolID, "1.0.0")
		m.Embedding = f.embedding
		m.Status = f.status
		if err := s.PutManifest(m); err != nil {
			t.Fatalf("put %s: %v", f.toolID, err)
		}
	}
}

func TestSearchSimilarRanking(t *testing.T) {
	s := newTestStore(t)
	seedSearchManifests(t, s)

	hits, err := s.SearchSimilar([]float32{1, 0, 0}, 3, false)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3", len(hits))
	}

	// exact and retired share the query vector; both outrank close.
	if hits[0].Similarity < hits[1].Similarity || hits[1].Similarity < hits[2].Similarity {
		t.Errorf("hits not sorted by similarity: %+v", hits)
	}
	if hits[0].Similarity < 0.999 {
		t.Errorf("best hit similarity = %v, want ~1.0", hits[0].Similarity)
	}
}

func TestSearchSimilarActiveOnly(t *testing.T) {
	s := newTestStore(t)
	seedSearchManifests(t, s)

	hits, err := s.SearchSimilar([]float32{1, 0, 0}, 10, true)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	for _, hit := range hits {
		if hit.ToolID == "retired" {
			t.Error("archived manifest returned with activeOnly")
		}
	}
}

func TestSearchSimilarEmptyQuery(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SearchSimilar(nil, 5, false)
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
}

func TestSearchSimilarNoEmbeddings(t *testing.T) {
	s := newTestStore(t)

	// Manifest without an embedding is invisible to similarity search.
	if err := s.PutManifest(testManifest("plain", "1.0.0")); err != nil {
		t.Fatalf("put: %v", err)
	}

	hits, err := s.SearchSimilar([]float32{1, 0, 0}, 5, false)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want 0", len(hits))
	}
}

func TestSearchKeyword(t *testing.T) {
	s := newTestStore(t)

	m := testManifest("cron_parser", "1.0.0")
	m.Description = "parse cron expressions into schedule structs"
	if err := s.PutManifest(m); err != nil {
		t.Fatalf("put: %v", err)
	}
	other := testManifest("pdf_reader", "1.0.0")
	other.Description = "read pdf documents"
	if err := s.PutManifest(other); err != nil {
		t.Fatalf("put: %v", err)
	}

	hits, err := s.SearchKeyword("parse cron", 5, true)
	if err != nil {
		t.Fatalf("SearchKeyword: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one keyword hit")
	}
	if hits[0].ToolID != "cron_parser" {
		t.Errorf("top hit = %s, want cron_parser", hits[0].ToolID)
	}
	if hits[0].Similarity != 1.0 {
		t.Errorf("full overlap should score 1.0, got %v", hits[0].Similarity)
	}
}

func TestSearchKeywordEmptyQuery(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SearchKeyword("   ", 5, false)
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("expected invalid_input, got %v", err)
	}
}
