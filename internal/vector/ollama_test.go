package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"toolforge/internal/fault"
)

func TestOllamaEmbed(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s, want /api/embeddings", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotPrompt = req.Prompt
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "embeddinggemma")
	if err != nil {
		t.Fatalf("NewOllamaEngine: %v", err)
	}
	emb, err := engine.Embed(context.Background(), "parse cron expressions")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb) != 3 || emb[0] != 0.1 {
		t.Errorf("embedding = %v", emb)
	}
	if gotPrompt != "parse cron expressions" {
		t.Errorf("prompt = %q", gotPrompt)
	}
}

func TestOllamaEmbedServerErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine, _ := NewOllamaEngine(srv.URL, "")
	_, err := engine.Embed(context.Background(), "anything")
	if !fault.Is(err, fault.ServerUnavailable) {
		t.Errorf("kind = %v, want server_unavailable", fault.KindOf(err))
	}

	// A dead endpoint reports the same kind so the registry's keyword
	// fallback engages either way.
	srv.Close()
	if _, err := engine.Embed(context.Background(), "anything"); !fault.Is(err, fault.ServerUnavailable) {
		t.Errorf("dead endpoint kind = %v, want server_unavailable", fault.KindOf(err))
	}
}

func TestOllamaEmbedBatchAbortsOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	engine, _ := NewOllamaEngine(srv.URL, "")
	_, err := engine.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	if !fault.Is(err, fault.ServerUnavailable) {
		t.Fatalf("kind = %v, want server_unavailable", fault.KindOf(err))
	}
	if calls != 3 {
		t.Errorf("server calls = %d, want 3 (abort on first failure)", calls)
	}
}

func TestClipEmbedText(t *testing.T) {
	short := "short text"
	if got := clipEmbedText(short); got != short {
		t.Errorf("short text modified: %q", got)
	}

	long := strings.Repeat("x", maxEmbedChars+100)
	if got := clipEmbedText(long); len(got) != maxEmbedChars {
		t.Errorf("clipped length = %d, want %d", len(got), maxEmbedChars)
	}
}
