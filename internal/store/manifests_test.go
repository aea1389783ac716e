package store

import (
	"testing"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func TestPutGetManifest(t *testing.T) {
	s := newTestStore(t)

	m := testManifest("summarize_pdf", "1.0.0")
	m.Tags = []string{"pdf", "nlp"}
	m.Embedding = []float32{0.6, 0.8, 0}

	if err := s.PutManifest(m); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	got, err := s.GetManifest("summarize_pdf", "1.0.0")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Name != "summarize_pdf" || got.Description != m.Description {
		t.Errorf("manifest fields lost: got name=%q desc=%q", got.Name, got.Description)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 0.6 {
		t.Errorf("embedding not restored from blob: %v", got.Embedding)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags lost: %v", got.Tags)
	}
}

func TestGetManifestNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetManifest("ghost", "1.0.0")
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestPutManifestReplaces(t *testing.T) {
	s := newTestStore(t)

	m := testManifest("t", "1.0.0")
	if err := s.PutManifest(m); err != nil {
		t.Fatalf("first put: %v", err)
	}

	m.Description = "updated description"
	m.Tags = []string{"fresh"}
	if err := s.PutManifest(m); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.GetManifest("t", "1.0.0")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Description != "updated description" {
		t.Errorf("description = %q", got.Description)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "fresh" {
		t.Errorf("tags = %v, want [fresh]", got.Tags)
	}

	versions, err := s.ListVersions("t")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("replace should not duplicate rows: got %d versions", len(versions))
	}
}

func TestListVersions(t *testing.T) {
	s := newTestStore(t)

	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		m := testManifest("multi", v)
		if err := s.PutManifest(m); err != nil {
			t.Fatalf("put %s: %v", v, err)
		}
	}

	versions, err := s.ListVersions("multi")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("got %d versions, want 3", len(versions))
	}

	if versions, _ := s.ListVersions("absent"); len(versions) != 0 {
		t.Errorf("unknown tool should list no versions, got %v", versions)
	}
}

func TestListManifestsFilters(t *testing.T) {
	s := newTestStore(t)

	active := testManifest("a", "1.0.0")
	active.Tags = []string{"text"}
	archived := testManifest("b", "1.0.0")
	archived.Status = forge.StatusArchived
	other := testManifest("c", "1.0.0")

	for _, m := range []*forge.ToolManifest{active, archived, other} {
		if err := s.PutManifest(m); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter ManifestFilter
		want   int
	}{
		{"all", ManifestFilter{}, 3},
		{"active only", ManifestFilter{Status: forge.StatusActive}, 2},
		{"by tool", ManifestFilter{ToolID: "b"}, 1},
		{"by tag", ManifestFilter{Tag: "text"}, 1},
		{"limit", ManifestFilter{Limit: 2}, 2},
		{"no match", ManifestFilter{Tag: "missing"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListManifests(tt.filter)
			if err != nil {
				t.Fatalf("ListManifests: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d manifests, want %d", len(got), tt.want)
			}
		})
	}
}

func TestListTools(t *testing.T) {
	s := newTestStore(t)

	for _, v := range []string{"1.0.0", "1.1.0"} {
		if err := s.PutManifest(testManifest("alpha", v)); err != nil {
			t.Fatalf("put alpha: %v", err)
		}
	}
	if err := s.PutManifest(testManifest("beta", "0.1.0")); err != nil {
		t.Fatalf("put beta: %v", err)
	}

	tools, err := s.ListTools()
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}

	byID := make(map[string]ToolSummary)
	for _, summary := range tools {
		byID[summary.ToolID] = summary
	}
	if byID["alpha"].VersionCount != 2 {
		t.Errorf("alpha version count = %d, want 2", byID["alpha"].VersionCount)
	}
	if byID["beta"].LatestVersion != "0.1.0" {
		t.Errorf("beta latest = %q", byID["beta"].LatestVersion)
	}
	if byID["alpha"].Name != "alpha" {
		t.Errorf("name not decoded from doc: %q", byID["alpha"].Name)
	}
}

func TestSetStatus(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutManifest(testManifest("tool", "1.0.0")); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := s.SetStatus("tool", "1.0.0", forge.StatusArchived); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got, err := s.GetManifest("tool", "1.0.0")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Status != forge.StatusArchived {
		t.Errorf("doc status = %s, want archived", got.Status)
	}

	// Filter column must agree with the doc.
	active, err := s.ListManifests(ManifestFilter{Status: forge.StatusActive})
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("archived manifest still listed as active")
	}

	if err := s.SetStatus("ghost", "1.0.0", forge.StatusArchived); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found for unknown tool, got %v", err)
	}
}

func TestManifestExtraFieldsSurviveStore(t *testing.T) {
	s := newTestStore(t)

	m := testManifest("extra", "1.0.0")
	raw := []byte(`{
		"tool_id": "extra", "version": "1.0.0", "name": "extra", "type": "native",
		"origin": {"author": "director"}, "interfaces": {}, "trust": {"level": "experimental"},
		"metrics": {}, "status": "active",
		"x_custom_block": {"nested": true}
	}`)
	if err := m.UnmarshalJSON(raw); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}

	if err := s.PutManifest(m); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetManifest("extra", "1.0.0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.Extra["x_custom_block"]; !ok {
		t.Error("unknown field dropped by store round-trip")
	}
}

func TestRebuildIndexes(t *testing.T) {
	s := newTestStore(t)

	m := testManifest("idx", "1.0.0")
	m.Tags = []string{"one", "two"}
	m.Embedding = []float32{1, 0, 0}
	if err := s.PutManifest(m); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Wreck the tag index behind the store's back, then rebuild.
	if _, err := s.DB().Exec(`DELETE FROM manifest_tags`); err != nil {
		t.Fatalf("delete tags: %v", err)
	}
	if got, _ := s.ListManifests(ManifestFilter{Tag: "one"}); len(got) != 0 {
		t.Fatal("precondition failed: tag index should be empty")
	}

	if err := s.RebuildIndexes(); err != nil {
		t.Fatalf("RebuildIndexes: %v", err)
	}

	got, err := s.ListManifests(ManifestFilter{Tag: "one"})
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("tag index not rebuilt: got %d manifests", len(got))
	}
}
