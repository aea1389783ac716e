package forge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func validManifest() *ToolManifest {
	return &ToolManifest{
		ToolID:      "summarize_pdf",
		Version:     "1.0.0",
		Name:        "Summarize PDF",
		Type:        TypeCapabilityServer,
		Description: "Summarizes PDF documents into short abstracts",
		Origin:      Origin{Author: "forge", SourceModel: "gemini-2.0", CreatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
		Trust:       Trust{Level: TrustExperimental, RiskScore: 1.0},
		Interfaces: InterfaceBindings{
			Server: &ServerBinding{Name: "pdf-tools", Command: "pdf-server", Args: []string{"--stdio"}},
			Speed:  SpeedStandard,
		},
		Capabilities: []Capability{{
			Name:        "summarize",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		}},
		Tags:   []string{"pdf", "nlp"},
		Status: StatusActive,
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ToolManifest)
		wantErr bool
	}{
		{"valid", func(m *ToolManifest) {}, false},
		{"missing tool_id", func(m *ToolManifest) { m.ToolID = "" }, true},
		{"reserved chars in tool_id", func(m *ToolManifest) { m.ToolID = "bad id" }, true},
		{"bad version", func(m *ToolManifest) { m.Version = "1.0" }, true},
		{"missing name", func(m *ToolManifest) { m.Name = "" }, true},
		{"unknown type", func(m *ToolManifest) { m.Type = "plugin" }, true},
		{"unknown trust", func(m *ToolManifest) { m.Trust.Level = "verified" }, true},
		{"risk out of range", func(m *ToolManifest) { m.Trust.RiskScore = 1.7 }, true},
		{"self ancestor", func(m *ToolManifest) { m.Lineage.AncestorToolID = m.ToolID }, true},
		{"prerelease version ok", func(m *ToolManifest) { m.Version = "2.0.0-beta.1" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManifestRoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{
		"tool_id": "parse_cron",
		"version": "1.0.0",
		"name": "Parse Cron",
		"type": "native",
		"trust": {"level": "experimental", "validation_score": 0, "risk_score": 1},
		"status": "active",
		"x_custom_field": {"nested": [1, 2, 3]},
		"another_unknown": "kept"
	}`
	var m ToolManifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(m.Extra) != 2 {
		t.Fatalf("Extra fields = %d, want 2: %v", len(m.Extra), m.Extra)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if string(round["x_custom_field"]) != `{"nested":[1,2,3]}` {
		t.Errorf("unknown field lost or mangled: %s", round["x_custom_field"])
	}
	if string(round["another_unknown"]) != `"kept"` {
		t.Errorf("unknown field lost: %s", round["another_unknown"])
	}
}

func TestManifestClone(t *testing.T) {
	m := validManifest()
	c := m.Clone()
	c.Tags[0] = "changed"
	c.Trust.Level = TrustCore
	if m.Tags[0] != "pdf" {
		t.Error("clone shares tag backing array with original")
	}
	if m.Trust.Level != TrustExperimental {
		t.Error("clone mutation leaked into original")
	}
	if diff := cmp.Diff(validManifest(), m); diff != "" {
		t.Errorf("original changed after clone mutation (-want +got):\n%s", diff)
	}
}

func TestEmbeddingText(t *testing.T) {
	m := validManifest()
	text := m.EmbeddingText()
	for _, want := range []string{"Summarize PDF", "Summarizes PDF documents", "summarize", "pdf nlp"} {
		if !strings.Contains(text, want) {
			t.Errorf("embedding text missing %q:\n%s", want, text)
		}
	}
}

func TestSpeedTierDeadline(t *testing.T) {
	tests := []struct {
		tier SpeedTier
		want time.Duration
	}{
		{SpeedInstant, 2 * time.Second},
		{SpeedFast, 10 * time.Second},
		{SpeedStandard, 30 * time.Second},
		{SpeedSlow, 120 * time.Second},
		{SpeedTier(""), 30 * time.Second},
	}
	for _, tt := range tests {
		if got := tt.tier.Deadline(); got != tt.want {
			t.Errorf("Deadline(%q) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestTrustRankOrdering(t *testing.T) {
	if !(TrustExperimental.Rank() < TrustThirdParty.Rank() && TrustThirdParty.Rank() < TrustCore.Rank()) {
		t.Error("trust ranks out of order")
	}
}
