package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func testEntry(callID string) ProvenanceEntry {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return ProvenanceEntry{
		Provenance: forge.ExecutionRecord{
			CallID:         callID,
			ToolID:         "summarize_pdf",
			Version:        "1.0.0",
			InputHash:      "aaaa",
			ResultHash:     "bbbb",
			StartedAt:      start,
			EndedAt:        start.Add(120 * time.Millisecond),
			LatencyMs:      120,
			Success:        true,
			SandboxProfile: "default",
		},
		Metrics:    forge.CallMetrics{LatencyMs: 120, Success: true, Timestamp: start.Add(120 * time.Millisecond)},
		ResultHash: "bbbb",
	}
}

func TestProvenanceAppendAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "provenance")
	log, err := NewProvenanceLog(dir)
	if err != nil {
		t.Fatalf("NewProvenanceLog: %v", err)
	}

	path, err := log.Append(testEntry("deadbeef00112233"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if filepath.Base(path) != "deadbeef00112233.json" {
		t.Errorf("file name = %s, want deadbeef00112233.json", filepath.Base(path))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("record file missing: %v", err)
	}

	entry, err := log.Read("deadbeef00112233")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if entry.Provenance.ToolID != "summarize_pdf" || entry.Provenance.LatencyMs != 120 {
		t.Errorf("round-trip mismatch: %+v", entry.Provenance)
	}
	if !entry.Metrics.Success {
		t.Error("metrics success lost in round-trip")
	}
}

func TestProvenanceAppendIsWriteOnce(t *testing.T) {
	log, err := NewProvenanceLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewProvenanceLog: %v", err)
	}
	if _, err := log.Append(testEntry("cafe000011112222")); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	_, err = log.Append(testEntry("cafe000011112222"))
	if !fault.Is(err, fault.InvariantViolation) {
		t.Errorf("second append kind = %v, want invariant_violation", fault.KindOf(err))
	}

	_, err = log.Append(ProvenanceEntry{})
	if !fault.Is(err, fault.InvalidInput) {
		t.Errorf("empty call_id kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestProvenanceReadMissing(t *testing.T) {
	log, err := NewProvenanceLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewProvenanceLog: %v", err)
	}
	_, err = log.Read("0000000000000000")
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("kind = %v, want not_found", fault.KindOf(err))
	}
}

func TestProvenanceCallIDs(t *testing.T) {
	log, err := NewProvenanceLog(t.TempDir())
	if err != nil {
		t.Fatalf("NewProvenanceLog: %v", err)
	}
	for _, id := range []string{"bbbb000000000000", "aaaa000000000000", "cccc000000000000"} {
		if _, err := log.Append(testEntry(id)); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	ids, err := log.CallIDs()
	if err != nil {
		t.Fatalf("CallIDs: %v", err)
	}
	want := []string{"aaaa000000000000", "bbbb000000000000", "cccc000000000000"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
