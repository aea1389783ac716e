package store

import (
	"fmt"
	"testing"
	"time"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func testExecution(callID string, startedAt time.Time, success bool) forge.ExecutionRecord {
	return forge.ExecutionRecord{
		CallID:         callID,
		ToolID:         "tool",
		Version:        "1.0.0",
		InputHash:      "aabb",
		ResultHash:     "ccdd",
		StartedAt:      startedAt,
		EndedAt:        startedAt.Add(150 * time.Millisecond),
		LatencyMs:      150,
		Success:        success,
		SandboxProfile: "default",
	}
}

func TestAppendAndReadExecutions(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := testExecution(fmt.Sprintf("call-%d", i), base.Add(time.Duration(i)*time.Second), i != 1)
		if i == 1 {
			rec.ErrorKind = "timeout"
		}
		if err := s.AppendExecution(rec, 0); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}

	records, err := s.RecentExecutions("tool", "1.0.0", 0)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	// Newest first.
	if records[0].CallID != "call-2" {
		t.Errorf("first record = %s, want call-2", records[0].CallID)
	}
	if records[1].Success {
		t.Error("failed call lost its success=false")
	}
	if records[1].ErrorKind != "timeout" {
		t.Errorf("error kind = %q, want timeout", records[1].ErrorKind)
	}
}

func TestExecutionWindowEviction(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := testExecution(fmt.Sprintf("call-%d", i), base.Add(time.Duration(i)*time.Second), true)
		if err := s.AppendExecution(rec, 3); err != nil {
			t.Fatalf("AppendExecution: %v", err)
		}
	}

	records, err := s.RecentExecutions("tool", "1.0.0", 0)
	if err != nil {
		t.Fatalf("RecentExecutions: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("window holds %d records, want 3", len(records))
	}
	// The three most recent survive.
	for i, want := range []string{"call-4", "call-3", "call-2"} {
		if records[i].CallID != want {
			t.Errorf("record %d = %s, want %s", i, records[i].CallID, want)
		}
	}
}

func TestWindowIsPerToolVersion(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	recA := testExecution("a-1", base, true)
	recB := testExecution("b-1", base, true)
	recB.Version = "2.0.0"

	if err := s.AppendExecution(recA, 1); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if err := s.AppendExecution(recB, 1); err != nil {
		t.Fatalf("append b: %v", err)
	}

	a, _ := s.RecentExecutions("tool", "1.0.0", 0)
	b, _ := s.RecentExecutions("tool", "2.0.0", 0)
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("windows should be independent: got %d and %d", len(a), len(b))
	}
}

func TestGetExecution(t *testing.T) {
	s := newTestStore(t)

	rec := testExecution("lookup-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), true)
	if err := s.AppendExecution(rec, 0); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetExecution("lookup-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.InputHash != "aabb" || got.LatencyMs != 150 {
		t.Errorf("record fields lost: %+v", got)
	}

	if _, err := s.GetExecution("missing"); !fault.Is(err, fault.NotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}
