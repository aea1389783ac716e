package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

// ProvenanceEntry is the on-disk record for one call, keyed by call_id.
type ProvenanceEntry struct {
	Provenance forge.ExecutionRecord `json:"provenance"`
	Metrics    forge.CallMetrics     `json:"metrics"`
	ResultHash string                `json:"result_hash,omitempty"`
}

// ProvenanceLog is an append-only directory of {call_id}.json records.
// Records are never rewritten; a second append under the same call_id is an
// invariant violation.
type ProvenanceLog struct {
	dir string
	mu  sync.Mutex
}

// NewProvenanceLog opens (creating if needed) the log directory.
func NewProvenanceLog(dir string) (*ProvenanceLog, error) {
	const op = "runtime.provenance.open"
	if strings.TrimSpace(dir) == "" {
		return nil, fault.New(fault.InvalidInput, op, "empty provenance dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	return &ProvenanceLog{dir: dir}, nil
}

// Dir returns the log directory path.
func (l *ProvenanceLog) Dir() string { return l.dir }

func (l *ProvenanceLog) path(callID string) string {
	return filepath.Join(l.dir, callID+".json")
}

// Append persists one entry and returns the file path. The write goes through
// a temp file and rename so readers never observe a partial record.
func (l *ProvenanceLog) Append(entry ProvenanceEntry) (string, error) {
	const op = "runtime.provenance.append"
	if entry.Provenance.CallID == "" {
		return "", fault.New(fault.InvalidInput, op, "entry has no call_id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	final := l.path(entry.Provenance.CallID)
	if _, err := os.Stat(final); err == nil {
		return "", fault.New(fault.InvariantViolation, op, "provenance %s already recorded", entry.Provenance.CallID)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fault.Wrap(fault.Internal, op, err)
	}
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fault.Wrap(fault.Internal, op, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fault.Wrap(fault.Internal, op, err)
	}
	return final, nil
}

// Read loads the entry for callID.
func (l *ProvenanceLog) Read(callID string) (*ProvenanceEntry, error) {
	const op = "runtime.provenance.read"
	data, err := os.ReadFile(l.path(callID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.New(fault.NotFound, op, "no provenance for call %s", callID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	var entry ProvenanceEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fault.Wrap(fault.Internal, op, fmt.Errorf("corrupt provenance %s: %w", callID, err))
	}
	return &entry, nil
}

// CallIDs lists every recorded call id, sorted.
func (l *ProvenanceLog) CallIDs() ([]string, error) {
	const op = "runtime.provenance.list"
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
