// Package usage persists per-tool cost aggregates and LLM token counts to
// .forge/usage.json. The tracker implements the consensus engine's optional
// cost collaborator: CostPerCall feeds the cost dimension.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Tracker manages cost recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     CostData
	filePath string
}

// NewTracker creates a tracker persisting under the workspace's .forge dir.
func NewTracker(workspacePath string) (*Tracker, error) {
	stateDir := filepath.Join(workspacePath, ".forge")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .forge dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(stateDir, "usage.json"),
		data: CostData{
			Version: "1.0",
			ByTool:  make(map[string]ToolCost),
			ByModel: make(map[string]Tokens),
		},
	}

	// Corrupt or missing files start fresh rather than blocking startup.
	_ = t.Load()

	return t, nil
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}
	if t.data.ByTool == nil {
		t.data.ByTool = make(map[string]ToolCost)
	}
	if t.data.ByModel == nil {
		t.data.ByModel = make(map[string]Tokens)
	}
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	t.data.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.filePath, data, 0644)
}

func toolKey(toolID, version string) string {
	return toolID + "@" + version
}

// RecordCall accumulates one call's cost for a tool version.
func (t *Tracker) RecordCall(toolID, version string, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := toolKey(toolID, version)
	tc := t.data.ByTool[key]
	tc.Calls++
	tc.TotalCostUSD += costUSD
	tc.LastCall = time.Now().UTC()
	t.data.ByTool[key] = tc
}

// RecordTokens accumulates one completion's token counts for a model.
func (t *Tracker) RecordTokens(model string, input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok := t.data.ByModel[model]
	tok.Add(input, output)
	t.data.ByModel[model] = tok
}

// CostPerCall returns the mean observed cost for a tool version. The second
// return is false when the tool has never been observed, so the consensus
// engine can fall back to its default cost score.
func (t *Tracker) CostPerCall(toolID, version string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tc, ok := t.data.ByTool[toolKey(toolID, version)]
	if !ok || tc.Calls == 0 {
		return 0, false
	}
	return tc.MeanCostUSD(), true
}

// Snapshot returns a copy of the aggregates for reporting.
func (t *Tracker) Snapshot() CostData {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := CostData{
		Version:   t.data.Version,
		ByTool:    make(map[string]ToolCost, len(t.data.ByTool)),
		ByModel:   make(map[string]Tokens, len(t.data.ByModel)),
		UpdatedAt: t.data.UpdatedAt,
	}
	for k, v := range t.data.ByTool {
		out.ByTool[k] = v
	}
	for k, v := range t.data.ByModel {
		out.ByModel[k] = v
	}
	return out
}
