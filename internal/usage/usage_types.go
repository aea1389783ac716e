package usage

import "time"

// CostData is the root structure stored in persistence.
type CostData struct {
	Version   string              `json:"version"`
	ByTool    map[string]ToolCost `json:"by_tool"`
	ByModel   map[string]Tokens   `json:"by_model"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// ToolCost aggregates spend per tool version, keyed tool_id@version.
type ToolCost struct {
	Calls        int64     `json:"calls"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	LastCall     time.Time `json:"last_call"`
}

// MeanCostUSD is the average spend per call, zero when unobserved.
func (tc ToolCost) MeanCostUSD() float64 {
	if tc.Calls == 0 {
		return 0
	}
	return tc.TotalCostUSD / float64(tc.Calls)
}

// Tokens holds input/output token sums for one model.
type Tokens struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// Add accumulates one completion's token counts.
func (t *Tokens) Add(input, output int) {
	t.Input += int64(input)
	t.Output += int64(output)
	t.Total += int64(input + output)
}
