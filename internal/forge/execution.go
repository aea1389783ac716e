package forge

import (
	"math"
	"sort"
	"time"
)

// DefaultWindowSize bounds the recent-execution window kept per manifest.
const DefaultWindowSize = 100

// ExecutionRecord captures one tool invocation for provenance and scoring.
type ExecutionRecord struct {
	CallID         string    `json:"call_id"`
	ToolID         string    `json:"tool_id"`
	Version        string    `json:"version"`
	InputHash      string    `json:"input_hash"`
	ResultHash     string    `json:"result_hash,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	SandboxProfile string    `json:"sandbox_profile,omitempty"`
}

// Append adds rec to the window, evicting the oldest entries beyond max and
// refreshing the aggregates. max <= 0 uses DefaultWindowSize.
func (m *ExecutionMetrics) Append(rec ExecutionRecord, max int) {
	if max <= 0 {
		max = DefaultWindowSize
	}
	m.Window = append(m.Window, rec)
	if over := len(m.Window) - max; over > 0 {
		m.Window = append([]ExecutionRecord(nil), m.Window[over:]...)
	}
	m.Recompute()
}

// Recompute rebuilds the Latest aggregates from the window. An empty window
// clears them.
func (m *ExecutionMetrics) Recompute() {
	if len(m.Window) == 0 {
		m.Latest = nil
		return
	}
	var (
		latencies []float64
		sum       float64
		successes int
	)
	for _, r := range m.Window {
		if r.Success {
			successes++
			latencies = append(latencies, float64(r.LatencyMs))
			sum += float64(r.LatencyMs)
		}
	}
	agg := &AggregateMetrics{
		SampleCount: len(m.Window),
		SuccessRate: float64(successes) / float64(len(m.Window)),
		UpdatedAt:   time.Now().UTC(),
	}
	if m.Latest != nil {
		agg.Correctness = m.Latest.Correctness
	}
	if len(latencies) > 0 {
		agg.MeanLatencyMs = sum / float64(len(latencies))
		agg.P95LatencyMs = percentile(latencies, 0.95)
	}
	m.Latest = agg
}

// percentile returns the pth percentile (0 < p <= 1) using the nearest-rank
// method over a copy of values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// CallMetrics is the per-call metrics surface returned by the runtime.
type CallMetrics struct {
	LatencyMs int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}
