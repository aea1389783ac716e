// Package director turns an operator intent into a concrete tool
// invocation: discover a matching tool, generate and validate one on a
// miss, prepare the input, execute through the sandboxed runtime, and
// record the outcome with the consensus engine. Each intent is one
// cancellable task; admission past the global concurrency bound queues up
// to a limit and then refuses with busy.
package director

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"toolforge/internal/config"
	"toolforge/internal/consensus"
	"toolforge/internal/council"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/registry"
	toolruntime "toolforge/internal/runtime"
	"toolforge/internal/types"
)

// State names one stop in the intent state machine.
type State string

const (
	StateReceived    State = "received"
	StateDiscovering State = "discovering"
	StateGenerating  State = "generating"
	StateValidating  State = "validating"
	StateExecuting   State = "executing"
	StateRecording   State = "recording"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Registry is the director's view of the manifest authority.
// *registry.Registry satisfies it.
type Registry interface {
	Query(ctx context.Context, req registry.QueryRequest) ([]registry.QueryResult, error)
	Register(ctx context.Context, m *forge.ToolManifest) error
	Get(ctx context.Context, toolID, versionExpr string) (*forge.ToolManifest, error)
}

// Validator runs the validation council. *council.Council satisfies it.
type Validator interface {
	Validate(ctx context.Context, toolID, version string, stages []string) (*council.Report, error)
}

// Executor dispatches tool calls. *runtime.Runtime satisfies it.
type Executor interface {
	Execute(ctx context.Context, req toolruntime.Request) (*toolruntime.Result, error)
}

// Scorer records the constraint-aware consensus score after execution.
// *consensus.Engine satisfies it.
type Scorer interface {
	Score(ctx context.Context, req consensus.ScoreRequest) (*forge.ConsensusScore, error)
}

// Intent is one operator request with its optional constraints.
type Intent struct {
	Text string

	Tags           []string
	TrustAtLeast   forge.TrustLevel
	MaxLatencyMs   float64
	MaxRiskScore   float64
	MaxCostPerCall float64
}

// constraints maps the intent bounds onto the consensus reweighting shape.
func (i Intent) constraints() consensus.Constraints {
	return consensus.Constraints{
		LatencyP95Ms:   i.MaxLatencyMs,
		MaxRiskScore:   i.MaxRiskScore,
		MaxCostPerCall: i.MaxCostPerCall,
	}
}

// Outcome reports how one intent was handled. Trace lists every state the
// task passed through, terminal state included.
type Outcome struct {
	State State   `json:"state"`
	Trace []State `json:"trace"`

	ToolID    string `json:"tool_id,omitempty"`
	Version   string `json:"version,omitempty"`
	Generated bool   `json:"generated,omitempty"`

	Report  *council.Report       `json:"report,omitempty"`
	Result  interface{}           `json:"result,omitempty"`
	CallID  string                `json:"call_id,omitempty"`
	Metrics forge.CallMetrics     `json:"metrics,omitempty"`
	Score   *forge.ConsensusScore `json:"score,omitempty"`
}

// Stats is a snapshot of director activity.
type Stats struct {
	Received           int64 `json:"received"`
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	Generated          int64 `json:"generated"`
	ValidationFailures int64 `json:"validation_failures"`
	Executed           int64 `json:"executed"`
	Failed             int64 `json:"failed"`
	Refused            int64 `json:"refused"`
	QueueDepth         int64 `json:"queue_depth"`
}

// Director orchestrates intent handling.
type Director struct {
	registry Registry
	council  Validator
	runtime  Executor
	scorer   Scorer
	llm      types.LLMClient
	cfg      *config.Config

	sem      *semaphore.Weighted
	maxQueue int64

	mu     sync.Mutex
	queued int64
	stats  Stats
}

// New composes a director. llm may be nil: discovery then uses the raw
// intent text and generation on a miss is unavailable.
func New(reg Registry, val Validator, exec Executor, scorer Scorer, llm types.LLMClient, cfg *config.Config) *Director {
	bound := int64(cfg.Director.MaxConcurrent)
	if bound <= 0 {
		bound = 8
	}
	queue := int64(cfg.Director.MaxQueued)
	if queue <= 0 {
		queue = 2 * bound
	}
	return &Director{
		registry: reg,
		council:  val,
		runtime:  exec,
		scorer:   scorer,
		llm:      llm,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(bound),
		maxQueue: queue,
	}
}

// QueueDepth reports how many tasks are waiting for an execution slot.
func (d *Director) QueueDepth() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Stats returns a snapshot of director counters.
func (d *Director) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.QueueDepth = d.queued
	return s
}

func (d *Director) count(f func(*Stats)) {
	d.mu.Lock()
	f(&d.stats)
	d.mu.Unlock()
}

// admit acquires an execution slot, queueing up to the bound. Past the
// bound it refuses immediately with busy.
func (d *Director) admit(ctx context.Context) (release func(), err error) {
	const op = "director.admit"

	if d.sem.TryAcquire(1) {
		return func() { d.sem.Release(1) }, nil
	}

	d.mu.Lock()
	if d.queued >= d.maxQueue {
		d.mu.Unlock()
		d.count(func(s *Stats) { s.Refused++ })
		return nil, fault.New(fault.Busy, op, "concurrency bound reached and queue is full (%d waiting)", d.maxQueue)
	}
	d.queued++
	d.mu.Unlock()

	acquireErr := d.sem.Acquire(ctx, 1)

	d.mu.Lock()
	d.queued--
	d.mu.Unlock()

	if acquireErr != nil {
		return nil, fault.FromContext(op, acquireErr)
	}
	return func() { d.sem.Release(1) }, nil
}

// Handle runs the full state machine for one intent. The returned outcome
// carries the trace even when the error is non-nil.
func (d *Director) Handle(ctx context.Context, intent Intent) (*Outcome, error) {
	const op = "director.Handle"

	if strings.TrimSpace(intent.Text) == "" {
		return nil, fault.New(fault.InvalidInput, op, "empty intent")
	}

	release, err := d.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	d.count(func(s *Stats) { s.Received++ })

	out := &Outcome{State: StateReceived, Trace: []State{StateReceived}}
	fail := func(err error) (*Outcome, error) {
		out.State = StateFailed
		out.Trace = append(out.Trace, StateFailed)
		d.count(func(s *Stats) { s.Failed++ })
		return out, err
	}
	step := func(next State) error {
		if err := ctx.Err(); err != nil {
			return fault.FromContext(op, err)
		}
		out.State = next
		out.Trace = append(out.Trace, next)
		return nil
	}

	// Discover.
	if err := step(StateDiscovering); err != nil {
		return fail(err)
	}
	m, err := d.discover(ctx, intent)
	if err != nil && !fault.Is(err, fault.NotFound) {
		return fail(err)
	}

	if m == nil {
		// Generate on miss, then validate before first use.
		d.count(func(s *Stats) { s.Misses++ })
		if err := step(StateGenerating); err != nil {
			return fail(err)
		}
		m, err = d.generate(ctx, intent)
		if err != nil {
			return fail(err)
		}
		out.Generated = true
		out.ToolID, out.Version = m.ToolID, m.Version
		d.count(func(s *Stats) { s.Generated++ })

		if err := step(StateValidating); err != nil {
			return fail(err)
		}
		report, err := d.council.Validate(ctx, m.ToolID, m.Version, nil)
		if err != nil {
			return fail(err)
		}
		out.Report = report
		if !report.OK {
			// Terminal: a freshly generated tool that fails validation is
			// never executed.
			d.count(func(s *Stats) { s.ValidationFailures++ })
			return fail(fault.New(fault.ValidationFailed, op,
				"generated tool %s failed validation at stage %s",
				m.Key(), failedStage(report)))
		}
	} else {
		d.count(func(s *Stats) { s.Hits++ })
		out.ToolID, out.Version = m.ToolID, m.Version
	}

	// Prepare input and execute.
	input := d.prepareInput(ctx, intent, m)
	if err := step(StateExecuting); err != nil {
		return fail(err)
	}
	res, err := d.runtime.Execute(ctx, toolruntime.Request{
		ToolID:  m.ToolID,
		Version: m.Version,
		Input:   input,
	})
	if err != nil {
		return fail(err)
	}
	out.Result = res.Result
	out.CallID = res.Provenance.CallID
	out.Metrics = res.Metrics
	d.count(func(s *Stats) { s.Executed++ })

	// Record: a constraint-aware rescore so the next discovery ranks with
	// fresh evidence. The execution window itself was appended by the
	// runtime's recorder.
	if err := step(StateRecording); err != nil {
		return fail(err)
	}
	if d.scorer != nil {
		score, serr := d.scorer.Score(ctx, consensus.ScoreRequest{
			ToolID:      m.ToolID,
			Version:     m.Version,
			Constraints: intent.constraints(),
		})
		if serr != nil && !fault.Is(serr, fault.InsufficientEvidence) {
			logging.Get(logging.CategoryDirector).Warn("Post-execution rescore of %s failed: %v", m.Key(), serr)
		} else if score != nil {
			out.Score = score
		}
	}

	out.State = StateDone
	out.Trace = append(out.Trace, StateDone)
	logging.Director("Intent handled by %s: call %s in %dms (generated=%t)",
		m.Key(), out.CallID, out.Metrics.LatencyMs, out.Generated)
	return out, nil
}

// discover extracts a capability label from the intent and queries the
// registry under the intent constraints. Returns (nil, not_found) on a miss.
func (d *Director) discover(ctx context.Context, intent Intent) (*forge.ToolManifest, error) {
	const op = "director.discover"

	label, tags := d.extractCapability(ctx, intent.Text)
	results, err := d.registry.Query(ctx, registry.QueryRequest{
		Text:         label,
		Tags:         mergeTags(tags, intent.Tags),
		TrustAtLeast: intent.TrustAtLeast,
		MaxLatencyMs: intent.MaxLatencyMs,
		MaxRiskScore: intent.MaxRiskScore,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		// Tag extraction can over-constrain; retry once on the label alone.
		if len(tags) > 0 || len(intent.Tags) > 0 {
			results, err = d.registry.Query(ctx, registry.QueryRequest{
				Text:         label,
				TrustAtLeast: intent.TrustAtLeast,
				MaxLatencyMs: intent.MaxLatencyMs,
				MaxRiskScore: intent.MaxRiskScore,
			})
			if err != nil {
				return nil, err
			}
		}
		if len(results) == 0 {
			return nil, fault.New(fault.NotFound, op, "no tool matches %q", label)
		}
	}
	best := results[0].Manifest
	logging.DirectorDebug("Discovery hit for %q: %s (weight %.3f, %d alternatives)",
		label, best.Key(), results[0].Weight, len(results)-1)
	return best, nil
}

// failedStage names the first stage that did not pass.
func failedStage(r *council.Report) string {
	for _, sr := range r.Stages {
		if !sr.Passed {
			return sr.Stage
		}
	}
	return "unknown"
}

func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string(nil), a...), b...) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
