package optimizer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	toolruntime "toolforge/internal/runtime"
)

// characterizeParallelism bounds concurrent characterization calls so a slow
// tool cannot monopolize the runtime.
const characterizeParallelism = 4

// ManifestSource resolves tool references for characterization. The registry
// satisfies it.
type ManifestSource interface {
	Get(ctx context.Context, toolID, versionExpr string) (*forge.ToolManifest, error)
}

// Executor drives characterization calls. *runtime.Runtime satisfies it.
type Executor interface {
	Execute(ctx context.Context, req toolruntime.Request) (*toolruntime.Result, error)
}

// Characterize runs the tool version n times with schema-derived input and
// records the measured performance as a variant, creating one when the
// version has none yet. The seeded variant is what the optimization loop
// evolves against.
func (o *Optimizer) Characterize(ctx context.Context, manifests ManifestSource, exec Executor,
	toolID, version string, runs int) (*forge.ArtifactVariant, error) {
	const op = "optimizer.Characterize"

	if manifests == nil || exec == nil {
		return nil, fault.New(fault.InvalidInput, op, "manifest source and executor are required")
	}
	if runs <= 0 {
		runs = 5
	}
	m, err := manifests.Get(ctx, toolID, version)
	if err != nil {
		return nil, err
	}

	input := characterizationInput(m)
	var (
		mu        sync.Mutex
		latencies float64
		successes int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(characterizeParallelism)
	for i := 0; i < runs; i++ {
		i := i
		g.Go(func() error {
			res, err := exec.Execute(gctx, toolruntime.Request{ToolID: m.ToolID, Version: m.Version, Input: input})
			if err != nil {
				// Failed runs count against the success rate, not the group.
				logging.OptimizerDebug("Characterization call %d/%d for %s failed: %v", i+1, runs, m.Key(), err)
				return nil
			}
			mu.Lock()
			successes++
			latencies += float64(res.Metrics.LatencyMs)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fault.FromContext(op, err)
	}
	if successes == 0 {
		return nil, fault.New(fault.InsufficientEvidence, op,
			"all %d characterization calls for %s failed", runs, m.Key())
	}

	metrics := forge.PerformanceMetrics{
		LatencyMs:   latencies / float64(successes),
		SuccessRate: float64(successes) / float64(runs),
		Coverage:    m.Trust.ValidationScore,
		SampleCount: runs,
		MeasuredAt:  time.Now().UTC(),
	}

	variant, err := o.variantFor(m)
	if err != nil {
		return nil, err
	}
	variant.Metrics = metrics
	if err := o.store.PutVariant(variant); err != nil {
		return nil, err
	}
	logging.Optimizer("Characterized %s over %d runs: latency=%.0fms success=%.2f",
		m.Key(), runs, metrics.LatencyMs, metrics.SuccessRate)
	return variant, nil
}

// variantFor finds the variant tracking a manifest version, creating a fresh
// active one on first characterization.
func (o *Optimizer) variantFor(m *forge.ToolManifest) (*forge.ArtifactVariant, error) {
	variants, err := o.store.ListVariants(m.ToolID)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		if v.Version == m.Version && v.Status != forge.VariantArchived {
			return v, nil
		}
	}
	content := ""
	if m.Interfaces.Native != nil {
		content = m.Interfaces.Native.Source
	}
	return &forge.ArtifactVariant{
		VariantID: uuid.NewString(),
		ToolID:    m.ToolID,
		Version:   m.Version,
		Content:   content,
		Embedding: append([]float32(nil), m.Embedding...),
		Status:    forge.VariantActive,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// characterizationInput derives a minimal input from the first capability's
// schema: one placeholder value per declared property. Tools without a
// schema get an empty object.
func characterizationInput(m *forge.ToolManifest) map[string]interface{} {
	input := map[string]interface{}{}
	if len(m.Capabilities) == 0 || len(m.Capabilities[0].InputSchema) == 0 {
		return input
	}
	var doc struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(m.Capabilities[0].InputSchema, &doc); err != nil {
		return input
	}
	for name, prop := range doc.Properties {
		switch prop.Type {
		case "number", "integer":
			input[name] = 1
		case "boolean":
			input[name] = false
		case "array":
			input[name] = []interface{}{}
		case "object":
			input[name] = map[string]interface{}{}
		default:
			input[name] = "sample"
		}
	}
	return input
}
