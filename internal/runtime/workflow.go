package runtime

import (
	"context"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

type workflowDepthKey struct{}

// maxWorkflowDepth bounds workflow nesting so a workflow referencing itself
// cannot recurse without bound.
const maxWorkflowDepth = 8

// runWorkflow executes the binding's steps in order, piping each step's
// output into the next step's input. The first failing step aborts the
// workflow; its error is the workflow's error.
func (r *Runtime) runWorkflow(ctx context.Context, m *forge.ToolManifest, input interface{}, sandbox forge.SandboxProfile) (interface{}, error) {
	const op = "runtime.workflow"
	binding := m.Interfaces.Workflow
	if binding == nil || len(binding.Steps) == 0 {
		return nil, fault.New(fault.InvalidInput, op, "manifest has no workflow steps")
	}

	depth, _ := ctx.Value(workflowDepthKey{}).(int)
	if depth >= maxWorkflowDepth {
		return nil, fault.New(fault.InvariantViolation, op, "workflow nesting exceeds %d levels", maxWorkflowDepth)
	}
	ctx = context.WithValue(ctx, workflowDepthKey{}, depth+1)

	current := input
	for i, step := range binding.Steps {
		if step.ToolID == "" {
			return nil, fault.New(fault.InvalidInput, op, "step %d has no tool_id", i+1)
		}
		res, err := r.Execute(ctx, Request{
			ToolID:     step.ToolID,
			Version:    step.Version,
			Capability: step.Capability,
			Input:      stepInput(current),
			Sandbox:    &sandbox,
		})
		if err != nil {
			logging.RuntimeDebug("workflow %s aborted at step %d (%s): %v", m.Key(), i+1, step.ToolID, err)
			return nil, err
		}
		current = res.Result
	}
	return current, nil
}

// stepInput shapes a step's upstream value as a call input. Objects pass
// through; scalars and arrays wrap under "value" so every step still
// receives an input object.
func stepInput(v interface{}) map[string]interface{} {
	if obj, ok := v.(map[string]interface{}); ok {
		return obj
	}
	if v == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"value": v}
}
