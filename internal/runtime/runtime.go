// Package runtime executes registered tools inside sandbox profiles and
// records provenance for every dispatched call. Each manifest type has its
// own invocation channel: capability servers speak JSON-RPC over a managed
// subprocess, native tools run interpreted Go source, inline-llm tools
// render a prompt for the LLM collaborator, and workflows pipe other tools
// in sequence.
package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"toolforge/internal/capability"
	"toolforge/internal/config"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
	"toolforge/internal/types"
)

// ManifestSource resolves tool references. The registry satisfies it.
type ManifestSource interface {
	Get(ctx context.Context, toolID, versionExpr string) (*forge.ToolManifest, error)
}

// ServerManager keeps capability servers alive. *capability.Manager
// satisfies it.
type ServerManager interface {
	Ensure(ctx context.Context, binding forge.ServerBinding) (capability.Conn, error)
}

// Recorder receives completed execution records. The consensus engine
// satisfies it.
type Recorder interface {
	RecordExecution(ctx context.Context, rec forge.ExecutionRecord) error
}

// Request identifies one tool call.
type Request struct {
	ToolID  string
	Version string
	// Capability selects the operation when the manifest declares several.
	// Empty means the manifest's first capability.
	Capability string
	Input      map[string]interface{}
	// Sandbox is the request-level profile. Nil uses the configured default
	// preset. The effective profile is the tightest of this and the
	// tool-level profile.
	Sandbox *forge.SandboxProfile
}

// Result is a successful execution: the decoded output plus the provenance
// record and per-call metrics that were persisted for it.
type Result struct {
	Result     interface{}
	Provenance forge.ExecutionRecord
	Metrics    forge.CallMetrics
}

// Runtime dispatches tool calls. All fields are set at construction; the
// recorder may be attached later to break the construction cycle with the
// consensus engine.
type Runtime struct {
	manifests ManifestSource
	servers   ServerManager
	llm       types.LLMClient
	log       *ProvenanceLog
	recorder  Recorder
	cfg       *config.Config
}

// New builds a Runtime writing provenance under cfg.Runtime.ProvenanceDir.
// llm may be nil when no inline-llm tools will run.
func New(manifests ManifestSource, servers ServerManager, llm types.LLMClient, cfg *config.Config) (*Runtime, error) {
	const op = "runtime.new"
	if manifests == nil {
		return nil, fault.New(fault.InvalidInput, op, "nil manifest source")
	}
	if cfg == nil {
		return nil, fault.New(fault.InvalidInput, op, "nil config")
	}
	log, err := NewProvenanceLog(cfg.Runtime.ProvenanceDir)
	if err != nil {
		return nil, err
	}
	return &Runtime{manifests: manifests, servers: servers, llm: llm, log: log, cfg: cfg}, nil
}

// SetRecorder attaches the post-call recorder.
func (r *Runtime) SetRecorder(rec Recorder) { r.recorder = rec }

// Provenance exposes the append-only call log.
func (r *Runtime) Provenance() *ProvenanceLog { return r.log }

// presetProfile resolves a named sandbox preset. Unknown names resolve to
// the default preset.
func presetProfile(name string) forge.SandboxProfile {
	switch name {
	case "strict":
		return forge.StrictProfile()
	case "trusted":
		return forge.TrustedProfile()
	default:
		return forge.DefaultProfile()
	}
}

// trustProfile is the tool-level sandbox ceiling: core tools may run
// trusted, third-party tools default, everything else strict.
func trustProfile(level forge.TrustLevel) forge.SandboxProfile {
	switch level {
	case forge.TrustCore:
		return forge.TrustedProfile()
	case forge.TrustThirdParty:
		return forge.DefaultProfile()
	default:
		return forge.StrictProfile()
	}
}

// effectiveSandbox merges the request-level profile with the tool-level
// ceiling, tightest side winning.
func (r *Runtime) effectiveSandbox(requested *forge.SandboxProfile, m *forge.ToolManifest) forge.SandboxProfile {
	request := presetProfile(r.cfg.Runtime.DefaultSandbox)
	if requested != nil {
		request = *requested
	}
	return forge.Tightest(request, trustProfile(m.Trust.Level))
}

// callDeadline derives the wall-clock budget from the tool's speed tier,
// tightened by the sandbox profile when it carries an opinion.
func callDeadline(m *forge.ToolManifest, sandbox forge.SandboxProfile) time.Duration {
	d := m.Interfaces.Speed.Deadline()
	if sandbox.Deadline > 0 && sandbox.Deadline < d {
		d = sandbox.Deadline
	}
	return d
}

// pickCapability resolves the requested capability name against the
// manifest. Empty name selects the first declared capability; manifests
// without declared capabilities return nil.
func pickCapability(m *forge.ToolManifest, name string) (*forge.Capability, error) {
	const op = "runtime.capability"
	if name == "" {
		if len(m.Capabilities) == 0 {
			return nil, nil
		}
		return &m.Capabilities[0], nil
	}
	for i := range m.Capabilities {
		if m.Capabilities[i].Name == name {
			return &m.Capabilities[i], nil
		}
	}
	return nil, fault.New(fault.InvalidInput, op, "tool %s has no capability %q", m.Key(), name)
}

// Execute runs one tool call: resolve the manifest, validate the input
// against the capability schema, ensure the invocation channel, dispatch
// under the effective deadline, and persist provenance. Provenance is
// written for every call that reached dispatch, failures and cancellations
// included.
func (r *Runtime) Execute(ctx context.Context, req Request) (*Result, error) {
	const op = "runtime.execute"
	if strings.TrimSpace(req.ToolID) == "" {
		return nil, fault.New(fault.InvalidInput, op, "empty tool_id")
	}
	if req.Input == nil {
		req.Input = map[string]interface{}{}
	}

	m, err := r.manifests.Get(ctx, req.ToolID, req.Version)
	if err != nil {
		return nil, err
	}

	capSpec, err := pickCapability(m, req.Capability)
	if err != nil {
		return nil, err
	}
	if capSpec != nil {
		if err := validateInput(capSpec.InputSchema, req.Input); err != nil {
			return nil, err
		}
	}

	inputHash, err := forge.InputHash(req.Input)
	if err != nil {
		return nil, fault.New(fault.InvalidInput, op, "input not hashable: %v", err)
	}

	sandbox := r.effectiveSandbox(req.Sandbox, m)

	// Server startup happens before the call clock starts so slow spawns
	// do not count against the tool's latency window.
	var conn capability.Conn
	if m.Type == forge.TypeCapabilityServer {
		if m.Interfaces.Server == nil {
			return nil, fault.New(fault.InvalidInput, op, "manifest %s has no server binding", m.Key())
		}
		if r.servers == nil {
			return nil, fault.New(fault.ServerUnavailable, op, "no server manager configured")
		}
		conn, err = r.servers.Ensure(ctx, *m.Interfaces.Server)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now().UTC()
	callID := forge.CallID(m.ToolID, m.Version, start)
	callCtx, cancel := context.WithTimeout(ctx, callDeadline(m, sandbox))
	defer cancel()

	output, dispatchErr := r.dispatch(callCtx, m, capSpec, conn, req.Input, sandbox)
	end := time.Now().UTC()

	rec := forge.ExecutionRecord{
		CallID:         callID,
		ToolID:         m.ToolID,
		Version:        m.Version,
		InputHash:      inputHash,
		StartedAt:      start,
		EndedAt:        end,
		LatencyMs:      end.Sub(start).Milliseconds(),
		SandboxProfile: sandbox.Name,
	}
	metrics := forge.CallMetrics{LatencyMs: rec.LatencyMs, Timestamp: end}
	if dispatchErr != nil {
		rec.ErrorKind = string(fault.KindOf(dispatchErr))
	} else {
		rec.Success = true
		rec.ResultHash = forge.ResultHash(output)
		metrics.Success = true
	}

	if _, perr := r.log.Append(ProvenanceEntry{Provenance: rec, Metrics: metrics, ResultHash: rec.ResultHash}); perr != nil {
		logging.Runtime("provenance append failed for %s: %v", callID, perr)
		if dispatchErr == nil {
			return nil, perr
		}
	}
	if r.recorder != nil {
		// Recording must survive a cancelled call context.
		if rerr := r.recorder.RecordExecution(context.WithoutCancel(ctx), rec); rerr != nil {
			logging.RuntimeDebug("execution record for %s not persisted: %v", callID, rerr)
		}
	}

	if dispatchErr != nil {
		logging.RuntimeDebug("call %s (%s) failed: %v", callID, m.Key(), dispatchErr)
		return nil, dispatchErr
	}
	logging.RuntimeDebug("call %s (%s) ok in %dms", callID, m.Key(), rec.LatencyMs)
	return &Result{Result: output, Provenance: rec, Metrics: metrics}, nil
}

// dispatch routes the call to the manifest type's invocation channel.
func (r *Runtime) dispatch(ctx context.Context, m *forge.ToolManifest, capSpec *forge.Capability, conn capability.Conn, input map[string]interface{}, sandbox forge.SandboxProfile) (interface{}, error) {
	const op = "runtime.dispatch"
	switch m.Type {
	case forge.TypeCapabilityServer:
		return callServer(ctx, conn, m, capSpec, input)
	case forge.TypeNative:
		return runNative(ctx, m.Interfaces.Native, input, sandbox)
	case forge.TypeInlineLLM:
		return r.callInlineLLM(ctx, m, input)
	case forge.TypeWorkflow:
		return r.runWorkflow(ctx, m, input, sandbox)
	default:
		return nil, fault.New(fault.InvalidInput, op, "manifest %s has unknown type %q", m.Key(), m.Type)
	}
}

// callServer sends the call over the managed subprocess channel. The RPC
// tool name is the capability name when one is declared, else the tool id.
func callServer(ctx context.Context, conn capability.Conn, m *forge.ToolManifest, capSpec *forge.Capability, input map[string]interface{}) (interface{}, error) {
	const op = "runtime.server"
	if conn == nil {
		return nil, fault.New(fault.ServerUnavailable, op, "no connection for %s", m.Key())
	}
	name := m.ToolID
	if capSpec != nil {
		name = capSpec.Name
	}
	raw, err := conn.CallTool(ctx, name, input)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw), nil
	}
	return decoded, nil
}
