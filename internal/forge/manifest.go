// Package forge defines the domain model shared by the registry, the
// consensus engine, the optimizer, and the runtime: tool manifests, execution
// records, consensus scores, artifact variants, and the hashing rules that
// make provenance reproducible. Types here are foundational data structures
// with no dependencies on the components that own them.
package forge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"toolforge/internal/fault"
)

// ToolType tags the invocation channel a manifest binds to.
type ToolType string

const (
	TypeCapabilityServer ToolType = "capability-server"
	TypeInlineLLM        ToolType = "inline-llm"
	TypeNative           ToolType = "native"
	TypeWorkflow         ToolType = "workflow"
)

// Valid reports whether t is one of the known tool types.
func (t ToolType) Valid() bool {
	switch t {
	case TypeCapabilityServer, TypeInlineLLM, TypeNative, TypeWorkflow:
		return true
	}
	return false
}

// TrustLevel orders how much the forge trusts a tool. Upgrades happen only
// through a successful validation run.
type TrustLevel string

const (
	TrustExperimental TrustLevel = "experimental"
	TrustThirdParty   TrustLevel = "third_party"
	TrustCore         TrustLevel = "core"
)

// Rank maps trust levels onto a total order for monotonicity checks.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustCore:
		return 2
	case TrustThirdParty:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is one of the known trust levels.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustExperimental, TrustThirdParty, TrustCore:
		return true
	}
	return false
}

// ManifestStatus marks whether a manifest participates in lookups.
// Manifests are never deleted; archival is a status change.
type ManifestStatus string

const (
	StatusActive   ManifestStatus = "active"
	StatusArchived ManifestStatus = "archived"
)

// SpeedTier selects the default per-call deadline for a tool.
type SpeedTier string

const (
	SpeedInstant  SpeedTier = "instant"
	SpeedFast     SpeedTier = "fast"
	SpeedStandard SpeedTier = "standard"
	SpeedSlow     SpeedTier = "slow"
)

// Deadline returns the wall-clock budget for one call at this tier.
// Unknown tiers fall back to the standard budget.
func (s SpeedTier) Deadline() time.Duration {
	switch s {
	case SpeedInstant:
		return 2 * time.Second
	case SpeedFast:
		return 10 * time.Second
	case SpeedSlow:
		return 120 * time.Second
	default:
		return 30 * time.Second
	}
}

// Origin records who (and what model) produced a manifest.
type Origin struct {
	Author      string    `json:"author"`
	SourceModel string    `json:"source_model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommitRecord is one entry in a manifest's change history.
type CommitRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
}

// Lineage links a manifest to the tool it was derived from. AncestorToolID
// is empty for roots; the ancestor chain must never revisit a tool_id.
type Lineage struct {
	AncestorToolID string         `json:"ancestor_tool_id,omitempty"`
	MutationReason string         `json:"mutation_reason,omitempty"`
	Commits        []CommitRecord `json:"commits,omitempty"`
}

// Capability describes one callable operation a tool exposes. Schemas are
// JSON Schema documents kept verbatim so they can be compiled for input
// validation without a round-trip.
type Capability struct {
	Name           string          `json:"name"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	Preconditions  []string        `json:"preconditions,omitempty"`
	Postconditions []string        `json:"postconditions,omitempty"`
}

// ServerBinding names the subprocess that serves a capability-server tool.
type ServerBinding struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// NativeBinding embeds Go source executed in the sandboxed interpreter.
// Entrypoint defaults to RunTool when empty.
type NativeBinding struct {
	Source     string `json:"source"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// InlineLLMBinding renders a prompt template against the call input and
// sends it to the LLM collaborator.
type InlineLLMBinding struct {
	PromptTemplate string  `json:"prompt_template"`
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
}

// WorkflowStep references one tool invocation inside a workflow.
type WorkflowStep struct {
	ToolID     string `json:"tool_id"`
	Version    string `json:"version,omitempty"`
	Capability string `json:"capability,omitempty"`
}

// WorkflowBinding chains tools sequentially; each step receives the previous
// step's output as input.
type WorkflowBinding struct {
	Steps []WorkflowStep `json:"steps"`
}

// InterfaceBindings holds the invocation-channel bindings for a manifest.
// Exactly one binding should match the manifest type; Speed selects the
// default deadline tier.
type InterfaceBindings struct {
	Server    *ServerBinding    `json:"server,omitempty"`
	Native    *NativeBinding    `json:"native,omitempty"`
	InlineLLM *InlineLLMBinding `json:"inline_llm,omitempty"`
	Workflow  *WorkflowBinding  `json:"workflow,omitempty"`
	Speed     SpeedTier         `json:"speed,omitempty"`
}

// Trust carries the manifest's trust level and the scores that justify it.
type Trust struct {
	Level           TrustLevel `json:"level"`
	ValidationScore float64    `json:"validation_score"`
	RiskScore       float64    `json:"risk_score"`
}

// AggregateMetrics summarizes the execution window.
type AggregateMetrics struct {
	MeanLatencyMs float64   `json:"mean_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	SuccessRate   float64   `json:"success_rate"`
	Correctness   float64   `json:"correctness,omitempty"`
	SampleCount   int       `json:"sample_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExecutionMetrics is the manifest's bounded recent-execution window plus
// the latest aggregates derived from it.
type ExecutionMetrics struct {
	Window []ExecutionRecord `json:"window,omitempty"`
	Latest *AggregateMetrics `json:"latest,omitempty"`
}

// ToolManifest is the identity and contract of one tool version.
type ToolManifest struct {
	ToolID       string            `json:"tool_id"`
	Version      string            `json:"version"`
	Name         string            `json:"name"`
	Type         ToolType          `json:"type"`
	Description  string            `json:"description"`
	Origin       Origin            `json:"origin"`
	Lineage      Lineage           `json:"lineage"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Interfaces   InterfaceBindings `json:"interfaces"`
	Trust        Trust             `json:"trust"`
	Metrics      ExecutionMetrics  `json:"metrics"`
	Tags         []string          `json:"tags,omitempty"`
	Embedding    []float32         `json:"embedding,omitempty"`
	Status       ManifestStatus    `json:"status"`

	// Extra preserves unknown manifest fields across load/store cycles.
	Extra map[string]json.RawMessage `json:"-"`
}

// Key returns the canonical identity string for this manifest.
func (m *ToolManifest) Key() string {
	return m.ToolID + "@" + m.Version
}

// FileStem returns the on-disk stem for manifest files, tool_id_vM.m.p.
func (m *ToolManifest) FileStem() string {
	return fmt.Sprintf("%s_v%s", m.ToolID, m.Version)
}

// EmbeddingText builds the text the registry embeds for semantic search:
// name, description, and truncated capability summaries.
func (m *ToolManifest) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(m.Name)
	if m.Description != "" {
		b.WriteString("\n")
		b.WriteString(m.Description)
	}
	for _, c := range m.Capabilities {
		b.WriteString("\n")
		b.WriteString(truncate(c.Name, 80))
		for _, pre := range c.Preconditions {
			b.WriteString(" ")
			b.WriteString(truncate(pre, 60))
		}
	}
	if len(m.Tags) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(m.Tags, " "))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Validate checks the manifest's shape: required identity fields, a parseable
// semantic version, known enum values, and scores within [0,1].
func (m *ToolManifest) Validate() error {
	const op = "manifest.Validate"
	if m.ToolID == "" {
		return fault.New(fault.InvalidInput, op, "tool_id is required")
	}
	if strings.ContainsAny(m.ToolID, " \t\n:@") {
		return fault.New(fault.InvalidInput, op, "tool_id %q contains reserved characters", m.ToolID)
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return fault.New(fault.InvalidInput, op, "version %q is not semantic: %v", m.Version, err)
	}
	if m.Name == "" {
		return fault.New(fault.InvalidInput, op, "name is required")
	}
	if !m.Type.Valid() {
		return fault.New(fault.InvalidInput, op, "unknown tool type %q", m.Type)
	}
	if !m.Trust.Level.Valid() {
		return fault.New(fault.InvalidInput, op, "unknown trust level %q", m.Trust.Level)
	}
	if m.Status != "" && m.Status != StatusActive && m.Status != StatusArchived {
		return fault.New(fault.InvalidInput, op, "unknown status %q", m.Status)
	}
	if m.Trust.ValidationScore < 0 || m.Trust.ValidationScore > 1 {
		return fault.New(fault.InvalidInput, op, "validation_score %.3f outside [0,1]", m.Trust.ValidationScore)
	}
	if m.Trust.RiskScore < 0 || m.Trust.RiskScore > 1 {
		return fault.New(fault.InvalidInput, op, "risk_score %.3f outside [0,1]", m.Trust.RiskScore)
	}
	if m.Lineage.AncestorToolID == m.ToolID && m.ToolID != "" {
		return fault.New(fault.InvariantViolation, op, "tool %s cannot be its own ancestor", m.ToolID)
	}
	return nil
}

// manifestAlias avoids recursion in the custom JSON round-trip.
type manifestAlias ToolManifest

// knownManifestFields lists the JSON keys the struct owns; anything else is
// preserved in Extra.
var knownManifestFields = map[string]bool{
	"tool_id": true, "version": true, "name": true, "type": true,
	"description": true, "origin": true, "lineage": true,
	"capabilities": true, "interfaces": true, "trust": true,
	"metrics": true, "tags": true, "embedding": true, "status": true,
}

// UnmarshalJSON decodes a manifest while preserving unknown fields.
func (m *ToolManifest) UnmarshalJSON(data []byte) error {
	var alias manifestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownManifestFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}
	*m = ToolManifest(alias)
	return nil
}

// MarshalJSON encodes the manifest with any preserved unknown fields merged
// back in. Known fields win on key collision.
func (m ToolManifest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(manifestAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy safe to mutate independently.
func (m *ToolManifest) Clone() *ToolManifest {
	data, err := json.Marshal(m)
	if err != nil {
		cp := *m
		return &cp
	}
	var out ToolManifest
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *m
		return &cp
	}
	return &out
}
