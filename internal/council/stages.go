package council

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	toolruntime "toolforge/internal/runtime"
)

// Suite is the YAML validation artifact for one tool version: shell checks
// grouped by stage. A missing file means the shell stages pass vacuously.
type Suite struct {
	Version int          `yaml:"version"`
	BDD     []ShellCheck `yaml:"bdd,omitempty"`
	Unit    []ShellCheck `yaml:"unit,omitempty"`
}

// ShellCheck is one runnable check inside a suite.
type ShellCheck struct {
	ID         string `yaml:"id"`
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

// LoadSuite reads a suite file. A missing file is not an error; it returns
// (nil, nil) so the caller can treat the stages as vacuous.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("suite %s does not parse: %w", filepath.Base(path), err)
	}
	return &s, nil
}

// ShellRunner executes one command line and returns its combined output.
// Injectable so tests can run without a shell.
type ShellRunner func(ctx context.Context, command, workdir string) (string, error)

func runShell(ctx context.Context, command, workdir string) (string, error) {
	const op = "council.shell"
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fault.New(fault.InvalidInput, op, "empty command")
	}
	var cmd *exec.Cmd
	if goruntime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "bash", "-lc", command)
	}
	if workdir != "" {
		cmd.Dir = workdir
	}
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), fault.FromContext(op, ctx.Err())
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed (%s): %w", command, err)
	}
	return string(out), nil
}

// runChecks executes checks in order and reports how many passed plus a
// summary of the failures.
func (c *Council) runChecks(ctx context.Context, checks []ShellCheck, workdir string) (int, string) {
	passed := 0
	var failures []string
	for _, check := range checks {
		timeout := time.Duration(check.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = c.cfg.GetStageTimeout()
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		out, err := c.shell(cctx, check.Command, workdir)
		cancel()
		if err != nil {
			msg := fmt.Sprintf("%s: %v", check.ID, err)
			if tail := lastLine(out); tail != "" {
				msg += " (" + tail + ")"
			}
			failures = append(failures, msg)
			continue
		}
		passed++
	}
	return passed, strings.Join(failures, "; ")
}

// bddStage requires every acceptance check to pass.
func (c *Council) bddStage(ctx context.Context, suite *Suite, loadErr error) StageResult {
	sr := StageResult{Stage: StageBDD}
	if loadErr != nil {
		sr.Detail = loadErr.Error()
		return sr
	}
	if suite == nil || len(suite.BDD) == 0 {
		sr.Passed, sr.Score, sr.Vacuous = true, 1.0, true
		sr.Detail = "no acceptance checks declared"
		return sr
	}
	passed, detail := c.runChecks(ctx, suite.BDD, c.cfg.Workspace)
	sr.Score = float64(passed) / float64(len(suite.BDD))
	sr.Passed = passed == len(suite.BDD)
	sr.Detail = detail
	return sr
}

// unitStage passes when the check pass rate clears the configured floor.
func (c *Council) unitStage(ctx context.Context, suite *Suite, loadErr error) StageResult {
	sr := StageResult{Stage: StageUnit}
	if loadErr != nil {
		sr.Detail = loadErr.Error()
		return sr
	}
	if suite == nil || len(suite.Unit) == 0 {
		sr.Passed, sr.Score, sr.Vacuous = true, 1.0, true
		sr.Detail = "no unit checks declared"
		return sr
	}
	passed, detail := c.runChecks(ctx, suite.Unit, c.cfg.Workspace)
	sr.Score = float64(passed) / float64(len(suite.Unit))
	sr.Passed = sr.Score >= c.cfg.Council.UnitPassRate
	sr.Detail = detail
	return sr
}

// executable reports whether the manifest carries a binding the runtime can
// actually drive for characterization calls.
func (c *Council) executable(m *forge.ToolManifest) bool {
	switch m.Type {
	case forge.TypeNative:
		return m.Interfaces.Native != nil && strings.TrimSpace(m.Interfaces.Native.Source) != ""
	case forge.TypeCapabilityServer:
		return m.Interfaces.Server != nil
	case forge.TypeInlineLLM:
		return m.Interfaces.InlineLLM != nil && c.llm != nil
	case forge.TypeWorkflow:
		return m.Interfaces.Workflow != nil && len(m.Interfaces.Workflow.Steps) > 0
	default:
		return false
	}
}

// loadStage drives the runtime with repeated calls and checks the p95
// latency and failure-rate bounds.
func (c *Council) loadStage(ctx context.Context, m *forge.ToolManifest) StageResult {
	sr := StageResult{Stage: StageLoad}
	if c.exec == nil || !c.executable(m) {
		sr.Passed, sr.Score, sr.Vacuous = true, 1.0, true
		sr.Detail = "no executable binding"
		return sr
	}
	calls := c.cfg.Council.LoadCalls
	if calls <= 0 {
		calls = 20
	}
	input := sampleInput(m)
	var latencies []float64
	failures := 0
	for i := 0; i < calls; i++ {
		res, err := c.exec.Execute(ctx, toolruntime.Request{ToolID: m.ToolID, Version: m.Version, Input: input})
		if err != nil {
			failures++
			continue
		}
		latencies = append(latencies, float64(res.Metrics.LatencyMs))
	}
	failRate := float64(failures) / float64(calls)
	p95 := percentile95(latencies)
	latencyOK := p95 <= c.cfg.Council.LoadP95Ms
	failOK := failRate <= c.cfg.Council.LoadFailureRate

	switch {
	case latencyOK && failOK:
		sr.Score = 1.0
	case latencyOK || failOK:
		sr.Score = 0.5
	}
	sr.Passed = latencyOK && failOK
	sr.Detail = fmt.Sprintf("calls=%d p95=%.0fms failure_rate=%.3f", calls, p95, failRate)
	return sr
}

// lastLine returns the final non-empty line of command output, truncated.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		return line
	}
	return ""
}

func percentile95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// sampleInput derives a minimal valid input from the first capability's
// schema: required fields get placeholder values by declared type.
func sampleInput(m *forge.ToolManifest) map[string]interface{} {
	out := map[string]interface{}{}
	if len(m.Capabilities) == 0 || len(m.Capabilities[0].InputSchema) == 0 {
		return out
	}
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(m.Capabilities[0].InputSchema, &schema); err != nil {
		return out
	}
	for _, name := range schema.Required {
		switch schema.Properties[name].Type {
		case "number", "integer":
			out[name] = 1
		case "boolean":
			out[name] = true
		case "array":
			out[name] = []interface{}{}
		case "object":
			out[name] = map[string]interface{}{}
		default:
			out[name] = "sample"
		}
	}
	return out
}

// securityFinding classifies one source pattern.
type securityFinding struct {
	pattern  string
	severity string
	message  string
}

var securityPatterns = []securityFinding{
	{`"os/exec"`, SeverityCritical, "spawns subprocesses"},
	{`"syscall"`, SeverityCritical, "issues raw syscalls"},
	{`"unsafe"`, SeverityCritical, "uses unsafe memory access"},
	{`"net"`, SeverityCritical, "opens raw network connections"},
	{`"net/http"`, SeverityCritical, "opens network sockets"},
	{`"plugin"`, SeverityCritical, "loads native plugins"},
	{`"os"`, SeverityWarning, "touches the local filesystem"},
	{`"reflect"`, SeverityWarning, "relies on reflection"},
}

// securityStage statically scans embedded native source. Tools without
// embedded source have no artifact for this stage.
func (c *Council) securityStage(m *forge.ToolManifest) StageResult {
	sr := StageResult{Stage: StageSecurity}
	if m.Type != forge.TypeNative || m.Interfaces.Native == nil || strings.TrimSpace(m.Interfaces.Native.Source) == "" {
		sr.Passed, sr.Score, sr.Vacuous = true, 1.0, true
		sr.Detail = "no embedded source to scan"
		return sr
	}
	source := m.Interfaces.Native.Source
	criticals := 0
	for _, p := range securityPatterns {
		if !strings.Contains(source, p.pattern) {
			continue
		}
		sr.Findings = append(sr.Findings, Finding{Severity: p.severity, Message: fmt.Sprintf("%s: %s", strings.Trim(p.pattern, `"`), p.message)})
		if p.severity == SeverityCritical {
			criticals++
		}
	}
	switch {
	case criticals > 0:
		sr.Score = 0
	case len(sr.Findings) > 0:
		sr.Score = 0.7
		sr.Passed = true
	default:
		sr.Score = 1.0
		sr.Passed = true
	}
	sr.Detail = fmt.Sprintf("findings=%d critical=%d", len(sr.Findings), criticals)
	return sr
}
