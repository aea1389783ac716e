package runtime

import (
	"strings"
	"testing"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

func TestCheckImports(t *testing.T) {
	readonly := allowedImports(forge.DefaultProfile())
	readwrite := allowedImports(forge.TrustedProfile())

	tests := []struct {
		name    string
		source  string
		allowed map[string]bool
		wantErr bool
	}{
		{
			name:    "single pure import",
			source:  "import \"strings\"\n\nfunc RunTool(in string) (string, error) { return in, nil }",
			allowed: readonly,
		},
		{
			name: "import block with alias",
			source: `import (
	"encoding/json"
	j "strings"
)`,
			allowed: readonly,
		},
		{
			name:    "os blocked without readwrite",
			source:  "import \"os\"",
			allowed: readonly,
			wantErr: true,
		},
		{
			name:    "os allowed with readwrite",
			source:  "import \"os\"",
			allowed: readwrite,
		},
		{
			name: "sockets blocked at every level",
			source: `import (
	"net/http"
)`,
			allowed: readwrite,
			wantErr: true,
		},
		{
			name:    "exec blocked at every level",
			source:  "import \"os/exec\"",
			allowed: readwrite,
			wantErr: true,
		},
		{
			name: "comments inside import block ignored",
			source: `import (
	// parsing helpers
	"strconv"
)`,
			allowed: readonly,
		},
		{
			name:    "no imports",
			source:  "func RunTool(in string) (string, error) { return in, nil }",
			allowed: readonly,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkImports(tt.source, tt.allowed)
			if tt.wantErr {
				if !fault.Is(err, fault.InvariantViolation) {
					t.Fatalf("kind = %v, want invariant_violation", fault.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("checkImports: %v", err)
			}
		})
	}
}

func TestAllowedImportsBySandbox(t *testing.T) {
	strict := allowedImports(forge.StrictProfile())
	if strict["os"] {
		t.Error("strict sandbox grants os")
	}
	if !strict["strings"] {
		t.Error("strict sandbox denies strings")
	}

	trusted := allowedImports(forge.TrustedProfile())
	if !trusted["os"] {
		t.Error("trusted sandbox denies os")
	}
	if trusted["net/http"] {
		t.Error("net/http whitelisted; the native channel must never grant sockets")
	}
	if trusted["os/exec"] {
		t.Error("os/exec whitelisted")
	}
}

func TestWrapSource(t *testing.T) {
	plain := "func RunTool(in string) (string, error) { return in, nil }"
	if got := wrapSource(plain); !strings.HasPrefix(got, "package main") {
		t.Errorf("wrapSource did not add package clause: %q", got)
	}
	already := "package main\n\nfunc RunTool(in string) (string, error) { return in, nil }"
	if got := wrapSource(already); got != already {
		t.Errorf("wrapSource rewrote a complete file")
	}
}

func TestRenderPrompt(t *testing.T) {
	input := map[string]interface{}{
		"text":  "hello",
		"count": 3,
	}
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "whole input canonical",
			template: "payload: {{input}}",
			want:     `payload: {"count":3,"text":"hello"}`,
		},
		{
			name:     "string field verbatim",
			template: "say {{text}}",
			want:     "say hello",
		},
		{
			name:     "non-string field as JSON",
			template: "repeat {{count}} times",
			want:     "repeat 3 times",
		},
		{
			name:     "unknown placeholder untouched",
			template: "missing {{nope}}",
			want:     "missing {{nope}}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderPrompt(tt.template, input)
			if err != nil {
				t.Fatalf("renderPrompt: %v", err)
			}
			if got != tt.want {
				t.Errorf("rendered = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStepInput(t *testing.T) {
	obj := map[string]interface{}{"a": 1}
	if got := stepInput(obj); got["a"] != 1 {
		t.Errorf("object input not passed through: %v", got)
	}
	if got := stepInput("scalar"); got["value"] != "scalar" {
		t.Errorf("scalar not wrapped: %v", got)
	}
	if got := stepInput(nil); len(got) != 0 {
		t.Errorf("nil input = %v, want empty object", got)
	}
}
