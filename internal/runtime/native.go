package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
)

// pureImports are the stdlib packages every native tool may use regardless of
// sandbox profile. Nothing here can reach the network, the filesystem, or
// another process.
var pureImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// filesystemImports unlock only when the sandbox grants readwrite filesystem.
// A readonly grant stays at the pure set: package os cannot express
// read-only, so readonly tightens to no disk access at all.
var filesystemImports = map[string]bool{
	"bufio":         true,
	"io":            true,
	"io/fs":         true,
	"os":            true,
	"path":          true,
	"path/filepath": true,
}

// allowedImports builds the whitelist for one call. The native channel never
// grants sockets: network work belongs to capability servers.
func allowedImports(sandbox forge.SandboxProfile) map[string]bool {
	allowed := make(map[string]bool, len(pureImports)+len(filesystemImports))
	for pkg := range pureImports {
		allowed[pkg] = true
	}
	if sandbox.Filesystem == forge.FilesystemReadwrite {
		for pkg := range filesystemImports {
			allowed[pkg] = true
		}
	}
	return allowed
}

// checkImports scans the source's import statements against the whitelist.
func checkImports(source string, allowed map[string]bool) error {
	const op = "runtime.native.imports"
	var imports []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}
	for _, pkg := range imports {
		if !allowed[pkg] {
			return fault.New(fault.InvariantViolation, op, "import %q not allowed in sandbox", pkg)
		}
	}
	return nil
}

// importPath extracts the quoted path from one import line, dropping any
// alias. Lines without a quoted path (comments, blanks) yield "".
func importPath(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.Index(line, `"`); i >= 0 {
		line = line[i:]
	}
	line = strings.Trim(line, `"`)
	if line == "" || strings.HasPrefix(line, "//") {
		return ""
	}
	return line
}

// wrapSource prefixes a package clause when the tool source omits one.
func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

// runNative interprets the manifest's embedded Go source and calls its
// entrypoint with the canonical input JSON. The entrypoint must have the
// signature func(string) (string, error) and return JSON.
func runNative(ctx context.Context, binding *forge.NativeBinding, input interface{}, sandbox forge.SandboxProfile) (interface{}, error) {
	const op = "runtime.native"
	if binding == nil || strings.TrimSpace(binding.Source) == "" {
		return nil, fault.New(fault.InvalidInput, op, "manifest has no native source")
	}
	if err := checkImports(binding.Source, allowedImports(sandbox)); err != nil {
		return nil, err
	}
	canonical, err := forge.StableJSON(input)
	if err != nil {
		return nil, fault.New(fault.InvalidInput, op, "input not JSON-serializable: %v", err)
	}

	// The interpreter serves os.Getenv from its own env map, empty unless
	// seeded. The readwrite grant is what unlocks package os, so it also
	// decides whether the tool sees the real process environment.
	opts := interp.Options{}
	if sandbox.Filesystem == forge.FilesystemReadwrite {
		opts.Env = os.Environ()
	}
	i := interp.New(opts)
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	if _, err := i.Eval(wrapSource(binding.Source)); err != nil {
		return nil, fault.New(fault.Internal, op, "tool source does not evaluate: %v", err)
	}

	entrypoint := binding.Entrypoint
	if entrypoint == "" {
		entrypoint = "RunTool"
	}
	sym, err := i.Eval("main." + entrypoint)
	if err != nil {
		return nil, fault.New(fault.Internal, op, "entrypoint %s not found: %v", entrypoint, err)
	}
	fn, ok := sym.Interface().(func(string) (string, error))
	if !ok {
		return nil, fault.New(fault.Internal, op, "entrypoint %s must be func(string) (string, error)", entrypoint)
	}

	// The interpreter cannot be preempted, so the call runs in its own
	// goroutine and the deadline abandons it.
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := fn(string(canonical))
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fault.New(fault.Internal, op, "tool failed: %v", res.err)
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(res.out), &decoded); err != nil {
			return nil, fault.New(fault.Internal, op, "tool returned invalid JSON: %v", err)
		}
		return decoded, nil
	case <-ctx.Done():
		return nil, fault.FromContext(op, ctx.Err())
	}
}
