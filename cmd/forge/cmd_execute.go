package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	toolruntime "toolforge/internal/runtime"
)

var (
	execInput      string
	execInputFile  string
	execCapability string
	execSandbox    string
)

var executeCmd = &cobra.Command{
	Use:   "execute <tool_id> [version]",
	Short: "Execute a tool call in the sandboxed runtime",
	Long: `Executes one tool call and prints the result with its provenance.
Input is a JSON object via --input or --input-file. The sandbox preset
is merged with the tool's own profile, keeping the tighter side.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExecute,
}

func init() {
	executeCmd.Flags().StringVarP(&execInput, "input", "i", "", "call input as a JSON object")
	executeCmd.Flags().StringVar(&execInputFile, "input-file", "", "read the call input from a JSON file")
	executeCmd.Flags().StringVarP(&execCapability, "capability", "c", "", "capability name (default: the manifest's first)")
	executeCmd.Flags().StringVar(&execSandbox, "sandbox", "", "sandbox preset: strict, default, trusted")
}

func runExecute(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	input, err := readInput()
	if err != nil {
		return err
	}
	sandbox, err := sandboxPreset(execSandbox)
	if err != nil {
		return err
	}

	version := ""
	if len(args) > 1 {
		version = args[1]
	}

	res, err := app.runtime.Execute(ctx, toolruntime.Request{
		ToolID:     args[0],
		Version:    version,
		Capability: execCapability,
		Input:      input,
		Sandbox:    sandbox,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(res)
	}

	out, _ := json.MarshalIndent(res.Result, "", "  ")
	fmt.Println(string(out))
	fmt.Printf("call %s: %dms, success=%t, sandbox=%s\n",
		res.Provenance.CallID, res.Metrics.LatencyMs, res.Metrics.Success,
		res.Provenance.SandboxProfile)
	return nil
}

func readInput() (map[string]interface{}, error) {
	const op = "forge.execute"

	raw := []byte(execInput)
	if execInputFile != "" {
		if execInput != "" {
			return nil, fault.New(fault.InvalidInput, op, "--input and --input-file are mutually exclusive")
		}
		data, err := os.ReadFile(execInputFile)
		if err != nil {
			return nil, fault.New(fault.InvalidInput, op, "cannot read input file: %v", err)
		}
		raw = data
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}

	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fault.New(fault.InvalidInput, op, "input is not a JSON object: %v", err)
	}
	return input, nil
}

func sandboxPreset(name string) (*forge.SandboxProfile, error) {
	switch name {
	case "":
		return nil, nil
	case "strict":
		p := forge.StrictProfile()
		return &p, nil
	case "default":
		p := forge.DefaultProfile()
		return &p, nil
	case "trusted":
		p := forge.TrustedProfile()
		return &p, nil
	default:
		return nil, fault.New(fault.InvalidInput, "forge.execute", "unknown sandbox preset %q", name)
	}
}
