package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"toolforge/internal/director"
	"toolforge/internal/forge"
)

var (
	intentTags       []string
	intentTrust      string
	intentMaxLatency float64
	intentMaxRisk    float64
	intentMaxCost    float64
)

var intentCmd = &cobra.Command{
	Use:   "intent <text...>",
	Short: "Hand an intent to the director",
	Long: `The director discovers a tool matching the intent, or generates and
validates a new one on a miss, executes it, and records the outcome.

Exits 3 when nothing matches and no generator is configured, 4 when a
generated tool fails validation, 6 when the forge is saturated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIntent,
}

func init() {
	intentCmd.Flags().StringSliceVar(&intentTags, "tag", nil, "require a tag during discovery (repeatable)")
	intentCmd.Flags().StringVar(&intentTrust, "trust", "", "minimum trust level for discovered tools")
	intentCmd.Flags().Float64Var(&intentMaxLatency, "max-latency", 0, "latency bound in ms, reweights scoring")
	intentCmd.Flags().Float64Var(&intentMaxRisk, "max-risk", 0, "risk bound, reweights scoring")
	intentCmd.Flags().Float64Var(&intentMaxCost, "max-cost", 0, "per-call cost bound, reweights scoring")
}

func runIntent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	out, err := app.director.Handle(ctx, director.Intent{
		Text:           strings.Join(args, " "),
		Tags:           intentTags,
		TrustAtLeast:   forge.TrustLevel(intentTrust),
		MaxLatencyMs:   intentMaxLatency,
		MaxRiskScore:   intentMaxRisk,
		MaxCostPerCall: intentMaxCost,
	})
	if out != nil && jsonOut {
		_ = json.NewEncoder(os.Stdout).Encode(out)
	}
	if err != nil {
		return err
	}

	if !jsonOut {
		result, _ := json.MarshalIndent(out.Result, "", "  ")
		fmt.Println(string(result))
		fmt.Printf("tool %s@%s (generated=%t), call %s, %dms\n",
			out.ToolID, out.Version, out.Generated, out.CallID, out.Metrics.LatencyMs)
		if out.Score != nil {
			fmt.Printf("consensus weight %.3f\n", out.Score.Weight)
		}
	}
	return nil
}
