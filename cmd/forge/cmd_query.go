package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"toolforge/internal/forge"
	"toolforge/internal/registry"
)

var (
	queryLimit      int
	queryType       string
	queryTags       []string
	queryTrust      string
	queryMaxLatency float64
	queryMaxRisk    float64
	queryMinCorrect float64
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Discover tools semantically matching a capability description",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 0, "maximum results (0 = configured default)")
	queryCmd.Flags().StringVar(&queryType, "type", "", "restrict to a tool type (native, capability-server, inline-llm, workflow)")
	queryCmd.Flags().StringSliceVar(&queryTags, "tag", nil, "require a tag (repeatable)")
	queryCmd.Flags().StringVar(&queryTrust, "trust", "", "minimum trust level (experimental, third_party, core)")
	queryCmd.Flags().Float64Var(&queryMaxLatency, "max-latency", 0, "maximum p95 latency in ms")
	queryCmd.Flags().Float64Var(&queryMaxRisk, "max-risk", 0, "maximum risk score")
	queryCmd.Flags().Float64Var(&queryMinCorrect, "min-correctness", 0, "minimum measured correctness")
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	results, err := app.registry.Query(ctx, registry.QueryRequest{
		Text:           args[0],
		Limit:          queryLimit,
		Type:           forge.ToolType(queryType),
		Tags:           queryTags,
		TrustAtLeast:   forge.TrustLevel(queryTrust),
		MaxLatencyMs:   queryMaxLatency,
		MaxRiskScore:   queryMaxRisk,
		MinCorrectness: queryMinCorrect,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(results)
	}

	t := newTable("Matches for "+fmt.Sprintf("%q", args[0]),
		"TOOL", "VERSION", "TYPE", "TRUST", "SIMILARITY", "WEIGHT", "TAGS")
	for _, r := range results {
		m := r.Manifest
		t.addRow(m.ToolID, m.Version, string(m.Type), string(m.Trust.Level),
			fmt.Sprintf("%.3f", r.Similarity), fmt.Sprintf("%.3f", r.Weight),
			strings.Join(m.Tags, ","))
	}
	fmt.Print(t.render())
	return nil
}
