package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"toolforge/internal/forge"
)

var (
	optimizeRuns    int
	optimizeVersion string
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [tool_id]",
	Short: "Run an optimization pass over variant clusters",
	Long: `Without arguments, runs one full pass: rebuild clusters for every
tool with variants, then optimize and trim each cluster.

With a tool_id, first characterizes the tool (sample executions seed a
variant with measured metrics), then rebuilds and optimizes that tool's
clusters only.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOptimize,
}

func init() {
	optimizeCmd.Flags().IntVar(&optimizeRuns, "runs", 5, "characterization sample calls")
	optimizeCmd.Flags().StringVar(&optimizeVersion, "version", "", "version to characterize (default: best active)")
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if len(args) == 0 {
		if err := app.optimizer.Pass(ctx); err != nil {
			return err
		}
		stats := app.optimizer.Stats()
		fmt.Printf("pass complete: %d clusters, %d promotions, %d archived, %d trimmed\n",
			stats.Clusters, stats.Promotions, stats.Archivals, stats.Trimmed)
		return nil
	}

	toolID := args[0]
	v, err := app.optimizer.Characterize(ctx, app.registry, app.runtime, toolID, optimizeVersion, optimizeRuns)
	if err != nil {
		return err
	}
	fmt.Printf("characterized %s@%s: latency %.0fms, success %.2f, coverage %.2f\n",
		toolID, v.Version, v.Metrics.LatencyMs, v.Metrics.SuccessRate, v.Metrics.Coverage)

	clusters, err := app.optimizer.RebuildClusters(toolID)
	if err != nil {
		return err
	}

	t := newTable("Clusters for "+toolID,
		"CLUSTER", "MEMBERS", "CANONICAL", "MEDIAN FITNESS", "PROMOTIONS", "TRIMMED")
	for _, c := range clusters {
		loop, err := app.optimizer.OptimizeCluster(ctx, c.ClusterID)
		if err != nil {
			return err
		}
		trim, err := app.optimizer.TrimCluster(ctx, c.ClusterID)
		if err != nil {
			return err
		}
		refreshed := reloadCluster(app, c)
		t.addRow(shortID(c.ClusterID), fmt.Sprintf("%d", len(refreshed.MemberIDs)),
			shortID(loop.CanonicalID), fmt.Sprintf("%.3f", refreshed.MedianFitness),
			fmt.Sprintf("%d", loop.Promotions), fmt.Sprintf("%d", len(trim.Archived)))
	}
	fmt.Print(t.render())
	return nil
}

func reloadCluster(app *app, c *forge.OptimizationCluster) *forge.OptimizationCluster {
	refreshed, err := app.store.GetCluster(c.ClusterID)
	if err != nil {
		return c
	}
	return refreshed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
