package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the tag and vector indexes from stored manifests",
	Long: `Drops and repopulates the tag index and, when the vector extension
is available, the ANN index. Run after changing the embedding provider
or when index rows have drifted from the manifest table.`,
	Args: cobra.NoArgs,
	RunE: runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.store.RebuildIndexes(); err != nil {
		return err
	}
	fmt.Println("indexes rebuilt")
	return nil
}
