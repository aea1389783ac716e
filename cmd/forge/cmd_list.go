package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/store"
)

var (
	listClusters bool
	listTrust    string
	listType     string
	listTags     []string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools, grouped by trust level",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().BoolVar(&listClusters, "clusters", false, "list optimization clusters instead of tools")
	listCmd.Flags().StringVar(&listTrust, "trust", "", "only tools at this trust level (experimental, third_party, core)")
	listCmd.Flags().StringVar(&listType, "type", "", "only tools of this type")
	listCmd.Flags().StringSliceVar(&listTags, "tag", nil, "only tools carrying this tag, repeatable")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if listClusters {
		return printClusters(app)
	}

	if listTrust != "" && !forge.TrustLevel(listTrust).Valid() {
		return fault.New(fault.InvalidInput, "forge.list", "unknown trust level %q", listTrust)
	}
	if listType != "" && !forge.ToolType(listType).Valid() {
		return fault.New(fault.InvalidInput, "forge.list", "unknown tool type %q", listType)
	}

	tools, err := app.registry.List()
	if err != nil {
		return err
	}
	tools, err = filterTools(ctx, app, tools)
	if err != nil {
		return err
	}
	// Most-trusted tools first, alphabetical within a level.
	sort.SliceStable(tools, func(i, j int) bool {
		ri, rj := tools[i].TrustLevel.Rank(), tools[j].TrustLevel.Rank()
		if ri != rj {
			return ri > rj
		}
		return tools[i].ToolID < tools[j].ToolID
	})

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(tools)
	}

	t := newTable("Registered tools",
		"TOOL", "LATEST", "VERSIONS", "TYPE", "TRUST", "STATUS", "UPDATED")
	for _, s := range tools {
		t.addRow(s.ToolID, s.LatestVersion, fmt.Sprintf("%d", s.VersionCount),
			string(s.Type), string(s.TrustLevel), string(s.Status),
			s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Print(t.render())
	return nil
}

func filterTools(ctx context.Context, app *app, tools []store.ToolSummary) ([]store.ToolSummary, error) {
	kept := tools[:0]
	for _, s := range tools {
		if listTrust != "" && s.TrustLevel != forge.TrustLevel(listTrust) {
			continue
		}
		if listType != "" && s.Type != forge.ToolType(listType) {
			continue
		}
		if len(listTags) > 0 {
			m, err := app.registry.Get(ctx, s.ToolID, s.LatestVersion)
			if err != nil {
				return nil, err
			}
			if !hasAllTags(m.Tags, listTags) {
				continue
			}
		}
		kept = append(kept, s)
	}
	return kept, nil
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func printClusters(app *app) error {
	clusters, err := app.store.ListClusters()
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(clusters)
	}

	t := newTable("Optimization clusters",
		"CLUSTER", "TOOL", "MEMBERS", "CANONICAL", "MEDIAN FITNESS")
	for _, c := range clusters {
		toolID := ""
		if v, err := app.store.GetVariant(c.CanonicalID); err == nil {
			toolID = v.ToolID
		}
		t.addRow(shortID(c.ClusterID), toolID, fmt.Sprintf("%d", len(c.MemberIDs)),
			shortID(c.CanonicalID), fmt.Sprintf("%.3f", c.MedianFitness))
	}
	fmt.Print(t.render())
	return nil
}
