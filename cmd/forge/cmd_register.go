package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/registry"
)

var (
	registerKeep        bool
	registerDescription string
	registerTags        []string
	registerSource      string
)

var registerCmd = &cobra.Command{
	Use:   "register <manifest.json> | <tool_name> <type>",
	Short: "Register a tool manifest",
	Long: `Two forms.

With a manifest file, validates it (identity, semver, lineage, trust)
and adds it to the registry.

With a name and type (native, capability-server, inline-llm, workflow),
drafts a fresh 1.0.0 manifest at experimental trust with risk 1.0.
--description and --tag fill the draft; --source embeds a Go source
file for native tools.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().BoolVar(&registerKeep, "keep", false, "also copy the manifest into the managed manifest directory")
	registerCmd.Flags().StringVarP(&registerDescription, "description", "d", "", "tool description (draft form)")
	registerCmd.Flags().StringSliceVar(&registerTags, "tag", nil, "tool tag, repeatable (draft form)")
	registerCmd.Flags().StringVar(&registerSource, "source", "", "Go source file to embed as the native binding (draft form)")
}

func runRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var m *forge.ToolManifest
	if len(args) == 2 {
		m, err = draftManifest(args[0], forge.ToolType(args[1]))
	} else {
		m, err = registry.LoadManifestFile(args[0])
	}
	if err != nil {
		return err
	}

	if err := app.registry.Register(ctx, m); err != nil {
		return err
	}
	if registerKeep {
		if saved, err := registry.SaveManifestFile(app.cfg.Registry.ManifestDir, m); err != nil {
			logger.Warn("Could not save manifest copy", zap.Error(err))
		} else {
			logger.Debug("Manifest copied", zap.String("path", saved))
		}
	}
	fmt.Printf("registered %s (%s, trust %s)\n", m.Key(), m.Type, m.Trust.Level)
	return nil
}

// draftManifest builds the fresh-tool form: version 1.0.0, no ancestor,
// experimental trust with the maximum risk score.
func draftManifest(name string, toolType forge.ToolType) (*forge.ToolManifest, error) {
	const op = "forge.register"

	if !toolType.Valid() {
		return nil, fault.New(fault.InvalidInput, op, "unknown tool type %q", toolType)
	}
	toolID := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "_"))
	if toolID == "" {
		return nil, fault.New(fault.InvalidInput, op, "tool name is required")
	}

	m := &forge.ToolManifest{
		ToolID:      toolID,
		Version:     "1.0.0",
		Name:        name,
		Type:        toolType,
		Description: registerDescription,
		Origin:      forge.Origin{Author: "operator", CreatedAt: time.Now().UTC()},
		Lineage: forge.Lineage{
			Commits: []forge.CommitRecord{{
				ID:        uuid.NewString(),
				Timestamp: time.Now().UTC(),
				Summary:   "initial registration",
			}},
		},
		Capabilities: []forge.Capability{{Name: toolID}},
		Trust:        forge.Trust{Level: forge.TrustExperimental, RiskScore: 1.0},
		Tags:         registerTags,
		Status:       forge.StatusActive,
	}
	if toolType == forge.TypeNative {
		if registerSource == "" {
			return nil, fault.New(fault.InvalidInput, op, "native tools need --source")
		}
		src, err := os.ReadFile(registerSource)
		if err != nil {
			return nil, fault.New(fault.InvalidInput, op, "cannot read source file: %v", err)
		}
		m.Interfaces.Native = &forge.NativeBinding{Source: string(src)}
	}
	return m, nil
}
