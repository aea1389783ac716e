package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"toolforge/internal/council"
	"toolforge/internal/fault"
)

var validateStages []string

var validateCmd = &cobra.Command{
	Use:   "validate <tool_id> [version]",
	Short: "Run the validation council over a tool version",
	Long: `Runs the council stages in order (schema, static, unit, load, review)
and reports the per-stage verdicts. Stages without the inputs they need
pass vacuously and are flagged as such; a vacuous pass never raises trust.

Exits 4 when a required stage fails.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringSliceVar(&validateStages, "stage", nil, "run only these stages (repeatable, canonical order preserved)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	version := ""
	if len(args) > 1 {
		version = args[1]
	}

	report, err := app.council.Validate(ctx, args[0], version, validateStages)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	t := newTable(fmt.Sprintf("Council verdict for %s@%s", report.ToolID, report.Version),
		"STAGE", "PASSED", "SCORE", "VACUOUS", "DETAIL")
	for _, sr := range report.Stages {
		t.addRow(sr.Stage, fmt.Sprintf("%t", sr.Passed), fmt.Sprintf("%.2f", sr.Score),
			vacuousMark(sr.Vacuous), sr.Detail)
	}
	fmt.Print(t.render())
	fmt.Printf("validation score %.3f", report.ValidationScore)
	if report.Trust != nil {
		fmt.Printf(", trust %s (risk %.2f)", report.Trust.Level, report.Trust.RiskScore)
	}
	fmt.Println()

	if !report.OK {
		return validationError(report)
	}
	return nil
}

func validationError(report *council.Report) error {
	for _, sr := range report.Stages {
		if !sr.Passed {
			return fault.New(fault.ValidationFailed, "forge.validate",
				"%s@%s failed the %s stage", report.ToolID, report.Version, sr.Stage)
		}
	}
	return fault.New(fault.ValidationFailed, "forge.validate",
		"%s@%s did not pass validation", report.ToolID, report.Version)
}

func vacuousMark(v bool) string {
	if v {
		return "yes"
	}
	return ""
}
