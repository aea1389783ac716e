// forge is the Tool Forge CLI: register and discover tool manifests, run
// validation councils, execute tools in the sandboxed runtime, and drive
// the cluster optimizer.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"toolforge/internal/fault"
)

// Exit codes, stable for scripting.
const (
	exitOK               = 0
	exitError            = 1
	exitInvalidInput     = 2
	exitNotFound         = 3
	exitValidationFailed = 4
	exitExecutionFailed  = 5
	exitBusy             = 6
)

var (
	// Global flags
	verbose   bool
	workspace string
	apiKey    string
	timeout   time.Duration
	jsonOut   bool

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Tool Forge - self-optimizing tool registry and runtime",
	Long: `Tool Forge manages a population of versioned tools: manifests with
identity, lineage, and trust; consensus scoring over execution evidence;
a validation council gating trust upgrades; a sandboxed runtime with
per-call provenance; and a cluster optimizer that evolves better variants.

The director ties it together: give it an intent and it discovers a
matching tool, or generates and validates one, then executes it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "forge workspace directory")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (overrides GEMINI_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall command timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit JSON instead of tables")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(intentCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(reindexCmd)
}

// exitCode maps a fault kind onto the CLI contract.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch fault.KindOf(err) {
	case fault.InvalidInput, fault.InvariantViolation:
		return exitInvalidInput
	case fault.NotFound:
		return exitNotFound
	case fault.ValidationFailed:
		return exitValidationFailed
	case fault.Timeout, fault.ServerUnavailable, fault.Cancelled:
		return exitExecutionFailed
	case fault.Busy:
		return exitBusy
	default:
		return exitError
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
