// Package config holds the forge configuration tree: defaults, YAML
// load/save, and environment overrides. The file lives at
// <workspace>/.forge/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"toolforge/internal/forge"
)

// Config holds all forge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace is the directory the forge operates in; state lives under
	// <workspace>/.forge/.
	Workspace string `yaml:"workspace"`

	LLM       LLMConfig       `yaml:"llm"`
	Vector    VectorConfig    `yaml:"vector"`
	Registry  RegistryConfig  `yaml:"registry"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Council   CouncilConfig   `yaml:"council"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Director  DirectorConfig  `yaml:"director"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the LLM collaborator.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, local
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// VectorConfig configures the embedding engine.
type VectorConfig struct {
	Provider       string  `yaml:"provider"` // gemini, local
	Model          string  `yaml:"model"`
	Dimensions     int     `yaml:"dimensions"`
	ScoreThreshold float64 `yaml:"score_threshold"`
}

// RegistryConfig configures manifest storage and discovery.
type RegistryConfig struct {
	DatabasePath   string `yaml:"database_path"`
	ManifestDir    string `yaml:"manifest_dir"`
	WatchManifests bool   `yaml:"watch_manifests"`
	DefaultLimit   int    `yaml:"default_limit"`
	WindowSize     int    `yaml:"window_size"`
}

// ConsensusConfig configures scoring.
type ConsensusConfig struct {
	DecayLambda      float64 `yaml:"decay_lambda"`
	DecayHorizonDays float64 `yaml:"decay_horizon_days"`
	DefaultCostScore float64 `yaml:"default_cost_score"`
}

// TrimConfig configures the variant trimming policy.
type TrimConfig struct {
	FitnessFloor          float64 `yaml:"fitness_floor"`
	MaxDistance           float64 `yaml:"max_distance"`
	SimilarityFloor       float64 `yaml:"similarity_floor"`
	PreservationThreshold float64 `yaml:"preservation_threshold"`
	GracePeriodDays       int     `yaml:"grace_period_days"`
	CoverageKeep          float64 `yaml:"coverage_keep"`
	RulesPath             string  `yaml:"rules_path"`
}

// OptimizerConfig configures the cluster optimizer.
type OptimizerConfig struct {
	SimilarityThreshold float64                         `yaml:"similarity_threshold"`
	MaxIterations       int                             `yaml:"max_iterations"`
	PromotionEpsilon    float64                         `yaml:"promotion_epsilon"`
	ArchiveMargin       float64                         `yaml:"archive_margin"`
	MinClusterSize      int                             `yaml:"min_cluster_size"`
	Strategy            string                          `yaml:"strategy"` // hybrid, best_of_breed, incremental, radical
	Pressure            string                          `yaml:"pressure"` // granular, balanced, generic
	Interval            string                          `yaml:"interval"`
	Weights             forge.FitnessWeights            `yaml:"weights"`
	NodeTypeWeights     map[string]forge.FitnessWeights `yaml:"node_type_weights"`
	Trim                TrimConfig                      `yaml:"trim"`
}

// CouncilConfig configures the validation stages.
type CouncilConfig struct {
	ArtifactDir     string   `yaml:"artifact_dir"`
	UnitPassRate    float64  `yaml:"unit_pass_rate"`
	LoadP95Ms       float64  `yaml:"load_p95_ms"`
	LoadFailureRate float64  `yaml:"load_failure_rate"`
	LoadCalls       int      `yaml:"load_calls"`
	ReviewThreshold float64  `yaml:"review_threshold"`
	ReviewModels    []string `yaml:"review_models"`
	StageTimeout    string   `yaml:"stage_timeout"`
}

// RuntimeConfig configures execution and capability servers.
type RuntimeConfig struct {
	ProvenanceDir        string `yaml:"provenance_dir"`
	DefaultSandbox       string `yaml:"default_sandbox"` // strict, default, trusted
	ServerStartupTimeout string `yaml:"server_startup_timeout"`
	ServerCooldown       string `yaml:"server_cooldown"`
}

// DirectorConfig bounds intent handling.
type DirectorConfig struct {
	MaxConcurrent   int    `yaml:"max_concurrent"`
	MaxQueued       int    `yaml:"max_queued"`
	GenerationModel string `yaml:"generation_model"`
}

// LoggingConfig configures the category file logger; the logging package
// reads this same section straight from the file.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration rooted at workspace.
func DefaultConfig(workspace string) *Config {
	if workspace == "" {
		workspace = "."
	}
	stateDir := filepath.Join(workspace, ".forge")
	return &Config{
		Name:      "toolforge",
		Version:   "0.3.0",
		Workspace: workspace,

		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "120s",
		},

		Vector: VectorConfig{
			Provider:       "local",
			Model:          "text-embedding-004",
			Dimensions:     256,
			ScoreThreshold: 0.0,
		},

		Registry: RegistryConfig{
			DatabasePath:   filepath.Join(stateDir, "forge.db"),
			ManifestDir:    filepath.Join(stateDir, "manifests"),
			WatchManifests: false,
			DefaultLimit:   5,
			WindowSize:     forge.DefaultWindowSize,
		},

		Consensus: ConsensusConfig{
			DecayLambda:      0.1,
			DecayHorizonDays: 30,
			DefaultCostScore: 0.8,
		},

		Optimizer: OptimizerConfig{
			SimilarityThreshold: 0.96,
			MaxIterations:       10,
			PromotionEpsilon:    0.05,
			ArchiveMargin:       0.10,
			MinClusterSize:      2,
			Strategy:            "hybrid",
			Pressure:            "balanced",
			Interval:            "10m",
			Weights:             forge.DefaultFitnessWeights(),
			Trim: TrimConfig{
				FitnessFloor:          0.50,
				MaxDistance:           0.30,
				SimilarityFloor:       0.70,
				PreservationThreshold: 0.85,
				GracePeriodDays:       30,
				CoverageKeep:          0.90,
			},
		},

		Council: CouncilConfig{
			ArtifactDir:     filepath.Join(stateDir, "validation"),
			UnitPassRate:    0.95,
			LoadP95Ms:       500,
			LoadFailureRate: 0.02,
			LoadCalls:       20,
			ReviewThreshold: 0.7,
			ReviewModels:    []string{"gemini-2.0-flash", "gemini-2.0-flash-lite"},
			StageTimeout:    "120s",
		},

		Runtime: RuntimeConfig{
			ProvenanceDir:        filepath.Join(stateDir, "provenance"),
			DefaultSandbox:       "default",
			ServerStartupTimeout: "20s",
			ServerCooldown:       "30s",
		},

		Director: DirectorConfig{
			MaxConcurrent:   8,
			MaxQueued:       16,
			GenerationModel: "gemini-2.0-flash",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".forge", "config.yaml")
}

// Load loads configuration from a YAML file, starting from defaults rooted
// at the file's workspace. A missing file returns defaults.
func Load(path string) (*Config, error) {
	workspace := filepath.Dir(filepath.Dir(path))
	cfg := DefaultConfig(workspace)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if path := os.Getenv("FORGE_DB"); path != "" {
		c.Registry.DatabasePath = path
	}
	if dir := os.Getenv("FORGE_MANIFEST_DIR"); dir != "" {
		c.Registry.ManifestDir = dir
	}
	if dir := os.Getenv("FORGE_PROVENANCE_DIR"); dir != "" {
		c.Runtime.ProvenanceDir = dir
	}
	if model := os.Getenv("FORGE_MODEL"); model != "" {
		c.LLM.Model = model
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetStageTimeout returns the validation stage timeout as a duration.
func (c *Config) GetStageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Council.StageTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetServerStartupTimeout returns the capability-server startup budget.
func (c *Config) GetServerStartupTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runtime.ServerStartupTimeout)
	if err != nil {
		return 20 * time.Second
	}
	return d
}

// GetServerCooldown returns the faulted-server cool-down window.
func (c *Config) GetServerCooldown() time.Duration {
	d, err := time.ParseDuration(c.Runtime.ServerCooldown)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetOptimizeInterval returns the background optimizer cadence.
func (c *Config) GetOptimizeInterval() time.Duration {
	d, err := time.ParseDuration(c.Optimizer.Interval)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
