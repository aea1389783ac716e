package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"toolforge/internal/capability"
	"toolforge/internal/config"
	"toolforge/internal/consensus"
	"toolforge/internal/council"
	"toolforge/internal/director"
	"toolforge/internal/llm"
	"toolforge/internal/logging"
	"toolforge/internal/optimizer"
	"toolforge/internal/registry"
	toolruntime "toolforge/internal/runtime"
	"toolforge/internal/store"
	"toolforge/internal/types"
	"toolforge/internal/usage"
	"toolforge/internal/vector"
)

// app is the composed forge: every subsystem wired, plus the teardown.
type app struct {
	cfg       *config.Config
	store     *store.Store
	engine    vector.Engine
	registry  *registry.Registry
	consensus *consensus.Engine
	council   *council.Council
	runtime   *toolruntime.Runtime
	optimizer *optimizer.Optimizer
	director  *director.Director
	servers   *capability.Manager
	llm       types.LLMClient
}

// buildApp composes the forge from the workspace config. The LLM and cloud
// embedding clients are optional: without an API key the forge still
// registers, queries (keyword fallback), optimizes, and executes native
// tools.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(config.Path(workspace))
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}

	if err := logging.Initialize(cfg.Workspace); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}

	engine := buildEngine(cfg)

	st, err := store.NewStore(cfg.Registry.DatabasePath, engine.Dimensions())
	if err != nil {
		return nil, err
	}

	tracker, err := usage.NewTracker(cfg.Workspace)
	if err != nil {
		logger.Warn("Usage tracking unavailable", zap.Error(err))
		tracker = nil
	}

	var client types.LLMClient
	if cfg.LLM.Provider == "gemini" && cfg.LLM.APIKey != "" {
		client, err = llm.NewGenAIClient(cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Debug("No LLM collaborator configured; generation, review, and inline-llm tools are off")
	}

	reg := registry.New(st, engine, cfg)
	cons := consensus.New(st, tracker, cfg)
	reg.SetScorer(cons)
	cons.SetRecorder(reg)

	servers := capability.NewManager(cfg)
	rt, err := toolruntime.New(reg, servers, client, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	rt.SetRecorder(cons)

	cl := council.New(reg, rt, client, cfg)

	opt, err := optimizer.New(st, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	dir := director.New(reg, cl, rt, cons, client, cfg)

	a := &app{
		cfg:       cfg,
		store:     st,
		engine:    engine,
		registry:  reg,
		consensus: cons,
		council:   cl,
		runtime:   rt,
		optimizer: opt,
		director:  dir,
		servers:   servers,
		llm:       client,
	}

	if cfg.Registry.WatchManifests {
		watcher, err := registry.NewManifestWatcher(cfg.Registry.ManifestDir, reg)
		if err != nil {
			logger.Warn("Manifest watching unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Manifest watcher failed to start", zap.Error(err))
		}
	}
	return a, nil
}

// buildEngine picks the embedding backend. Failures fall back to the local
// deterministic engine so the forge stays usable offline.
func buildEngine(cfg *config.Config) vector.Engine {
	key := cfg.LLM.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	vcfg := vector.Config{
		Provider:   cfg.Vector.Provider,
		APIKey:     key,
		Model:      cfg.Vector.Model,
		Dimensions: cfg.Vector.Dimensions,
	}
	if vcfg.Provider == "gemini" {
		vcfg.Provider = "genai"
	}
	engine, err := vector.NewEngine(vcfg)
	if err != nil {
		logger.Warn("Embedding engine unavailable, using local hasher", zap.Error(err))
		engine, _ = vector.NewLocalEngine(cfg.Vector.Dimensions)
	}
	return engine
}

func (a *app) Close() {
	if a.servers != nil {
		a.servers.Shutdown()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
