package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gameforge/pkg/catalog"
	"gameforge/pkg/config"
	"gameforge/pkg/embedding"
	"gameforge/pkg/fuzz"
	"gameforge/pkg/gamekit"
	"gameforge/pkg/limiter"
	"gameforge/pkg/llm"
	"gameforge/pkg/llm/providers"
	"gameforge/pkg/logx"
	"gameforge/pkg/metrics"
	"gameforge/pkg/persistence"
	"gameforge/pkg/repair"
	"gameforge/pkg/retrieval"
	"gameforge/pkg/roles"
	"gameforge/pkg/sandbox"
	"gameforge/pkg/templates"
)

// app is the fully wired generation stack for one CLI invocation.
type app struct {
	cfg        *config.Config
	controller *repair.Controller
	index      *catalog.Index
	engine     embedding.Engine
	registry   *prometheus.Registry
	store      *persistence.Store
	recorder   *persistence.Recorder
}

// Close flushes pending audit writes and releases the store.
func (a *app) Close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logx.Warnf("Failed to close audit store: %v", err)
		}
	}
}

// newApp wires every collaborator of the repair controller from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewPrometheusRecorder(a.registry)
	}

	engine, err := embedding.NewEngine(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	a.engine = engine

	index, err := loadIndex(ctx, cfg.Catalog, engine)
	if err != nil {
		return nil, err
	}
	a.index = index

	generator, refiner, expander, err := newRoles(cfg, recorder)
	if err != nil {
		return nil, err
	}

	var retrieverOpts []retrieval.Option
	if expander != nil {
		retrieverOpts = append(retrieverOpts, retrieval.WithExpander(expander))
	}

	executor, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	if !executor.Available() {
		return nil, fmt.Errorf("sandbox backend %s is not available on this host", executor.Name())
	}
	runtime := gamekit.NewPythonRuntime(cfg.Sandbox.Python)

	deps := repair.Deps{
		Index:     index,
		Retriever: retrieval.New(engine, retrieverOpts...),
		Generator: generator,
		Refiner:   refiner,
		Executor:  executor,
		Fuzzer:    fuzz.NewDriver(executor, runtime, fuzz.OptionsFromConfig(cfg.Fuzz)),
		Runtime:   runtime,
		Metrics:   recorder,
	}
	if cfg.Store.Path != "" {
		store, err := persistence.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.recorder = persistence.NewRecorder(store, 0)
		deps.Audit = a.recorder
	}

	workspace, err := cfg.ResolveWorkspace()
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := repair.OptionsFromConfig(cfg)
	opts.Workspace = workspace

	controller, err := repair.NewController(deps, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.controller = controller
	return a, nil
}

// newRoles builds the model-backed stages. The refiner and expander are nil
// unless enabled in configuration.
func newRoles(cfg *config.Config, obs llm.Observer) (repair.Generator, roles.Refiner, retrieval.Expander, error) {
	pc := cfg.Pipeline
	if pc.PlannerModel == "" {
		return nil, nil, nil, fmt.Errorf("pipeline.planner_model must be set")
	}
	engineerModel := pc.EngineerModel
	if engineerModel == "" {
		engineerModel = pc.PlannerModel
	}

	renderer, err := templates.NewRenderer()
	if err != nil {
		return nil, nil, nil, err
	}
	counter, err := llm.NewTokenCounter()
	if err != nil {
		return nil, nil, nil, err
	}

	// Sessions in a batch share one limiter, so throttling applies across them.
	var throttle []llm.Middleware
	if pc.MaxTPM > 0 || pc.MaxConcurrent > 0 {
		throttle = append(throttle, limiter.New(limiter.LimitsFromConfig(pc)).Middleware(counter))
	}

	plannerClient, err := providers.New(pc.Provider, pc.PlannerModel, obs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("planner client: %w", err)
	}
	plannerClient = llm.Chain(plannerClient, throttle...)
	engineerClient := plannerClient
	if engineerModel != pc.PlannerModel {
		if engineerClient, err = providers.New(pc.Provider, engineerModel, obs); err != nil {
			return nil, nil, nil, fmt.Errorf("engineer client: %w", err)
		}
		engineerClient = llm.Chain(engineerClient, throttle...)
	}

	runtime := gamekit.NewPythonRuntime(cfg.Sandbox.Python)
	opts := roles.LLMOptions{
		MaxTokens:          pc.MaxTokens,
		Temperature:        float32(pc.Temperature),
		ContextTokenBudget: pc.ContextTokenBudget,
	}
	pipeline := &roles.Pipeline{
		Planner:       roles.NewLLMPlanner(plannerClient, renderer, counter, runtime, opts),
		Engineer:      roles.NewLLMEngineer(engineerClient, renderer, counter, runtime, opts),
		Reviewer:      roles.NewTreeSitterReviewer(),
		ReviewRetries: pc.ReviewRetries,
		SourceFile:    runtime.SourceFile(),
	}

	var refiner roles.Refiner
	if pc.Refine {
		refiner = roles.NewLLMRefiner(plannerClient, renderer)
	}
	var expander retrieval.Expander
	if cfg.Retrieval.Expand {
		expander = retrieval.NewLLMExpander(plannerClient, cfg.Retrieval.K)
	}
	return pipeline, refiner, expander, nil
}

// loadIndex publishes the catalog from its snapshot when the snapshot matches
// the configured embedder, otherwise rebuilds from the source directory and
// refreshes the snapshot.
func loadIndex(ctx context.Context, cc config.CatalogConfig, engine embedding.Engine) (*catalog.Index, error) {
	index := catalog.NewIndex()

	if cc.Snapshot != "" {
		snap, err := catalog.LoadSnapshot(cc.Snapshot)
		switch {
		case err == nil && snap.Embedder() == engine.Name():
			if _, err := index.Publish(snap); err != nil {
				return nil, err
			}
			return index, nil
		case err == nil:
			logx.Warnf("Snapshot %s was embedded with %s, engine is %s; rebuilding", cc.Snapshot, snap.Embedder(), engine.Name())
		case errors.Is(err, fs.ErrNotExist):
		default:
			logx.Warnf("Ignoring unreadable catalog snapshot: %v", err)
		}
	}

	if cc.Dir == "" {
		logx.Warnf("No catalog directory configured; retrieval will always miss")
		return index, nil
	}
	if _, err := index.Rebuild(ctx, catalog.DirBuilder(cc.Dir, engine)); err != nil {
		return nil, err
	}
	if cc.Snapshot != "" {
		if err := catalog.SaveSnapshot(cc.Snapshot, index.Snapshot()); err != nil {
			logx.Warnf("Failed to refresh catalog snapshot: %v", err)
		}
	}
	return index, nil
}
