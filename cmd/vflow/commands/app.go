package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/condition"
	"github.com/visionflow/visionflow/pkg/control"
	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/policy"
	"github.com/visionflow/visionflow/pkg/processors"
	"github.com/visionflow/visionflow/pkg/processors/wasm"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// loadConfig reads the --config file, or the defaults when none is given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadCatalog loads graph documents from paths, falling back to the graph
// paths of the configuration.
func loadCatalog(cfg *config.Config, paths []string) (*graph.Catalog, error) {
	if len(paths) == 0 {
		paths = cfg.Graphs
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no graph documents: pass paths or set graphs in the config")
	}
	return config.LoadGraphs(paths...)
}

// newProcessors returns the built-in algorithms plus the WebAssembly
// processors configured in cfg. The returned func releases the modules.
func newProcessors(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*engine.MapRegistry, func(), error) {
	registry := processors.NewRegistry()
	if len(cfg.Processors.WASM) == 0 {
		return registry, func() {}, nil
	}

	host := wasm.NewHost(wasm.Config{
		Timeout:          cfg.Processors.Timeout,
		MemoryLimitPages: cfg.Processors.MemoryLimitPages,
	}, logger)
	release := func() { _ = host.Close(context.Background()) }
	if err := host.LoadPaths(ctx, cfg.Processors.WASM...); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to load wasm processors: %w", err)
	}
	host.Register(registry)
	return registry, release, nil
}

// newEngine wires an engine with the given processors and the control
// plugin configured by cfg.
func newEngine(cfg *config.Config, catalog *graph.Catalog, registry *engine.MapRegistry, tel *telemetry.Telemetry) (*engine.Engine, error) {
	plugin := control.New(control.Options{
		Conditions:    condition.New(cfg.Engine.ConditionTimeout),
		MaxIterations: cfg.Engine.MaxIterations,
		Logger:        tel.Logger,
	})

	return engine.New(catalog, engine.Options{
		Processors:   registry,
		Control:      plugin,
		MaxParallel:  cfg.Engine.MaxParallel,
		MaxCallDepth: cfg.Engine.MaxCallDepth,
		NodeTimeout:  cfg.Engine.NodeTimeout,
		Logger:       tel.Logger,
		Metrics:      tel.Metrics,
		Tracer:       tel.Tracer,
		Events:       tel.Events,
	})
}

// newPolicyEngine builds the admission policy engine, or returns nil when
// policies are switched off.
func newPolicyEngine(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Engine, error) {
	if !cfg.Policies.Enabled {
		return nil, nil
	}
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.Policies.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// admitGraph evaluates the admission policies for one graph and fails on
// blocking violations. A nil engine admits everything.
func admitGraph(ctx context.Context, pe *policy.Engine, catalog *graph.Catalog, registry *engine.MapRegistry, graphID string) (*policy.Result, error) {
	if pe == nil {
		return nil, nil
	}
	g, ok := catalog.Get(graphID)
	if !ok {
		return nil, fmt.Errorf("unknown graph %q", graphID)
	}
	res, err := pe.EvaluateGraph(ctx, g.Document(), policy.Environment{
		Catalog:    catalog.IDs(),
		Algorithms: registry.Names(),
	})
	if err != nil {
		return nil, err
	}
	if blocking := res.Blocking(); len(blocking) > 0 {
		return res, fmt.Errorf("graph %s rejected by policy %s: %s", graphID, blocking[0].Policy, blocking[0].Message)
	}
	return res, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
