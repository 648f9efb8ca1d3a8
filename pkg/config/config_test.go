package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/visionflow/visionflow/pkg/graph"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	loaded, err := Load("")
	if err != nil {
		t.Fatalf("empty path should load defaults: %v", err)
	}
	if loaded.Queue.Capacity != cfg.Queue.Capacity {
		t.Errorf("expected default capacity %d, got %d", cfg.Queue.Capacity, loaded.Queue.Capacity)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "visionflow.yaml", `
telemetry:
  logging:
    level: debug
engine:
  max_parallel: 2
  node_timeout: 500ms
queue:
  capacity: 3
  policy: drop_newest
runner:
  graph_id: inspect
  error_cooldown: 50ms
triggers:
  software:
    - id: manual
      key: F5
  timers:
    - id: nightly
      cron: "0 2 * * *"
store:
  enabled: true
  path: history.db
  retention: 168h
policies:
  paths: [rules]
  disabled: [node-timeouts]
processors:
  wasm: [plugins]
  timeout: 2s
graphs:
  - graphs
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}
	if cfg.Telemetry.Logging.Format != "console" {
		t.Errorf("expected default format to survive, got %s", cfg.Telemetry.Logging.Format)
	}
	if cfg.Engine.MaxParallel != 2 || cfg.Engine.NodeTimeout != 500*time.Millisecond {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Queue.Capacity != 3 || cfg.Queue.Policy != "drop_newest" {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Runner.ErrorCooldown != 50*time.Millisecond {
		t.Errorf("expected cooldown 50ms, got %s", cfg.Runner.ErrorCooldown)
	}
	if len(cfg.Triggers.Software) != 1 || cfg.Triggers.Software[0].Key != "F5" {
		t.Errorf("unexpected software triggers: %+v", cfg.Triggers.Software)
	}
	if !cfg.Store.Enabled || cfg.Store.Retention != 168*time.Hour {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if len(cfg.Graphs) != 1 || cfg.Graphs[0] != filepath.Join(dir, "graphs") {
		t.Errorf("expected graph path relative to the config file, got %v", cfg.Graphs)
	}
	if !cfg.Policies.Enabled || len(cfg.Policies.Paths) != 1 || cfg.Policies.Paths[0] != filepath.Join(dir, "rules") {
		t.Errorf("unexpected policies config: %+v", cfg.Policies)
	}
	if len(cfg.Policies.Disabled) != 1 || cfg.Policies.Disabled[0] != "node-timeouts" {
		t.Errorf("expected node-timeouts disabled, got %v", cfg.Policies.Disabled)
	}
	if len(cfg.Processors.WASM) != 1 || cfg.Processors.WASM[0] != filepath.Join(dir, "plugins") {
		t.Errorf("expected wasm path relative to the config file, got %v", cfg.Processors.WASM)
	}
	if cfg.Processors.Timeout != 2*time.Second {
		t.Errorf("expected processor timeout 2s, got %s", cfg.Processors.Timeout)
	}
}

func TestLoad_CUEFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "visionflow.cue", `
queue: capacity: 2
store: {
	enabled: true
	path:    "runs.db"
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Queue.Capacity != 2 || cfg.Store.Path != "runs.db" {
		t.Errorf("unexpected config: %+v %+v", cfg.Queue, cfg.Store)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unsupported extension",
			file:    "config.toml",
			content: "",
			want:    "unsupported",
		},
		{
			name:    "unknown yaml field",
			file:    "unknown.yaml",
			content: "bogus: 1\n",
			want:    "bogus",
		},
		{
			name:    "invalid policy",
			file:    "policy.yaml",
			content: "queue:\n  policy: lifo\n",
			want:    "Policy",
		},
		{
			name:    "store without path",
			file:    "store.yaml",
			content: "store:\n  enabled: true\n  path: \"\"\n",
			want:    "Path",
		},
		{
			name:    "trigger id reused across kinds",
			file:    "dup.yaml",
			content: "triggers:\n  software:\n    - id: go\n  timers:\n    - id: go\n      interval: 1s\n",
			want:    `trigger id "go"`,
		},
		{
			name:    "timer without schedule",
			file:    "timer.yaml",
			content: "triggers:\n  timers:\n    - id: idle\n",
			want:    "interval or a cron",
		},
		{
			name:    "bad log level",
			file:    "log.yaml",
			content: "telemetry:\n  logging:\n    level: loud\n",
			want:    "Level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadGraphs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inspect.yaml", `
id: inspect
nodes:
  - id: capture
    kind: entry
  - id: threshold
    algorithm_type: threshold
    timeout: 50ms
    params:
      level: 0.5
      invert: true
      mode: {kind: enum, text: otsu, options: [otsu, fixed]}
edges:
  - {source: capture, target: threshold}
`)
	writeFile(t, dir, "pair.json", `{"graphs": [
  {"id": "a", "nodes": [{"id": "n", "enabled": false}], "edges": []},
  {"id": "b", "nodes": [{"id": "m"}]}
]}`)
	writeFile(t, dir, "loops.cue", `
graphs: [{
	id: "per-part"
	nodes: [{
		id:   "each"
		kind: "subgraph"
		subgraph: {graph_id: "inspect", loop: "data"}
	}]
}]
`)
	writeFile(t, dir, "notes.txt", "ignored")

	catalog, err := LoadGraphs(dir)
	if err != nil {
		t.Fatalf("failed to load graphs: %v", err)
	}

	ids := catalog.IDs()
	if len(ids) != 4 {
		t.Fatalf("expected 4 graphs, got %v", ids)
	}

	g, ok := catalog.Get("inspect")
	if !ok {
		t.Fatal("expected graph inspect")
	}
	th, ok := g.Node("threshold")
	if !ok {
		t.Fatal("expected node threshold")
	}
	if th.Kind != graph.NodeKindPlain || !th.Enabled {
		t.Errorf("expected enabled plain node, got %s enabled=%v", th.Kind, th.Enabled)
	}
	if th.Timeout != 50*time.Millisecond {
		t.Errorf("expected timeout 50ms, got %s", th.Timeout)
	}
	if th.Params.Float("level", 0) != 0.5 || !th.Params.Bool("invert", false) {
		t.Errorf("unexpected params: %+v", th.Params)
	}
	if th.Params.String("mode", "") != "otsu" {
		t.Errorf("expected enum mode otsu, got %q", th.Params.String("mode", ""))
	}
	if preds := g.Predecessors("threshold"); len(preds) != 1 || preds[0] != "capture" {
		t.Errorf("unexpected predecessors: %v", preds)
	}

	a, _ := catalog.Get("a")
	if n, _ := a.Node("n"); n.Enabled {
		t.Error("expected explicit enabled: false to be kept")
	}

	loop, ok := catalog.Get("per-part")
	if !ok {
		t.Fatal("expected graph per-part")
	}
	each, _ := loop.Node("each")
	if each.SubGraph == nil || each.SubGraph.Loop != graph.LoopData || each.SubGraph.GraphID != "inspect" {
		t.Errorf("unexpected sub-graph spec: %+v", each.SubGraph)
	}
}

func TestLoadGraphs_Errors(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "one.yaml", "id: g\nnodes:\n  - id: n\n")
	second := writeFile(t, dir, "two.yaml", "id: g\nnodes:\n  - id: m\n")
	if _, err := LoadGraphs(first, second); err == nil {
		t.Error("expected duplicate graph id error")
	}

	dangling := writeFile(t, dir, "dangling.yaml", "id: d\nnodes:\n  - id: n\nedges:\n  - {source: n, target: ghost}\n")
	if _, err := LoadGraphs(dangling); err == nil {
		t.Error("expected unknown edge endpoint error")
	}

	empty := writeFile(t, dir, "empty.yaml", "{}\n")
	if _, err := LoadGraphs(empty); err == nil {
		t.Error("expected no documents error")
	}

	badCUE := writeFile(t, dir, "bad.cue", `id: "", nodes: []`)
	if _, err := LoadGraphs(badCUE); err == nil {
		t.Error("expected schema error for empty id")
	}
}
