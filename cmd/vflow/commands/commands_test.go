package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/stores"
	"github.com/visionflow/visionflow/pkg/telemetry"
	"github.com/visionflow/visionflow/pkg/trigger"
)

const inspectGraph = `
id: inspect
nodes:
  - id: capture
    kind: entry
  - id: gain
    algorithm_type: scale
    params:
      factor: 2
  - id: check
    algorithm_type: threshold
    params:
      level: 1
edges:
  - {source: capture, target: gain}
  - {source: gain, target: check}
`

const brokenGraph = `
id: broken
nodes:
  - id: capture
    kind: entry
  - id: lens
    algorithm_type: fail
    params:
      message: lens cap on
edges:
  - {source: capture, target: lens}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inspect.yaml", inspectGraph)
	require.NoError(t, execute(t, "validate", dir))

	writeFile(t, dir, "loop.yaml", `
id: loop
nodes:
  - id: each
    kind: subgraph
    subgraph: {graph_id: missing, loop: fixed, count: 2}
`)
	err := execute(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 graphs invalid")
}

func TestValidateCommand_NoGraphs(t *testing.T) {
	err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no graph documents")
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inspect.yaml", inspectGraph)

	require.NoError(t, execute(t, "plan", "inspect", "--graphs", dir))
	require.NoError(t, execute(t, "plan", "inspect", "--graphs", dir, "--dot"))
	require.NoError(t, execute(t, "plan", "inspect", "--graphs", dir, "--json"))
	assert.Error(t, execute(t, "plan", "nope", "--graphs", dir))
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inspect.yaml", inspectGraph)
	writeFile(t, dir, "broken.yaml", brokenGraph)

	require.NoError(t, execute(t, "run", "inspect", "--graphs", dir, "--input", "0.75"))

	err := execute(t, "run", "broken", "--graphs", dir, "--input", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lens cap on")
}

func TestRunCommand_RecordAndHistory(t *testing.T) {
	dir := t.TempDir()
	graphs := filepath.Join(dir, "graphs")
	require.NoError(t, os.Mkdir(graphs, 0o755))
	writeFile(t, graphs, "inspect.yaml", inspectGraph)
	dbPath := filepath.Join(dir, "history.db")
	cfgPath := writeFile(t, dir, "visionflow.yaml", "store:\n  enabled: true\n  path: "+dbPath+"\ngraphs:\n  - graphs\n")

	require.NoError(t, execute(t, "run", "inspect", "-c", cfgPath, "--input", "0.75", "--record"))
	require.NoError(t, execute(t, "history", "-c", cfgPath))
	require.NoError(t, execute(t, "history", "-c", cfgPath, "--summary", "--json"))

	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), stores.RunFilter{GraphID: "inspect"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)

	require.NoError(t, execute(t, "history", "-c", cfgPath, "--run", runs[0].ID, "--events"))

	nodes, err := store.ListNodeResults(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestProcessorsCommand(t *testing.T) {
	require.NoError(t, execute(t, "processors"))
}

func TestProcessorsCommand_WASM(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plugins"), 0o755))
	writeFile(t, filepath.Join(dir, "plugins"), "edges.wasm", "not a module")
	cfgPath := writeFile(t, dir, "visionflow.yaml", "processors:\n  wasm: [plugins]\n")

	err := execute(t, "processors", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load wasm processors")

	graphs := filepath.Join(dir, "graphs")
	require.NoError(t, os.MkdirAll(graphs, 0o755))
	writeFile(t, graphs, "inspect.yaml", inspectGraph)
	err = execute(t, "validate", "-c", cfgPath, graphs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edges")
}

func TestParseInput(t *testing.T) {
	assert.Nil(t, parseInput(""))
	assert.Equal(t, 0.5, parseInput("0.5"))
	assert.Equal(t, map[string]any{"frame": 7.0}, parseInput(`{"frame": 7}`))
	assert.Equal(t, "frame-7", parseInput("frame-7"))
}

func TestRegisterTriggers(t *testing.T) {
	dir := t.TempDir()
	value := writeFile(t, dir, "value", "0\n")

	m := trigger.NewManager(trigger.Options{})
	signals, err := registerTriggers(m, config.TriggersConfig{
		Software: []trigger.SoftwareConfig{{ID: "manual"}},
		Timers:   []trigger.TimerConfig{{ID: "tick", Interval: time.Second}},
		Hardware: []trigger.HardwareConfig{
			{ID: "gpio17", Pin: 17, Edge: trigger.EdgeRising, ValuePath: value},
			{ID: "gpio18", Pin: 18, Edge: trigger.EdgeRising},
		},
	}, telemetry.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, signals)
	defer signals.Close()

	assert.Len(t, m.AllStats(), 4)

	_, err = registerTriggers(m, config.TriggersConfig{
		Software: []trigger.SoftwareConfig{{ID: "manual"}},
	}, telemetry.NewNopLogger())
	assert.ErrorIs(t, err, trigger.ErrDuplicateTrigger)
}

func TestReadSoftwareTriggers(t *testing.T) {
	var (
		mu    sync.Mutex
		fired []trigger.Event
	)
	m := trigger.NewManager(trigger.Options{Callback: func(ev trigger.Event) {
		mu.Lock()
		fired = append(fired, ev)
		mu.Unlock()
	}})
	require.NoError(t, m.RegisterSoftwareTrigger(trigger.SoftwareConfig{ID: "manual"}))

	in := strings.NewReader("manual 42\n\nunknown x\nmanual\n")
	readSoftwareTriggers(context.Background(), in, m, telemetry.NewNopLogger())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 2)
	assert.Equal(t, "manual", fired[0].TriggerID)
	assert.Equal(t, 42.0, fired[0].Payload)
	assert.Nil(t, fired[1].Payload)
}

func TestPersistedEvents(t *testing.T) {
	assert.False(t, persistedEvents(telemetry.Event{Type: telemetry.EventTypeQueueStatusChanged}))
	assert.True(t, persistedEvents(telemetry.Event{Type: telemetry.EventTypeRunCompleted}))
}

func TestValidateCommand_Policies(t *testing.T) {
	dir := t.TempDir()
	graphs := filepath.Join(dir, "graphs")
	require.NoError(t, os.Mkdir(graphs, 0o755))
	writeFile(t, graphs, "blur.yaml", `
id: blur
nodes:
  - id: capture
    kind: entry
  - id: smooth
    algorithm_type: gaussian
edges:
  - {source: capture, target: smooth}
`)

	err := execute(t, "validate", graphs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 graphs invalid")

	off := writeFile(t, dir, "off.yaml", "policies:\n  enabled: false\n")
	require.NoError(t, execute(t, "validate", "-c", off, graphs))

	disabled := writeFile(t, dir, "disabled.yaml", "policies:\n  disabled: [known-algorithms]\n")
	require.NoError(t, execute(t, "validate", "-c", disabled, graphs))

	err = execute(t, "run", "blur", "--graphs", graphs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known-algorithms")

	rules := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rules, 0o755))
	writeFile(t, rules, "no-entry-only.rego", `# severity: error
package visionflow.policies.entries

import rego.v1

deny contains msg if {
	some node in input.graph.nodes
	node.kind == "entry"
	msg := sprintf("entry %s is not allowed", [node.id])
}
`)
	custom := writeFile(t, dir, "custom.yaml", "policies:\n  paths: [rules]\n  disabled: [known-algorithms]\n")
	err = execute(t, "validate", "-c", custom, graphs)
	require.Error(t, err)
}
