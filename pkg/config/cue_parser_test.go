package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/visionflow/visionflow/pkg/queue"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "valid config",
			content: `queue: capacity: 4`,
		},
		{
			name: "invalid CUE syntax",
			content: `
queue: {
	capacity: 4
`,
			wantErr: true,
		},
		{
			name:    "conflicting values",
			content: "queue: capacity: 4\nqueue: capacity: 5",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseInline(tt.content)
			if tt.wantErr {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("expected ParseError, got %v", err)
				}
				if len(pe.Errors) == 0 {
					t.Error("expected at least one validation error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadCUE(t *testing.T) {
	cfg, err := LoadCUE(`
engine: node_timeout: "2s"
queue: {
	capacity: 4
	policy:   "block"
}
runner: graph_id: "inspect"
triggers: {
	timers: [{id: "tick", interval: "250ms"}]
	hardware: [{id: "gpio17", pin: 17, edge: "falling", debounce: "20ms"}]
}
`)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Queue.Capacity != 4 {
		t.Errorf("expected capacity 4, got %d", cfg.Queue.Capacity)
	}
	if cfg.Queue.Policy != string(queue.Block) {
		t.Errorf("expected policy block, got %s", cfg.Queue.Policy)
	}
	if cfg.Queue.Name != "frames" {
		t.Errorf("expected default queue name to survive, got %q", cfg.Queue.Name)
	}
	if cfg.Engine.NodeTimeout != 2*time.Second {
		t.Errorf("expected node timeout 2s, got %s", cfg.Engine.NodeTimeout)
	}
	if cfg.Runner.GraphID != "inspect" {
		t.Errorf("expected graph id inspect, got %q", cfg.Runner.GraphID)
	}
	if len(cfg.Triggers.Timers) != 1 || cfg.Triggers.Timers[0].Interval != 250*time.Millisecond {
		t.Errorf("unexpected timers: %+v", cfg.Triggers.Timers)
	}
	if len(cfg.Triggers.Hardware) != 1 || cfg.Triggers.Hardware[0].Debounce != 20*time.Millisecond {
		t.Errorf("unexpected hardware triggers: %+v", cfg.Triggers.Hardware)
	}
	if cfg.Telemetry.ServiceName != "visionflow" {
		t.Errorf("expected default telemetry, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadCUE_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "capacity below one", content: `queue: capacity: 0`, want: "capacity"},
		{name: "unknown policy", content: `queue: policy: "lifo"`, want: "policy"},
		{name: "unknown field", content: `bogus: 1`, want: "bogus"},
		{name: "bad duration", content: `runner: stop_timeout: "soon"`, want: "stop_timeout"},
		{name: "bad edge", content: `triggers: hardware: [{id: "x", edge: "up"}]`, want: "edge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCUE(tt.content)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if !strings.Contains(pe.Error(), tt.want) {
				t.Errorf("expected error to mention %q, got %s", tt.want, pe.Error())
			}
		})
	}
}

func TestSchemaRegistry(t *testing.T) {
	parser := NewCUEParser()
	names := parser.Schemas().ListSchemas()
	if len(names) != 2 || names[0] != SchemaConfig || names[1] != SchemaGraph {
		t.Errorf("unexpected built-in schemas: %v", names)
	}

	if err := parser.Schemas().RegisterSchema("broken", `#X: {`, "#X"); err == nil {
		t.Error("expected compile error")
	}
	if err := parser.Schemas().RegisterSchema("missing", `#X: int`, "#Y"); err == nil {
		t.Error("expected missing definition error")
	}

	val, err := parser.ParseInline(`id: "g", nodes: []`)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if _, err := parser.Schemas().Unify(SchemaGraph, val); err != nil {
		t.Errorf("expected graph to validate: %v", err)
	}
	if _, err := parser.Schemas().Unify("nope", val); err == nil {
		t.Error("expected unknown schema error")
	}
}
