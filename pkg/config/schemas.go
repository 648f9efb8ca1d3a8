package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// Built-in schema names.
const (
	SchemaConfig = "config"
	SchemaGraph  = "graph"
)

// SchemaRegistry manages CUE schemas for validation. Schemas and the values
// checked against them must come from the same cue.Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaConfig, builtinSchemas, "#Config"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaGraph, builtinSchemas, "#Graph"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles src and registers the definition at path under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify checks val against a named schema and returns the unified value.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions. Durations are Go duration strings.

const builtinSchemas = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#Edge: "rising" | "falling" | "both"

#HardwareTrigger: {
	id:          string & != ""
	name?:       string
	pin?:        int & >=0
	edge?:       #Edge
	debounce?:   #Duration
	value_path?: string
	disabled?:   bool
}

#SoftwareTrigger: {
	id:        string & != ""
	name?:     string
	key?:      string
	disabled?: bool
}

#TimerTrigger: {
	id:             string & != ""
	name?:          string
	interval?:      #Duration
	initial_delay?: #Duration
	cron?:          string
	disabled?:      bool
}

#Config: {
	telemetry?: {...}
	engine?: {
		max_parallel?:      int & >=0
		max_call_depth?:    int & >=0
		node_timeout?:      #Duration
		max_iterations?:    int & >=0
		condition_timeout?: #Duration
	}
	queue?: {
		name?:     string
		capacity?: int & >=1
		policy?:   "drop_newest" | "drop_oldest" | "overwrite" | "block"
	}
	runner?: {
		graph_id?:       string
		error_cooldown?: #Duration
		stop_timeout?:   #Duration
	}
	triggers?: {
		hardware?: [...#HardwareTrigger]
		software?: [...#SoftwareTrigger]
		timers?: [...#TimerTrigger]
	}
	store?: {
		enabled?:   bool
		path?:      string
		retention?: #Duration
	}
	policies?: {
		enabled?:  bool
		paths?:    [...string]
		disabled?: [...string]
	}
	processors?: {
		wasm?:               [...string]
		timeout?:            #Duration
		memory_limit_pages?: int & >=0 & <=65536
	}
	graphs?: [...string]
}

#Node: {
	id:              string & != ""
	name?:           string
	kind?:           "plain" | "entry" | "subgraph" | "conditional"
	enabled?:        bool
	algorithm_type?: string
	timeout?:        #Duration
	...
}

#Graph: {
	id:    string & != ""
	name?: string
	nodes: [...#Node]
	edges?: [...{source: string, target: string}]
	port_edges?: [...{...}]
}
`
