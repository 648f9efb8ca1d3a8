package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeKind identifies how the engine dispatches a node.
type NodeKind string

const (
	// NodeKindPlain is a processing stage backed by a registered processor.
	NodeKindPlain NodeKind = "plain"

	// NodeKindSubGraph invokes another graph by id, optionally in a loop.
	NodeKindSubGraph NodeKind = "subgraph"

	// NodeKindConditional evaluates a condition and reports the selected branch.
	NodeKindConditional NodeKind = "conditional"

	// NodeKindEntry marks a pipeline entry point (e.g. a capture stage).
	NodeKindEntry NodeKind = "entry"
)

// Validate checks if the node kind is valid.
func (k NodeKind) Validate() error {
	switch k {
	case NodeKindPlain, NodeKindSubGraph, NodeKindConditional, NodeKindEntry:
		return nil
	default:
		return fmt.Errorf("invalid node kind: %s", k)
	}
}

// Node is a single processing stage in a graph.
type Node struct {
	// ID is the unique identifier of the node within its graph.
	ID string `json:"id" yaml:"id"`

	// Name is the display name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Kind selects the dispatch path in the engine.
	Kind NodeKind `json:"kind" yaml:"kind"`

	// Enabled controls whether the node takes part in execution.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// AlgorithmType is the processor identifier looked up in the processor registry.
	AlgorithmType string `json:"algorithm_type,omitempty" yaml:"algorithm_type,omitempty"`

	// Params are the node's typed parameters.
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`

	// Bindings defer parameter values to another node's output.
	Bindings []ParamBinding `json:"bindings,omitempty" yaml:"bindings,omitempty"`

	// Timeout bounds a single processor invocation. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// SubGraph configures SubGraph-kind nodes.
	SubGraph *SubGraphSpec `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`

	// Condition configures Conditional-kind nodes.
	Condition *ConditionSpec `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// NewNode creates an enabled node of the given kind.
func NewNode(id string, kind NodeKind) *Node {
	return &Node{
		ID:      id,
		Name:    id,
		Kind:    kind,
		Enabled: true,
		Params:  make(Params),
	}
}

// UnmarshalYAML decodes a node, defaulting Enabled to true and Kind to plain.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	type plain Node
	p := plain{Enabled: true, Kind: NodeKindPlain}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*n = Node(p)
	return nil
}

// UnmarshalJSON decodes a node, defaulting Enabled to true and Kind to plain.
func (n *Node) UnmarshalJSON(data []byte) error {
	type plain Node
	p := plain{Enabled: true, Kind: NodeKindPlain}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = Node(p)
	return nil
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Params = n.Params.Clone()
	if n.Bindings != nil {
		c.Bindings = append([]ParamBinding(nil), n.Bindings...)
	}
	if n.SubGraph != nil {
		sg := *n.SubGraph
		c.SubGraph = &sg
	}
	if n.Condition != nil {
		cond := *n.Condition
		c.Condition = &cond
	}
	return &c
}

// DisplayName returns the name, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// ParamBinding resolves a parameter from another node's output at run time.
type ParamBinding struct {
	// Param is the parameter name on the bound node.
	Param string `json:"param" yaml:"param"`

	// SourceNodeID is the node whose output supplies the value.
	SourceNodeID string `json:"source_node_id" yaml:"source_node_id"`

	// SourceKey selects a field of the source output. Empty binds the whole output.
	SourceKey string `json:"source_key,omitempty" yaml:"source_key,omitempty"`
}

// Edge is a node-level data dependency: Target runs after Source produced output.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// String returns "source -> target".
func (e Edge) String() string {
	return e.Source + " -> " + e.Target
}

// PortEdge is an edge qualified with named ports on both ends.
type PortEdge struct {
	Source     string `json:"source" yaml:"source"`
	SourcePort string `json:"source_port" yaml:"source_port"`
	Target     string `json:"target" yaml:"target"`
	TargetPort string `json:"target_port" yaml:"target_port"`
}

// Edge returns the node-level projection of the port edge.
func (e PortEdge) Edge() Edge {
	return Edge{Source: e.Source, Target: e.Target}
}

// LoopMode selects how a SubGraph node repeats its referenced graph.
type LoopMode string

const (
	// LoopNone runs the sub-graph once.
	LoopNone LoopMode = "none"

	// LoopFixed runs the sub-graph a fixed number of times.
	LoopFixed LoopMode = "fixed"

	// LoopCondition runs the sub-graph while a condition holds.
	LoopCondition LoopMode = "condition"

	// LoopData runs the sub-graph once per element of a list.
	LoopData LoopMode = "data"
)

// Validate checks if the loop mode is valid.
func (m LoopMode) Validate() error {
	switch m {
	case "", LoopNone, LoopFixed, LoopCondition, LoopData:
		return nil
	default:
		return fmt.Errorf("invalid loop mode: %s", m)
	}
}

// SubGraphSpec configures a SubGraph node.
type SubGraphSpec struct {
	// GraphID references the invoked graph in the catalog.
	GraphID string `json:"graph_id" yaml:"graph_id"`

	// Loop selects the repetition mode.
	Loop LoopMode `json:"loop,omitempty" yaml:"loop,omitempty"`

	// Count is the iteration count for LoopFixed.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`

	// Condition is evaluated before every iteration for LoopCondition.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// MaxIterations caps LoopCondition runs. Zero uses the plugin default.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// DataVariable names a context variable holding the list for LoopData.
	// Empty iterates over the node's resolved input.
	DataVariable string `json:"data_variable,omitempty" yaml:"data_variable,omitempty"`

	// IterationVariable receives the zero-based iteration index in the child context.
	IterationVariable string `json:"iteration_variable,omitempty" yaml:"iteration_variable,omitempty"`

	// OutputVariable, when set, receives the sub-graph result in the caller's context.
	OutputVariable string `json:"output_variable,omitempty" yaml:"output_variable,omitempty"`
}

// ConditionSpec configures a Conditional node. Either the comparison triple or
// Expression is used; Expression wins when both are set.
type ConditionSpec struct {
	Left       string `json:"left,omitempty" yaml:"left,omitempty"`
	Operator   string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Right      string `json:"right,omitempty" yaml:"right,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// TrueBranch and FalseBranch are the branch ids reported as selected.
	TrueBranch  string `json:"true_branch,omitempty" yaml:"true_branch,omitempty"`
	FalseBranch string `json:"false_branch,omitempty" yaml:"false_branch,omitempty"`
}

// ExecutionChain is a connected set of nodes reachable from a merged group of entries.
type ExecutionChain struct {
	// Index is the position of the chain in discovery order.
	Index int `json:"index"`

	// Entries are the chain's entry node ids.
	Entries []string `json:"entries"`

	// Nodes are all node ids in the chain, entries first, in discovery order.
	Nodes []string `json:"nodes"`
}

// Contains reports whether the chain holds the node.
func (c ExecutionChain) Contains(id string) bool {
	for _, n := range c.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// ParallelGroup is a set of node ids that have no dependency among themselves.
type ParallelGroup []string
