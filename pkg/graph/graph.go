package graph

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyID is returned when a node or graph has no id.
	ErrEmptyID = errors.New("empty id")

	// ErrDuplicateNode is returned when a node id is already present in the graph.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrUnknownNode is returned when an edge references a node that does not exist.
	ErrUnknownNode = errors.New("unknown node id")

	// ErrDuplicateGraph is returned when a graph id is already registered.
	ErrDuplicateGraph = errors.New("duplicate graph id")

	// ErrUnknownGraph is returned when a graph id is not registered.
	ErrUnknownGraph = errors.New("unknown graph id")
)

// Graph owns a set of nodes and the directed edges between them.
// A graph is the unit of execution. It must not be mutated while a run is active.
type Graph struct {
	ID   string
	Name string

	mu sync.RWMutex

	// nodes maps node ids to nodes
	nodes map[string]*Node

	// order keeps node ids in insertion order for deterministic analysis
	order []string

	edges   []Edge
	edgeSet map[Edge]struct{}

	portEdges   []PortEdge
	portEdgeSet map[PortEdge]struct{}
}

// New creates an empty graph.
func New(id, name string) *Graph {
	return &Graph{
		ID:          id,
		Name:        name,
		nodes:       make(map[string]*Node),
		order:       make([]string, 0),
		edges:       make([]Edge, 0),
		edgeSet:     make(map[Edge]struct{}),
		portEdges:   make([]PortEdge, 0),
		portEdgeSet: make(map[PortEdge]struct{}),
	}
}

// AddNode adds a node to the graph.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return ErrEmptyID
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	if node.Params == nil {
		node.Params = make(Params)
	}

	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	return nil
}

// RemoveNode deletes a node and every node-level and port-level edge touching it.
// Removing an unknown id is a no-op.
func (g *Graph) RemoveNode(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; !exists {
		return
	}
	delete(g.nodes, id)

	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}

	edges := g.edges[:0]
	for _, e := range g.edges {
		if e.Source == id || e.Target == id {
			delete(g.edgeSet, e)
			continue
		}
		edges = append(edges, e)
	}
	g.edges = edges

	portEdges := g.portEdges[:0]
	for _, e := range g.portEdges {
		if e.Source == id || e.Target == id {
			delete(g.portEdgeSet, e)
			continue
		}
		portEdges = append(portEdges, e)
	}
	g.portEdges = portEdges
}

// ConnectNodes adds a node-level edge. Re-adding an existing edge is a no-op.
func (g *Graph) ConnectNodes(source, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkEndpoints(source, target); err != nil {
		return err
	}

	e := Edge{Source: source, Target: target}
	if _, exists := g.edgeSet[e]; exists {
		return nil
	}
	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)
	return nil
}

// ConnectByPort adds a port-qualified edge. Re-adding an existing edge is a no-op.
func (g *Graph) ConnectByPort(source, sourcePort, target, targetPort string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkEndpoints(source, target); err != nil {
		return err
	}

	e := PortEdge{Source: source, SourcePort: sourcePort, Target: target, TargetPort: targetPort}
	if _, exists := g.portEdgeSet[e]; exists {
		return nil
	}
	g.portEdgeSet[e] = struct{}{}
	g.portEdges = append(g.portEdges, e)
	return nil
}

// DisconnectNodes removes a node-level edge if present.
func (g *Graph) DisconnectNodes(source, target string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := Edge{Source: source, Target: target}
	if _, exists := g.edgeSet[e]; !exists {
		return
	}
	delete(g.edgeSet, e)
	for i, existing := range g.edges {
		if existing == e {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			break
		}
	}
}

func (g *Graph) checkEndpoints(source, target string) error {
	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// NodeIDs returns all node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Edges returns a copy of the node-level edges.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.edges...)
}

// PortEdges returns a copy of the port-level edges.
func (g *Graph) PortEdges() []PortEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]PortEdge(nil), g.portEdges...)
}

// Successors returns the direct successors of a node across both edge sets.
func (g *Graph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	succ, _ := g.adjacency()
	return append([]string(nil), succ[id]...)
}

// Predecessors returns the direct predecessors of a node across both edge sets.
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, pred := g.adjacency()
	return append([]string(nil), pred[id]...)
}

// adjacency builds successor and predecessor lists from the union of node-level
// and port-level edges. Lists are deduplicated and keep edge insertion order.
// Callers must hold at least a read lock.
func (g *Graph) adjacency() (map[string][]string, map[string][]string) {
	succ := make(map[string][]string, len(g.order))
	pred := make(map[string][]string, len(g.order))
	seen := make(map[Edge]struct{}, len(g.edges)+len(g.portEdges))

	add := func(e Edge) {
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		succ[e.Source] = append(succ[e.Source], e.Target)
		pred[e.Target] = append(pred[e.Target], e.Source)
	}

	for _, e := range g.edges {
		add(e)
	}
	for _, e := range g.portEdges {
		add(e.Edge())
	}
	return succ, pred
}

// Validate performs structural validation of nodes and edges. It does not
// check for cycles; use DetectCycles for that.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.ID == "" {
		return fmt.Errorf("graph: %w", ErrEmptyID)
	}

	var errs []error
	for _, id := range g.order {
		n := g.nodes[id]
		if err := n.Kind.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", id, err))
		}
		for name, p := range n.Params {
			if err := p.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("node %s param %s: %w", id, name, err))
			}
		}
		switch n.Kind {
		case NodeKindSubGraph:
			if n.SubGraph == nil || n.SubGraph.GraphID == "" {
				errs = append(errs, fmt.Errorf("node %s: subgraph node has no graph id", id))
			} else if err := n.SubGraph.Loop.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", id, err))
			}
		case NodeKindConditional:
			if n.Condition == nil || (n.Condition.Expression == "" && n.Condition.Operator == "") {
				errs = append(errs, fmt.Errorf("node %s: conditional node has no condition", id))
			}
		}
		for _, b := range n.Bindings {
			if _, ok := g.nodes[b.SourceNodeID]; !ok {
				errs = append(errs, fmt.Errorf("node %s binding %s: %w: %s", id, b.Param, ErrUnknownNode, b.SourceNodeID))
			}
		}
	}

	for _, e := range g.edges {
		if err := g.checkEndpoints(e.Source, e.Target); err != nil {
			errs = append(errs, fmt.Errorf("edge %s: %w", e, err))
		}
	}
	for _, e := range g.portEdges {
		if err := g.checkEndpoints(e.Source, e.Target); err != nil {
			errs = append(errs, fmt.Errorf("port edge %s: %w", e.Edge(), err))
		}
	}

	return errors.Join(errs...)
}

// Document is the serializable shape of a graph exchanged with external loaders.
type Document struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes     []*Node    `json:"nodes" yaml:"nodes"`
	Edges     []Edge     `json:"edges" yaml:"edges"`
	PortEdges []PortEdge `json:"port_edges,omitempty" yaml:"port_edges,omitempty"`
}

// FromDocument builds a graph from a decoded document.
func FromDocument(doc *Document) (*Graph, error) {
	if doc == nil {
		return nil, errors.New("graph document is nil")
	}
	if doc.Nodes == nil {
		return nil, fmt.Errorf("graph %s: node list is nil", doc.ID)
	}

	g := New(doc.ID, doc.Name)
	for _, n := range doc.Nodes {
		if n == nil {
			return nil, fmt.Errorf("graph %s: nil node entry", doc.ID)
		}
		if n.Kind == "" {
			n.Kind = NodeKindPlain
		}
		if err := g.AddNode(n); err != nil {
			return nil, fmt.Errorf("graph %s: %w", doc.ID, err)
		}
	}
	for _, e := range doc.Edges {
		if err := g.ConnectNodes(e.Source, e.Target); err != nil {
			return nil, fmt.Errorf("graph %s edge %s: %w", doc.ID, e, err)
		}
	}
	for _, e := range doc.PortEdges {
		if err := g.ConnectByPort(e.Source, e.SourcePort, e.Target, e.TargetPort); err != nil {
			return nil, fmt.Errorf("graph %s port edge %s: %w", doc.ID, e.Edge(), err)
		}
	}
	return g, nil
}

// Document returns the serializable form of the graph.
func (g *Graph) Document() *Document {
	return &Document{
		ID:        g.ID,
		Name:      g.Name,
		Nodes:     g.Nodes(),
		Edges:     g.Edges(),
		PortEdges: g.PortEdges(),
	}
}
