package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCycle is returned by GetExecutionOrder when not every node could be ordered.
var ErrCycle = errors.New("graph contains a cycle")

// DetectCycles uses depth-first search with a recursion stack to find cycles.
// Every back edge yields one entry, a path that starts and ends on the same
// node (e.g. [A B A]). An acyclic graph yields an empty slice.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	succ, _ := g.adjacency()
	visited := make(map[string]bool, len(g.order))
	recStack := make(map[string]bool, len(g.order))
	cycles := make([][]string, 0)

	var visit func(nodeID string, path []string)
	visit = func(nodeID string, path []string) {
		visited[nodeID] = true
		recStack[nodeID] = true
		path = append(path, nodeID)

		for _, next := range succ[nodeID] {
			if !visited[next] {
				visit(next, path)
				continue
			}
			if !recStack[next] {
				continue
			}
			// Back edge: the cycle is the path suffix starting at next.
			for i, id := range path {
				if id == next {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					cycle = append(cycle, next)
					cycles = append(cycles, cycle)
					break
				}
			}
		}

		recStack[nodeID] = false
	}

	for _, id := range g.order {
		if !visited[id] {
			visit(id, make([]string, 0, len(g.order)))
		}
	}

	return cycles
}

// FormatCycle renders a cycle path as "A -> B -> A".
func FormatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// GetExecutionOrder returns a topological order of every node using Kahn's
// algorithm. When a cycle prevents ordering all nodes, the partial order is
// returned together with ErrCycle; callers should use DetectCycles to report it.
func (g *Graph) GetExecutionOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	succ, pred := g.adjacency()
	inDegree := make(map[string]int, len(g.order))
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(pred[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range succ[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) < len(g.order) {
		return order, fmt.Errorf("%w: ordered %d of %d nodes", ErrCycle, len(order), len(g.order))
	}
	return order, nil
}

// enabledView is the subgraph induced by enabled nodes.
type enabledView struct {
	ids   []string
	index map[string]int
	succ  map[string][]string
	pred  map[string][]string
}

// enabled builds the enabled-node view. Callers must hold at least a read lock.
func (g *Graph) enabled() *enabledView {
	succ, pred := g.adjacency()
	v := &enabledView{
		ids:   make([]string, 0, len(g.order)),
		index: make(map[string]int, len(g.order)),
		succ:  make(map[string][]string),
		pred:  make(map[string][]string),
	}
	for i, id := range g.order {
		if g.nodes[id].Enabled {
			v.ids = append(v.ids, id)
			v.index[id] = i
		}
	}
	for _, id := range v.ids {
		for _, next := range succ[id] {
			if _, ok := v.index[next]; ok {
				v.succ[id] = append(v.succ[id], next)
			}
		}
		for _, prev := range pred[id] {
			if _, ok := v.index[prev]; ok {
				v.pred[id] = append(v.pred[id], prev)
			}
		}
	}
	return v
}

// EntryNodes returns enabled nodes with no enabled predecessors, in insertion order.
func (g *Graph) EntryNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := g.enabled()
	entries := make([]string, 0)
	for _, id := range v.ids {
		if len(v.pred[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

// GetAutoDetectExecutionChains groups enabled nodes into execution chains.
// Entry nodes whose forward-reachable sets intersect are merged into one
// chain. Enabled nodes unreachable from every entry (only possible on cyclic
// input) each become a single-node chain. Output order is deterministic.
func (g *Graph) GetAutoDetectExecutionChains() []ExecutionChain {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := g.enabled()

	entries := make([]string, 0)
	for _, id := range v.ids {
		if len(v.pred[id]) == 0 {
			entries = append(entries, id)
		}
	}

	// Union entries whose reachable sets share a node.
	parent := make([]int, len(entries))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Keep the lower index as root so groups follow entry order.
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	owner := make(map[string]int, len(v.ids))
	for i, entry := range entries {
		for _, id := range v.reachable([]string{entry}, nil) {
			if prev, seen := owner[id]; seen {
				union(i, prev)
			} else {
				owner[id] = i
			}
		}
	}

	groups := make([][]string, 0)
	groupOf := make(map[int]int)
	for i, entry := range entries {
		root := find(i)
		gi, ok := groupOf[root]
		if !ok {
			gi = len(groups)
			groupOf[root] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], entry)
	}

	visited := make(map[string]bool, len(v.ids))
	chains := make([]ExecutionChain, 0, len(groups))
	for _, group := range groups {
		nodes := v.reachable(group, visited)
		chains = append(chains, ExecutionChain{
			Index:   len(chains),
			Entries: group,
			Nodes:   nodes,
		})
	}

	for _, id := range v.ids {
		if visited[id] {
			continue
		}
		visited[id] = true
		chains = append(chains, ExecutionChain{
			Index:   len(chains),
			Entries: []string{id},
			Nodes:   []string{id},
		})
	}

	return chains
}

// reachable performs a breadth-first forward closure from the start nodes.
// When visited is non-nil, nodes already in it are skipped and newly reached
// nodes are added to it.
func (v *enabledView) reachable(start []string, visited map[string]bool) []string {
	local := visited
	if local == nil {
		local = make(map[string]bool)
	}

	out := make([]string, 0)
	queue := make([]string, 0, len(start))
	for _, id := range start {
		if local[id] {
			continue
		}
		local[id] = true
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, next := range v.succ[id] {
			if !local[next] {
				local[next] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}

// GetParallelExecutionGroupsByChains levels every chain independently and then
// unions level k of every chain into parallel group k.
func (g *Graph) GetParallelExecutionGroupsByChains() []ParallelGroup {
	return g.ParallelGroupsForChains(g.GetAutoDetectExecutionChains())
}

// ParallelGroupsForChains computes parallel groups for an explicit chain set.
// In-degree is counted only over edges whose endpoints both lie in the chain.
func (g *Graph) ParallelGroupsForChains(chains []ExecutionChain) []ParallelGroup {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := g.enabled()
	perChain := make([][][]string, 0, len(chains))
	depth := 0
	for _, chain := range chains {
		levels := v.levels(chain.Nodes)
		perChain = append(perChain, levels)
		if len(levels) > depth {
			depth = len(levels)
		}
	}

	groups := make([]ParallelGroup, 0, depth)
	for level := 0; level < depth; level++ {
		group := make(ParallelGroup, 0)
		for _, levels := range perChain {
			if level < len(levels) {
				group = append(group, levels[level]...)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// GlobalParallelGroups levels the whole enabled subgraph at once.
func (g *Graph) GlobalParallelGroups() []ParallelGroup {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v := g.enabled()
	levels := v.levels(v.ids)
	groups := make([]ParallelGroup, 0, len(levels))
	for _, level := range levels {
		groups = append(groups, ParallelGroup(level))
	}
	return groups
}

// levels runs Kahn's algorithm level by level over the subset. Nodes left over
// because of a cycle are appended as one final level so every node is placed.
func (v *enabledView) levels(subset []string) [][]string {
	in := make(map[string]bool, len(subset))
	for _, id := range subset {
		in[id] = true
	}

	inDegree := make(map[string]int, len(subset))
	current := make([]string, 0)
	for _, id := range subset {
		for _, prev := range v.pred[id] {
			if in[prev] {
				inDegree[id]++
			}
		}
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	levels := make([][]string, 0)
	placed := 0
	for len(current) > 0 {
		v.sortByIndex(current)
		levels = append(levels, current)
		placed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, succ := range v.succ[id] {
				if !in[succ] {
					continue
				}
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}

	if placed < len(subset) {
		rest := make([]string, 0, len(subset)-placed)
		for _, id := range subset {
			if inDegree[id] > 0 {
				rest = append(rest, id)
			}
		}
		v.sortByIndex(rest)
		levels = append(levels, rest)
	}
	return levels
}

func (v *enabledView) sortByIndex(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return v.index[ids[i]] < v.index[ids[j]]
	})
}

// NodeLevels maps every node id in the groups to its group index.
func NodeLevels(groups []ParallelGroup) map[string]int {
	levels := make(map[string]int)
	for i, group := range groups {
		for _, id := range group {
			levels[id] = i
		}
	}
	return levels
}

// GetNodePriority returns 0 for sink nodes and otherwise one more than the
// highest priority among direct successors. A node revisited while still on
// the current path (a cycle) resolves to 0.
func (g *Graph) GetNodePriority(nodeID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	succ, _ := g.adjacency()
	onPath := make(map[string]bool)
	memo := make(map[string]int)

	var priority func(id string) int
	priority = func(id string) int {
		if onPath[id] {
			return 0
		}
		if p, ok := memo[id]; ok {
			return p
		}
		next := succ[id]
		if len(next) == 0 {
			memo[id] = 0
			return 0
		}

		onPath[id] = true
		highest := 0
		for _, s := range next {
			if p := priority(s); p > highest {
				highest = p
			}
		}
		onPath[id] = false

		memo[id] = highest + 1
		return highest + 1
	}

	return priority(nodeID)
}

// ToDOT generates a DOT representation of the graph for visualization, with
// one cluster per parallel group. The output can be rendered with Graphviz.
func (g *Graph) ToDOT() string {
	groups := g.GetParallelExecutionGroupsByChains()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", g.ID)
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, group := range groups {
		fmt.Fprintf(&sb, "  subgraph cluster_group_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Group %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range group {
			n := g.nodes[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, n.DisplayName(), n.Kind, kindColor(n.Kind))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		if !g.nodes[id].Enabled {
			fmt.Fprintf(&sb, "  %q [label=%q, style=dotted];\n", id, g.nodes[id].DisplayName())
		}
	}

	for _, e := range g.edges {
		fmt.Fprintf(&sb, "  %q -> %q;\n", e.Source, e.Target)
	}
	for _, e := range g.portEdges {
		fmt.Fprintf(&sb, "  %q -> %q [taillabel=%q, headlabel=%q, style=dashed];\n",
			e.Source, e.Target, e.SourcePort, e.TargetPort)
	}

	sb.WriteString("}\n")
	return sb.String()
}

// kindColor returns a fill color for visualizing node kinds.
func kindColor(kind NodeKind) string {
	switch kind {
	case NodeKindEntry:
		return "lightgreen"
	case NodeKindSubGraph:
		return "lightblue"
	case NodeKindConditional:
		return "khaki"
	default:
		return "white"
	}
}
