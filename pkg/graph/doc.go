// Package graph models vision pipelines as directed graphs of processing nodes.
//
// # Overview
//
// A Graph owns its nodes and two edge sets: node-level edges and port-level
// edges that name a source and target port. Both edge sets feed the same
// adjacency, so every analysis below treats a port edge as a dependency.
//
// # Analysis
//
// The graph exposes the analyses the engine needs before it runs anything:
//
//   - DetectCycles: depth-first search reporting every back-edge path
//   - GetExecutionOrder: Kahn topological order over all nodes
//   - GetAutoDetectExecutionChains: entry nodes merged by shared reachability
//   - GetParallelExecutionGroupsByChains: per-chain leveling unioned by level
//   - GetNodePriority: longest downstream path length
//
// Chains and groups consider enabled nodes only. Disabled nodes keep their
// edges but neither run nor count as predecessors.
//
// # Example
//
//	g := graph.New("inspect", "Inspection")
//	_ = g.AddNode(graph.NewNode("capture", graph.NodeKindEntry))
//	_ = g.AddNode(graph.NewNode("blur", graph.NodeKindPlain))
//	_ = g.ConnectNodes("capture", "blur")
//
//	for i, group := range g.GetParallelExecutionGroupsByChains() {
//	    fmt.Println(i, group)
//	}
package graph
