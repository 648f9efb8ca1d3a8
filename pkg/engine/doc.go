// Package engine executes machine-vision pipeline graphs.
//
// # Overview
//
// A run takes a graph from a graph.Catalog, splits it into parallel groups
// and executes the groups strictly in order. Nodes of one group have no
// dependency on each other and run concurrently, bounded by MaxParallel.
//
//  1. Check - reject unknown graphs and graphs with cycles (structural errors)
//  2. Plan - compute chains and parallel groups (graph.GetParallelExecutionGroupsByChains)
//  3. Execute - run each group, dispatching every node by kind
//  4. Result - collect node results, outputs and final outputs into a RunResult
//
// # Node Dispatch
//
//   - Plain and entry nodes call the Processor registered for their algorithm type
//   - SubGraph nodes are handed to the ControlPlugin, which re-enters the engine
//     through SubGraphRunner with a child ExecutionContext
//   - Conditional nodes are evaluated by the ControlPlugin; the selected branch
//     is reported in the node output and does not redirect execution
//
// A node receives the primary input when none of its predecessors produced
// output, the single predecessor output when exactly one did, and the list of
// outputs in predecessor order otherwise.
//
// # Run Control
//
// One top-level run is active per engine. Pause stops dispatch of new nodes
// until Resume; Stop cancels the run, lets running nodes finish and marks the
// rest Skipped. Processors never observe run cancellation, only their own
// timeout.
//
// # Errors
//
// Every error returned by the engine is an *EngineError with a class:
//
//   - structural: the graph cannot run (unknown graph, cycle, depth limit)
//   - dispatch: the engine cannot dispatch (busy, missing control plugin)
//   - node: a node failed; the run stops after the node's group
//   - cancelled: the run was stopped
//
// Use IsStructural, IsDispatch, IsNodeFailure, IsCancelled and HasCode to
// inspect them.
package engine
