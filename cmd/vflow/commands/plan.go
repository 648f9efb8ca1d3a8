package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

type planOutput struct {
	GraphID string                 `json:"graph_id"`
	Chains  []graph.ExecutionChain `json:"chains"`
	Groups  []graph.ParallelGroup  `json:"groups"`
}

func newPlanCommand() *cobra.Command {
	var (
		graphPaths []string
		dot        bool
	)

	cmd := &cobra.Command{
		Use:   "plan <graph-id>",
		Short: "Show how a graph would be scheduled",
		Long: `Show the execution chains and parallel groups of a graph without running it.

Groups run in order; the nodes of one group run concurrently.`,
		Example: `  # Print the schedule of the inspect graph
  vflow plan inspect -c visionflow.yaml

  # Render the graph with Graphviz
  vflow plan inspect --graphs ./graphs --dot | dot -Tpng > inspect.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg, graphPaths)
			if err != nil {
				return err
			}
			registry, release, err := newProcessors(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer release()

			eng, err := newEngine(cfg, catalog, registry, telemetry.NewNopTelemetry())
			if err != nil {
				return err
			}

			g, err := eng.CheckGraph(args[0])
			if err != nil {
				return err
			}

			if dot {
				fmt.Print(g.ToDOT())
				return nil
			}

			chains := g.GetAutoDetectExecutionChains()
			groups := g.ParallelGroupsForChains(chains)
			if jsonOutput {
				return printJSON(planOutput{GraphID: g.ID, Chains: chains, Groups: groups})
			}

			fmt.Printf("Graph %s: %d nodes, %d chains, %d groups\n", g.ID, g.Len(), len(chains), len(groups))
			for _, c := range chains {
				fmt.Printf("  chain %d: entries=%s nodes=%s\n", c.Index, strings.Join(c.Entries, ","), strings.Join(c.Nodes, ","))
			}
			for i, group := range groups {
				fmt.Printf("  group %d: %s\n", i, strings.Join(group, " | "))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&graphPaths, "graphs", nil, "graph files or directories (defaults to the config)")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the graph in Graphviz DOT format")

	return cmd
}
