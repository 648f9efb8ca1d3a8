package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/graph"
	"github.com/visionflow/visionflow/pkg/policy"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [paths...]",
		Short: "Validate configuration and graph documents",
		Long: `Validate the configuration file and graph documents.

This command checks:
  - Configuration schema and cross-field rules
  - Graph document structure (unique ids, known edge endpoints)
  - Cycles in every graph
  - Sub-graph references to graphs missing from the catalog
  - Admission policies (Rego), built-in and from policies.paths`,
		Example: `  # Validate the graphs named in the config
  vflow validate -c visionflow.yaml

  # Validate a directory of graph documents
  vflow validate ./graphs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Debug().Str("config", configPath).Msg("Configuration valid")

			catalog, err := loadCatalog(cfg, args)
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

			pe, err := newPolicyEngine(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}

			failed := make(map[string]bool)
			for _, id := range catalog.IDs() {
				g, err := eng.CheckGraph(id)
				if err == nil {
					err = checkSubGraphRefs(catalog, g)
				}
				if err != nil {
					failed[id] = true
					log.Error().Str("graph", id).Err(err).Msg("Graph invalid")
					continue
				}

				res, err := admitGraph(cmd.Context(), pe, catalog, registry, id)
				if res != nil {
					logViolations(res)
				}
				if err != nil {
					failed[id] = true
					continue
				}
				log.Info().Str("graph", id).Int("nodes", g.Len()).Msg("Graph valid")
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d of %d graphs invalid", len(failed), len(catalog.IDs()))
			}
			fmt.Printf("%d graphs valid\n", len(catalog.IDs()))
			return nil
		},
	}

	return cmd
}

func logViolations(res *policy.Result) {
	for _, v := range res.Violations {
		var ev *zerolog.Event
		switch v.Severity {
		case policy.SeverityInfo:
			ev = log.Debug()
		case policy.SeverityWarning:
			ev = log.Warn()
		default:
			ev = log.Error()
		}
		ev.Str("graph", v.GraphID).
			Str("node", v.NodeID).
			Str("policy", v.Policy).
			Msg(v.Message)
	}
	for _, w := range res.Warnings {
		log.Warn().Str("graph", res.GraphID).Msg(w)
	}
}

func checkSubGraphRefs(catalog *graph.Catalog, g *graph.Graph) error {
	for _, n := range g.Nodes() {
		if n.Kind != graph.NodeKindSubGraph || n.SubGraph == nil {
			continue
		}
		if _, ok := catalog.Get(n.SubGraph.GraphID); !ok {
			return fmt.Errorf("node %s references unknown graph %q", n.ID, n.SubGraph.GraphID)
		}
	}
	return nil
}
