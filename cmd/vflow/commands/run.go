package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		graphPaths []string
		input      string
		record     bool
	)

	cmd := &cobra.Command{
		Use:   "run <graph-id>",
		Short: "Run a graph once",
		Long: `Run a graph once with the given primary input and print the result.

The input is parsed as JSON when possible and passed as a string otherwise.`,
		Example: `  # Run the inspect graph with a numeric input
  vflow run inspect --graphs ./graphs --input 0.8

  # Run and store the result in the configured history database
  vflow run inspect -c visionflow.yaml --input '{"frame": 7}' --record`,
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

			tel := telemetry.NewNopTelemetry()
			registry, release, err := newProcessors(cmd.Context(), cfg, tel.Logger)
			if err != nil {
				return err
			}
			defer release()

			eng, err := newEngine(cfg, catalog, registry, tel)
			if err != nil {
				return err
			}

			pe, err := newPolicyEngine(cmd.Context(), cfg, tel.Logger)
			if err != nil {
				return err
			}
			if _, err := admitGraph(cmd.Context(), pe, catalog, registry, args[0]); err != nil {
				return err
			}

			log.Info().Str("graph", args[0]).Msg("Running graph")
			res, runErr := eng.ExecuteWorkflow(cmd.Context(), args[0], parseInput(input))
			if res == nil {
				return runErr
			}

			if record {
				store, err := openStore(cmd.Context(), cfg, tel.Logger)
				if err != nil {
					return err
				}
				defer store.Close()

				rec := runner.RunRecord{
					RunID:       res.RunID,
					GraphID:     res.GraphID,
					Status:      string(res.Status),
					Success:     res.Success && runErr == nil,
					StartedAt:   res.StartedAt,
					CompletedAt: res.CompletedAt,
					Duration:    res.Duration,
					Result:      res,
				}
				if runErr != nil {
					rec.Error = runErr.Error()
				}
				if err := store.RecordRun(cmd.Context(), rec); err != nil {
					return err
				}
			}

			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				printRunResult(res.RunID, string(res.Status), res.Duration.String(), res.FinalOutput())
				ids := make([]string, 0, len(res.NodeResults))
				for id := range res.NodeResults {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					nr := res.NodeResults[id]
					line := fmt.Sprintf("  %-20s %-10s %s", id, nr.Status, nr.Duration)
					if nr.Error != "" {
						line += "  " + nr.Error
					}
					fmt.Println(line)
				}
			}

			if runErr != nil {
				return runErr
			}
			if !res.Success {
				return fmt.Errorf("run %s failed: %v", res.RunID, res.Errors)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&graphPaths, "graphs", nil, "graph files or directories (defaults to the config)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "primary input (JSON or plain text)")
	cmd.Flags().BoolVar(&record, "record", false, "store the run in the history database")

	return cmd
}

// parseInput decodes JSON input, falling back to the raw text.
func parseInput(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printRunResult(runID, status, duration string, output any) {
	fmt.Printf("Run %s %s in %s\n", runID, status, duration)
	if output != nil {
		fmt.Printf("Output: %v\n", output)
	}
}
