package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/stores"
	"github.com/visionflow/visionflow/pkg/telemetry"
)

// openStore opens and migrates the configured history database.
func openStore(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newHistoryCommand() *cobra.Command {
	var (
		filter  stores.RunFilter
		runID   string
		summary bool
		events  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `List recorded runs from the history database, show one run with its node
results, or summarize runs per graph.`,
		Example: `  # Last 20 runs of the inspect graph
  vflow history -c visionflow.yaml --graph inspect --limit 20

  # One run with node results and events
  vflow history -c visionflow.yaml --run 5f1c... --events

  # Per-graph success rates
  vflow history -c visionflow.yaml --summary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, telemetry.NewNopLogger())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			switch {
			case runID != "":
				return showRun(ctx, store, runID, events)
			case summary:
				return showSummary(ctx, store)
			default:
				return listRuns(ctx, store, filter)
			}
		},
	}

	cmd.Flags().StringVar(&filter.GraphID, "graph", "", "only runs of this graph")
	cmd.Flags().StringVar(&filter.TriggerID, "trigger", "", "only runs started by this trigger")
	cmd.Flags().StringVar(&filter.Status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "number of runs to skip")
	cmd.Flags().StringVar(&runID, "run", "", "show a single run")
	cmd.Flags().BoolVar(&summary, "summary", false, "summarize runs per graph")
	cmd.Flags().BoolVar(&events, "events", false, "include events when showing a run")

	return cmd
}

func listRuns(ctx context.Context, store stores.Store, filter stores.RunFilter) error {
	runs, err := store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	for _, r := range runs {
		trig := r.TriggerID
		if trig == "" {
			trig = "-"
		}
		fmt.Printf("%s  %-16s %-10s %-12s %8s  %s\n",
			r.StartedAt.Local().Format(time.DateTime), r.GraphID, r.Status, trig,
			r.Duration.Round(time.Millisecond), r.ID)
	}
	return nil
}

func showRun(ctx context.Context, store stores.Store, id string, withEvents bool) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	nodes, err := store.ListNodeResults(ctx, id)
	if err != nil {
		return err
	}

	var evs []*stores.Event
	if withEvents {
		evs, err = store.GetEvents(ctx, stores.EventFilter{RunID: &id})
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		return printJSON(struct {
			Run    *stores.Run          `json:"run"`
			Nodes  []*stores.NodeResult `json:"nodes"`
			Events []*stores.Event      `json:"events,omitempty"`
		}{run, nodes, evs})
	}

	fmt.Printf("Run %s (graph %s) %s in %s\n", run.ID, run.GraphID, run.Status, run.Duration)
	if run.Error != nil {
		fmt.Printf("Error: %s\n", *run.Error)
	}
	for _, n := range nodes {
		line := fmt.Sprintf("  [%d] %-20s %-10s %s", n.Group, n.NodeID, n.Status, n.Duration)
		if n.Error != nil {
			line += "  " + *n.Error
		}
		fmt.Println(line)
	}
	for _, e := range evs {
		fmt.Printf("  %s %-7s %-22s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
	}
	return nil
}

func showSummary(ctx context.Context, store stores.Store) error {
	summaries, err := store.Summarize(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(summaries)
	}
	for _, s := range summaries {
		rate := 0.0
		if s.Total > 0 {
			rate = float64(s.Succeeded) / float64(s.Total) * 100
		}
		fmt.Printf("%-16s total=%d ok=%d failed=%d rate=%.1f%% avg=%s last=%s\n",
			s.GraphID, s.Total, s.Succeeded, s.Failed, rate,
			s.AverageDuration.Round(time.Millisecond), s.LastRunAt.Local().Format(time.DateTime))
	}
	return nil
}
