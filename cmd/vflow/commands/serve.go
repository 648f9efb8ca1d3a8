package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionflow/visionflow/pkg/config"
	"github.com/visionflow/visionflow/pkg/queue"
	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/telemetry"
	"github.com/visionflow/visionflow/pkg/trigger"
)

func newServeCommand() *cobra.Command {
	var (
		graphPaths []string
		graphID    string
		stdin      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trigger-driven pipeline",
		Long: `Start the event-driven runner: triggers from the configuration feed the work
queue, and every dequeued item runs the bound graph once.

With --stdin, each input line "<trigger-id> [payload]" fires a software trigger.`,
		Example: `  # Serve with the configured triggers
  vflow serve -c visionflow.yaml

  # Fire software triggers by hand
  vflow serve -c visionflow.yaml --stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if graphID != "" {
				cfg.Runner.GraphID = graphID
			}
			var in io.Reader
			if stdin {
				in = os.Stdin
			}
			return serve(cmd.Context(), cfg, graphPaths, in)
		},
	}

	cmd.Flags().StringSliceVar(&graphPaths, "graphs", nil, "graph files or directories (defaults to the config)")
	cmd.Flags().StringVarP(&graphID, "graph", "g", "", "graph to bind (overrides runner.graph_id)")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "fire software triggers from standard input")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, graphPaths []string, in io.Reader) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	logger := tel.Logger.NewComponentLogger("serve")
	ctx = tel.WithContext(ctx)

	catalog, err := loadCatalog(cfg, graphPaths)
	if err != nil {
		return err
	}
	registry, release, err := newProcessors(ctx, cfg, tel.Logger)
	if err != nil {
		return err
	}
	defer release()

	eng, err := newEngine(cfg, catalog, registry, tel)
	if err != nil {
		return err
	}
	if cfg.Runner.GraphID != "" {
		if _, err := eng.CheckGraph(cfg.Runner.GraphID); err != nil {
			return err
		}
		pe, err := newPolicyEngine(ctx, cfg, tel.Logger)
		if err != nil {
			return err
		}
		if _, err := admitGraph(ctx, pe, catalog, registry, cfg.Runner.GraphID); err != nil {
			return err
		}
	}

	q, err := queue.New(queue.Options{
		Name:     cfg.Queue.Name,
		Capacity: cfg.Queue.Capacity,
		Policy:   queue.OverflowPolicy(cfg.Queue.Policy),
		Logger:   tel.Logger,
		Metrics:  tel.Metrics,
		Events:   tel.Events,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	var recorder runner.RunRecorder
	if cfg.Store.Enabled {
		store, err := openStore(ctx, cfg, tel.Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if cfg.Store.Retention > 0 {
			pruned, err := store.PruneRuns(ctx, time.Now().Add(-cfg.Store.Retention))
			if err != nil {
				return err
			}
			logger.WithField("pruned", pruned).Info("pruned run history")
		}

		unsubscribe := tel.Events.Subscribe(store.EventSink(ctx), persistedEvents)
		defer unsubscribe()
		recorder = store
	}

	triggers := trigger.NewManager(trigger.Options{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		Events:  tel.Events,
	})
	signals, err := registerTriggers(triggers, cfg.Triggers, tel.Logger)
	if err != nil {
		return err
	}
	if signals != nil {
		defer signals.Close()
	}

	r, err := runner.New(runner.Options{
		GraphID:       cfg.Runner.GraphID,
		Queue:         q,
		Engine:        eng,
		Triggers:      triggers,
		Recorder:      recorder,
		ErrorCooldown: cfg.Runner.ErrorCooldown,
		StopTimeout:   cfg.Runner.StopTimeout,
		Logger:        tel.Logger,
		Events:        tel.Events,
	})
	if err != nil {
		return err
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	if err := triggers.StartTimers(ctx); err != nil {
		_ = r.Stop()
		return err
	}
	if signals != nil {
		go signals.Run(ctx)
	}
	tel.StartMetricsServer(ctx)

	if in != nil {
		go readSoftwareTriggers(ctx, in, triggers, logger)
	}

	logger.WithGraphID(r.GraphID()).
		WithField("queue", q.Name()).
		WithField("capacity", q.Cap()).
		Info("serving")

	<-ctx.Done()

	triggers.StopTimers()
	err = r.Stop()

	stats := r.Stats()
	logger.WithField("total", stats.Total).
		WithField("succeeded", stats.Succeeded).
		WithField("failed", stats.Failed).
		WithField("dropped", stats.Dropped).
		Info("stopped")
	return err
}

// persistedEvents keeps queue status chatter out of the history database.
func persistedEvents(e telemetry.Event) bool {
	return e.Type != telemetry.EventTypeQueueStatusChanged
}

// registerTriggers registers the configured triggers and returns a signal
// source when any hardware trigger names a value file.
func registerTriggers(m *trigger.Manager, cfg config.TriggersConfig, logger *telemetry.Logger) (*trigger.SignalSource, error) {
	for _, t := range cfg.Software {
		if err := m.RegisterSoftwareTrigger(t); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Timers {
		if err := m.RegisterTimerTrigger(t); err != nil {
			return nil, err
		}
	}

	var signals *trigger.SignalSource
	for _, t := range cfg.Hardware {
		if err := m.RegisterHardwareTrigger(t); err != nil {
			return nil, err
		}
		if t.ValuePath == "" {
			continue
		}
		if signals == nil {
			var err error
			if signals, err = trigger.NewSignalSource(m, logger); err != nil {
				return nil, err
			}
		}
		if err := signals.Watch(t.ID); err != nil {
			_ = signals.Close()
			return nil, err
		}
	}
	return signals, nil
}

func readSoftwareTriggers(ctx context.Context, in io.Reader, m *trigger.Manager, logger *telemetry.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		id, payload, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if id == "" {
			continue
		}
		if err := m.FireSoftwareTrigger(id, parseInput(strings.TrimSpace(payload))); err != nil {
			logger.WithTriggerID(id).WithError(err).Warn("trigger not fired")
		}
	}
}
