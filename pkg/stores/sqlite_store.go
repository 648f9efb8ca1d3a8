package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/visionflow/visionflow/pkg/engine"
	"github.com/visionflow/visionflow/pkg/runner"
	"github.com/visionflow/visionflow/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger *telemetry.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Logger *telemetry.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.NewComponentLogger("store"),
	}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.WithField("path", s.cfg.Path).Debug("store opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun stores a finished run and its node results.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec runner.RunRecord) error {
	run := &Run{
		ID:          rec.RunID,
		GraphID:     rec.GraphID,
		TriggerID:   rec.TriggerID,
		ItemID:      rec.ItemID,
		Status:      rec.Status,
		Success:     rec.Success,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Duration:    rec.Duration,
		CreatedAt:   time.Now(),
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if rec.Error != "" {
		msg := rec.Error
		run.Error = &msg
	}

	var nodes []*NodeResult
	if rec.Result != nil {
		run.Errors = rec.Result.Errors
		nodes = nodeResults(run.ID, rec.Result)
	}

	return s.CreateRun(ctx, run, nodes)
}

// nodeResults flattens engine results, ordered by group then node id.
func nodeResults(runID string, res *engine.RunResult) []*NodeResult {
	nodes := make([]*NodeResult, 0, len(res.NodeResults))
	for _, nr := range res.NodeResults {
		n := &NodeResult{
			RunID:      runID,
			NodeID:     nr.NodeID,
			Kind:       nr.Kind,
			Status:     string(nr.Status),
			Group:      nr.Group,
			Iterations: nr.Iterations,
			StartedAt:  nr.StartedAt,
			Duration:   nr.Duration,
		}
		if nr.Error != "" {
			msg := nr.Error
			n.Error = &msg
		}
		if nr.Output != nil {
			if data, err := json.Marshal(nr.Output); err == nil {
				out := string(data)
				n.Output = &out
			}
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Group != nodes[j].Group {
			return nodes[i].Group < nodes[j].Group
		}
		return nodes[i].NodeID < nodes[j].NodeID
	})
	return nodes
}

// CreateRun inserts a run and its node results in one transaction.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run, nodes []*NodeResult) error {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode run errors: %w", err)
	}
	if run.Errors == nil {
		errs = []byte("[]")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, graph_id, trigger_id, item_id, status, success, error, errors,
			started_at, completed_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.GraphID,
		run.TriggerID,
		run.ItemID,
		run.Status,
		run.Success,
		run.Error,
		string(errs),
		run.StartedAt.UTC(),
		run.CompletedAt.UTC(),
		run.Duration.Milliseconds(),
		run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	for _, n := range nodes {
		n.RunID = run.ID
		result, err := tx.ExecContext(ctx, `
			INSERT INTO node_results (run_id, node_id, kind, status, group_index, iterations,
				output, error, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			n.RunID,
			n.NodeID,
			n.Kind,
			n.Status,
			n.Group,
			n.Iterations,
			n.Output,
			n.Error,
			n.StartedAt.UTC(),
			n.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to create node result %s: %w", n.NodeID, err)
		}
		if n.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get node result ID: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, graph_id, trigger_id, item_id, status, success, error, errors,
	started_at, completed_at, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var errs string
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.GraphID,
		&run.TriggerID,
		&run.ItemID,
		&run.Status,
		&run.Success,
		&run.Error,
		&errs,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode run errors: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + runColumns + ` FROM runs
		WHERE (? = '' OR graph_id = ?)
		  AND (? = '' OR trigger_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query,
		filter.GraphID, filter.GraphID,
		filter.TriggerID, filter.TriggerID,
		filter.Status, filter.Status,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListNodeResults lists the node results of a run in execution order.
func (s *SQLiteStore) ListNodeResults(ctx context.Context, runID string) ([]*NodeResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, kind, status, group_index, iterations, output, error,
			started_at, duration_ms
		FROM node_results
		WHERE run_id = ?
		ORDER BY group_index ASC, node_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node results: %w", err)
	}
	defer rows.Close()

	nodes := []*NodeResult{}
	for rows.Next() {
		n := &NodeResult{}
		var durationMS int64
		err := rows.Scan(
			&n.ID,
			&n.RunID,
			&n.NodeID,
			&n.Kind,
			&n.Status,
			&n.Group,
			&n.Iterations,
			&n.Output,
			&n.Error,
			&n.StartedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node result: %w", err)
		}
		n.Duration = time.Duration(durationMS) * time.Millisecond
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node results: %w", err)
	}

	return nodes, nil
}

// DeleteRun deletes a run and, by cascade, its node results.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRuns deletes runs that started before the cutoff.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// Summarize aggregates recorded runs per graph.
func (s *SQLiteStore) Summarize(ctx context.Context) ([]GraphSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT graph_id, COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		FROM runs
		GROUP BY graph_id
		ORDER BY graph_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize runs: %w", err)
	}
	defer rows.Close()

	summaries := []GraphSummary{}
	for rows.Next() {
		var sum GraphSummary
		var avgMS float64
		if err := rows.Scan(&sum.GraphID, &sum.Total, &sum.Succeeded, &avgMS); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		sum.Failed = sum.Total - sum.Succeeded
		sum.AverageDuration = time.Duration(avgMS * float64(time.Millisecond))
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}
	rows.Close()

	// Timestamps are read through the typed column rather than MAX(), which
	// drops the column type.
	for i := range summaries {
		runs, err := s.ListRuns(ctx, RunFilter{GraphID: summaries[i].GraphID, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			summaries[i].LastRunAt = runs[0].StartedAt
		}
	}

	return summaries, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, source, run_id, graph_id, node_id, trigger_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.Type,
		event.Source,
		event.RunID,
		event.GraphID,
		event.NodeID,
		event.TriggerID,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters, newest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source, run_id, graph_id, node_id, trigger_id, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id DESC
		LIMIT ?
	`,
		filter.RunID, filter.RunID,
		filter.Type, filter.Type,
		filter.Level, filter.Level,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Source,
			&event.RunID,
			&event.GraphID,
			&event.NodeID,
			&event.TriggerID,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSink returns a subscriber that persists published events.
// Failures are logged and do not reach the publisher.
func (s *SQLiteStore) EventSink(ctx context.Context) telemetry.EventSubscriber {
	ctx = context.WithoutCancel(ctx)
	return func(ev telemetry.Event) {
		event := &Event{
			Type:      ev.Type,
			Source:    ev.Source,
			RunID:     optional(ev.RunID),
			GraphID:   optional(ev.GraphID),
			NodeID:    optional(ev.NodeID),
			TriggerID: optional(ev.TriggerID),
			Level:     ev.Level,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		}
		if len(ev.Data) > 0 {
			if data, err := json.Marshal(ev.Data); err == nil {
				details := string(data)
				event.Details = &details
			}
		}
		if err := s.AppendEvent(ctx, event); err != nil {
			s.logger.WithError(err).WithField("event_type", ev.Type).Warn("failed to persist event")
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
