package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if s.path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection and enables WAL mode for files.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, host, topic, test, status, started_at, completed_at, duration_ms, summary, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Summary == "" {
		run.Summary = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Host,
		run.Topic,
		run.Test,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Duration.Milliseconds(),
		run.Summary,
		run.Error,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, host, topic, test, status, started_at, completed_at, duration_ms, summary, error, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var durationMS int64
	err := row.Scan(
		&run.ID,
		&run.Host,
		&run.Topic,
		&run.Test,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.Summary,
		&run.Error,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun records the final status, timing and summary of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_ms = ?, summary = ?, error = ?
		WHERE id = ?
	`

	completedAt := run.CompletedAt
	if completedAt == nil {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query,
		run.Status, completedAt, run.Duration.Milliseconds(), run.Summary, run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs, newest first. Empty host or topic match any.
func (s *SQLiteStore) ListRuns(ctx context.Context, host, topic string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if host != "" {
		query += " AND host = ?"
		args = append(args, host)
	}
	if topic != "" {
		query += " AND topic = ?"
		args = append(args, topic)
	}

	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// DeleteRun deletes a run with its results and snapshots.
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

// SaveStateResults stores the results of a run in one transaction.
func (s *SQLiteStore) SaveStateResults(ctx context.Context, results []*StateResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO state_results (
			run_id, seq, state_id, function, name, result, comment, changes,
			started_at, duration_ms, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, res := range results {
		changes := res.Changes
		if changes == "" {
			changes = "{}"
		}
		_, err := stmt.ExecContext(ctx,
			res.RunID,
			res.Seq,
			res.StateID,
			res.Function,
			res.Name,
			res.Result,
			res.Comment,
			changes,
			res.StartedAt,
			res.Duration.Milliseconds(),
			res.Attempts,
		)
		if err != nil {
			return fmt.Errorf("failed to save result of %s: %w", res.StateID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// ListStateResults returns the results of a run in execution order.
func (s *SQLiteStore) ListStateResults(ctx context.Context, runID string) ([]*StateResult, error) {
	query := `
		SELECT run_id, seq, state_id, function, name, result, comment, changes,
			started_at, duration_ms, attempts
		FROM state_results
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state results: %w", err)
	}
	defer rows.Close()

	results := []*StateResult{}
	for rows.Next() {
		res := &StateResult{}
		var result sql.NullBool
		var durationMS int64
		err := rows.Scan(
			&res.RunID,
			&res.Seq,
			&res.StateID,
			&res.Function,
			&res.Name,
			&result,
			&res.Comment,
			&res.Changes,
			&res.StartedAt,
			&durationMS,
			&res.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state result: %w", err)
		}
		if result.Valid {
			b := result.Bool
			res.Result = &b
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state results: %w", err)
	}

	return results, nil
}

// SaveSnapshot stores a snapshot and sets its ID.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	query := `
		INSERT INTO snapshots (run_id, host, topic, kind, hash, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		snap.RunID, snap.Host, snap.Topic, string(snap.Kind), snap.Hash, snap.Data, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot ID: %w", err)
	}
	snap.ID = id
	return nil
}

const snapshotColumns = `id, run_id, host, topic, kind, hash, data, created_at`

func scanSnapshot(row scanner) (*Snapshot, error) {
	snap := &Snapshot{}
	err := row.Scan(
		&snap.ID,
		&snap.RunID,
		&snap.Host,
		&snap.Topic,
		&snap.Kind,
		&snap.Hash,
		&snap.Data,
		&snap.CreatedAt,
	)
	return snap, err
}

// GetSnapshot returns the snapshot of kind taken for a run.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, runID string, kind SnapshotKind) (*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE run_id = ? AND kind = ? ORDER BY id DESC LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, runID, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s snapshot of run %s: %w", kind, runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the newest snapshot of kind for a host and topic.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, host, topic string, kind SnapshotKind) (*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE host = ? AND topic = ? AND kind = ? ORDER BY id DESC LIMIT 1`

	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, host, topic, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s snapshot of %s/%s: %w", kind, host, topic, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, state_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID, event.StateID, event.Type, event.Level, event.Message, event.Data, event.Timestamp)
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

// GetEvents retrieves events in insertion order, optionally for one run.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, limit, offset int) ([]*Event, error) {
	query := `SELECT id, run_id, state_id, type, level, message, data, timestamp FROM events WHERE 1=1`
	var args []any

	if runID != nil {
		query += " AND run_id = ?"
		args = append(args, *runID)
	}

	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.StateID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Data,
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

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}
