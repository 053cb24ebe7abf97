package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/qbsync/qbsync/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
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
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun persists a finished run and its block results atomically.
// A run that fails to record is lost, not retried; callers log and move
// on.
func (s *SQLiteStore) RecordRun(ctx context.Context, summary *engine.RunSummary) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delivered, notFound, failed := summary.Counts()
	runQuery := `
		INSERT INTO runs (id, status, prog_id, started_at, finished_at, delivered, not_found, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, runQuery,
		summary.RunID,
		string(summary.Status),
		summary.ProgID,
		summary.Started.UTC(),
		summary.Finished.UTC(),
		delivered,
		notFound,
		failed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	resultQuery := `
		INSERT INTO block_results (run_id, account, spreadsheet_id, sheet_name, cell, outcome, amount, synthetic, retrieved_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, r := range summary.Results {
		var (
			amount      *string
			synthetic   bool
			retrievedAt *time.Time
		)
		if r.Balance != nil {
			text := r.Balance.Amount.String()
			amount = &text
			synthetic = r.Balance.Synthetic
			at := r.Balance.RetrievedAt.UTC()
			retrievedAt = &at
		}

		_, err = tx.ExecContext(ctx, resultQuery,
			summary.RunID,
			r.Block.Account,
			r.Block.SpreadsheetID,
			r.Block.SheetName,
			r.Block.Cell,
			string(r.Outcome),
			amount,
			synthetic,
			retrievedAt,
			r.Detail(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert block result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*StoredRun, error) {
	query := `
		SELECT id, status, prog_id, started_at, finished_at, delivered, not_found, failed
		FROM runs
		WHERE id = ?
	`

	run := &StoredRun{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Status,
		&run.ProgID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Delivered,
		&run.NotFound,
		&run.Failed,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// GetRecentRuns lists the most recent runs, newest first.
func (s *SQLiteStore) GetRecentRuns(ctx context.Context, limit int) ([]*StoredRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, status, prog_id, started_at, finished_at, delivered, not_found, failed
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*StoredRun{}
	for rows.Next() {
		run := &StoredRun{}
		err := rows.Scan(
			&run.ID,
			&run.Status,
			&run.ProgID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Delivered,
			&run.NotFound,
			&run.Failed,
		)
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

// GetRunResults lists all block results for a run, in block order.
func (s *SQLiteStore) GetRunResults(ctx context.Context, runID string) ([]*StoredResult, error) {
	query := `
		SELECT id, run_id, account, spreadsheet_id, sheet_name, cell, outcome, amount, synthetic, retrieved_at, detail
		FROM block_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list block results: %w", err)
	}
	defer rows.Close()

	results := []*StoredResult{}
	for rows.Next() {
		result := &StoredResult{}
		err := rows.Scan(
			&result.ID,
			&result.RunID,
			&result.Account,
			&result.SpreadsheetID,
			&result.SheetName,
			&result.Cell,
			&result.Outcome,
			&result.Amount,
			&result.Synthetic,
			&result.RetrievedAt,
			&result.Detail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block result: %w", err)
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block results: %w", err)
	}

	return results, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
