package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/resource-logger/resource-logger/internal/config"
	"github.com/resource-logger/resource-logger/internal/model"
	"github.com/resource-logger/resource-logger/internal/schema"
)

// Relational inserts one row per tick into the metrics table.
type Relational struct {
	db        *sql.DB
	dialect   schema.Dialect
	insertSQL string
	logger    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// DataSource returns the driver name and connection string for cfg. Relative
// sqlite paths are resolved against outputDir.
func DataSource(cfg *config.DatabaseConfig, outputDir string) (driver, dsn string) {
	if cfg.Driver == string(schema.Postgres) {
		return "postgres", cfg.DSN()
	}
	path := cfg.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(outputDir, path)
	}
	return "sqlite3", path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// OpenRelational connects to the configured database and initializes the schema.
func OpenRelational(ctx context.Context, cfg *config.DatabaseConfig, outputDir string, logger *zap.Logger) (*Relational, error) {
	driver, dsn := DataSource(cfg, outputDir)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}

	// Configure connection pool
	if driver == "sqlite3" {
		// one writer at a time; sqlite serializes writes anyway
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	r := NewRelational(db, schema.Dialect(driver), logger)
	if err := r.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewRelational wraps an open database. Call Init before the first Write.
func NewRelational(db *sql.DB, dialect schema.Dialect, logger *zap.Logger) *Relational {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relational{
		db:        db,
		dialect:   dialect,
		insertSQL: schema.InsertSQL(dialect),
		logger:    logger,
	}
}

// Init creates the metrics and version tables when absent and verifies the
// stored schema version. Safe to call on every start.
func (r *Relational) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema.CreateTableSQL(r.dialect)); err != nil && !isDuplicateTableError(err) {
		return fmt.Errorf("creating %s table: %w", schema.TableName, err)
	}
	if _, err := r.db.ExecContext(ctx, schema.CreateVersionTableSQL()); err != nil && !isDuplicateTableError(err) {
		return fmt.Errorf("creating %s table: %w", schema.VersionTableName, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx, "SELECT version FROM "+schema.VersionTableName+" LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insert := fmt.Sprintf("INSERT INTO %s (version) VALUES (%s)", schema.VersionTableName, schema.Placeholder(r.dialect, 1))
		if _, err := tx.ExecContext(ctx, insert, schema.Version); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		r.logger.Info("database schema initialized", zap.Int("version", schema.Version))
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	case version != schema.Version:
		return fmt.Errorf("%w: database has version %d, want %d", ErrSchemaMismatch, version, schema.Version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema transaction: %w", err)
	}
	return nil
}

// Name returns the sink name.
func (r *Relational) Name() string {
	return "db"
}

// Write inserts the snapshot in its own transaction.
func (r *Relational) Write(ctx context.Context, snap *model.MetricSnapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, r.insertSQL, schema.Values(snap)...); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return fmt.Errorf("inserting metrics row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metrics row: %w", err)
	}
	return nil
}

// Ping tests the database connection.
func (r *Relational) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Reset drops the metrics and version tables.
func (r *Relational) Reset(ctx context.Context) error {
	for _, table := range []string{schema.TableName, schema.VersionTableName} {
		if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return nil
}

// ResetRelational connects to the configured database and drops the stored
// tables without re-creating them.
func ResetRelational(ctx context.Context, cfg *config.DatabaseConfig, outputDir string, logger *zap.Logger) error {
	driver, dsn := DataSource(cfg, outputDir)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("opening database connection: %w", err)
	}
	defer db.Close()

	return NewRelational(db, schema.Dialect(driver), logger).Reset(ctx)
}

// Close closes the database connection.
func (r *Relational) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.db.Close()
	})
	return r.closeErr
}

// isDuplicateTableError checks if the error is a concurrent CREATE TABLE race.
func isDuplicateTableError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 42P07 = duplicate_table
		return pqErr.Code == "42P07"
	}
	return false
}
