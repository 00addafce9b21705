// Package store implements the partitioned item collections: the
// hash-partitioned active store, the range-partitioned archive store, and
// the hash-partitioned AI-interaction log. Physical partitions are separate
// tables inside one SQLite database; the routing and pruning contracts are
// what matter, not the DDL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the partitioned database with a single-writer connection and a
// pool of readers, the arrangement SQLite WAL mode works best with.
type DB struct {
	write  *sql.DB // single writer
	read   *sql.DB // concurrent readers
	dbPath string
	mu     sync.Mutex // serializes writers
}

// Open opens (or creates) the partitioned database at dbPath.
func Open(dbPath string) (*DB, error) {
	write, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)

	read, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("store: failed to open read connection: %w", err)
	}
	read.SetMaxOpenConns(4)
	read.SetMaxIdleConns(4)
	read.SetConnMaxLifetime(5 * time.Minute)

	return &DB{write: write, read: read, dbPath: dbPath}, nil
}

// InitSchema creates the bookkeeping tables shared by every store: the
// archive registry, migration progress, maintenance run history and
// partition statistics. Partition tables themselves are created by the
// individual stores' Init.
func (d *DB) InitSchema(ctx context.Context) error {
	for _, stmt := range FixedSchemaSQL() {
		if _, err := d.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// Close closes both connections.
func (d *DB) Close() error {
	rerr := d.read.Close()
	werr := d.write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.dbPath
}

// Exec runs a write statement under the writer lock.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write.ExecContext(ctx, query, args...)
}

// WithTx runs fn inside a write transaction, committing on nil and rolling
// back on error.
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Query runs a read query on the reader pool.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.read.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row read query on the reader pool.
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.read.QueryRowContext(ctx, query, args...)
}

// TableExists reports whether a table of the given name exists.
func (d *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := d.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: table lookup: %w", err)
	}
	return n > 0, nil
}

// SizeBytes returns the database file size as reported by the pager
// (page_count * page_size).
func (d *DB) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := d.read.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("store: page count: %w", err)
	}
	if err := d.read.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("store: page size: %w", err)
	}
	return pageCount * pageSize, nil
}

// BumpDeadRows adds n to a partition's dead-row counter in partition_stats.
// Best effort: statistics are advisory and refreshed by maintenance anyway.
func (d *DB) BumpDeadRows(ctx context.Context, store, partition string, n int64) {
	if n <= 0 {
		return
	}
	now := time.Now().UTC().UnixNano()
	d.Exec(ctx, `
		INSERT INTO partition_stats (partition_name, store, dead_rows, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(partition_name) DO UPDATE SET
			dead_rows = dead_rows + excluded.dead_rows,
			updated_at = excluded.updated_at`,
		partition, store, n, now)
}

// Vacuum reclaims dead space in the whole database file. SQLite has no
// per-table vacuum, so this is invoked by the weekly job only.
func (d *DB) Vacuum(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.write.ExecContext(ctx, "VACUUM")
	return err
}

// Analyze refreshes the query planner statistics for one table.
func (d *DB) Analyze(ctx context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.write.ExecContext(ctx, "ANALYZE "+table)
	return err
}
