package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rollbook/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty database
// 1 - cached_tables and pending_queue
const currentSchemaVersion = 1

// SQLiteStore is the durable Backend. Uses SQLite in WAL mode.
type SQLiteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

var _ Backend = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode, since an acknowledged enqueue must survive power loss
//   - 5-second busy timeout for lock contention
//
// Safe to call repeatedly on the same path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection. Calling it twice is harmless.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// ReadTable implements Backend.
func (s *SQLiteStore) ReadTable(ctx context.Context, name string) (ir.Table, error) {
	db, err := s.conn()
	if err != nil {
		return nil, &Error{Op: "read_table", Key: name, Err: err}
	}

	var data string
	err = db.QueryRowContext(ctx, `SELECT rows FROM cached_tables WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Table{}, nil
	}
	if err != nil {
		return nil, &Error{Op: "read_table", Key: name, Err: err}
	}

	rows, err := decodeTable(data)
	if err != nil {
		return nil, &Error{Op: "read_table", Key: name, Err: err}
	}
	return rows, nil
}

// WriteTable implements Backend with a single UPSERT.
func (s *SQLiteStore) WriteTable(ctx context.Context, name string, rows ir.Table) error {
	db, err := s.conn()
	if err != nil {
		return &Error{Op: "write_table", Key: name, Err: err}
	}

	data, err := encodeTable(rows)
	if err != nil {
		return &Error{Op: "write_table", Key: name, Err: err}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO cached_tables (name, rows, row_count, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			rows = excluded.rows,
			row_count = excluded.row_count,
			written_at = excluded.written_at
	`, name, data, len(rows), s.now().UnixMilli())
	if err != nil {
		return &Error{Op: "write_table", Key: name, Err: err}
	}
	return nil
}

// ReadQueue implements Backend.
func (s *SQLiteStore) ReadQueue(ctx context.Context) ([]ir.PendingOperation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, &Error{Op: "read_queue", Key: QueueKey, Err: err}
	}

	var data string
	err = db.QueryRowContext(ctx, `SELECT ops FROM pending_queue WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []ir.PendingOperation{}, nil
	}
	if err != nil {
		return nil, &Error{Op: "read_queue", Key: QueueKey, Err: err}
	}

	ops, err := decodeQueue(data)
	if err != nil {
		return nil, &Error{Op: "read_queue", Key: QueueKey, Err: err}
	}
	return ops, nil
}

// WriteQueue implements Backend. The whole queue is one record, so a
// crash mid-write leaves either the old or the new queue, never a mix.
func (s *SQLiteStore) WriteQueue(ctx context.Context, ops []ir.PendingOperation) error {
	db, err := s.conn()
	if err != nil {
		return &Error{Op: "write_queue", Key: QueueKey, Err: err}
	}

	data, err := encodeQueue(ops)
	if err != nil {
		return &Error{Op: "write_queue", Key: QueueKey, Err: err}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO pending_queue (id, ops, op_count, written_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ops = excluded.ops,
			op_count = excluded.op_count,
			written_at = excluded.written_at
	`, data, len(ops), s.now().UnixMilli())
	if err != nil {
		return &Error{Op: "write_queue", Key: QueueKey, Err: err}
	}
	return nil
}

// TableNames implements Backend.
func (s *SQLiteStore) TableNames(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, &Error{Op: "table_names", Err: err}
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM cached_tables ORDER BY name COLLATE BINARY ASC`)
	if err != nil {
		return nil, &Error{Op: "table_names", Err: err}
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &Error{Op: "table_names", Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "table_names", Err: err}
	}
	return names, nil
}

// ClearAll implements Backend. Both deletes run in one transaction.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return &Error{Op: "clear_all", Err: err}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "clear_all", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_tables`); err != nil {
		return &Error{Op: "clear_all", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_queue`); err != nil {
		return &Error{Op: "clear_all", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Op: "clear_all", Err: err}
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental migrations based on user_version.
// A database written by a newer build is refused rather than guessed at.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	// Version 1 is the baseline created by schema.sql.

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
