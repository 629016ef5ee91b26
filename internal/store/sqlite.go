package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"sogara/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the primary queue backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the queue database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
            id TEXT PRIMARY KEY,
            action TEXT NOT NULL,
            payload TEXT,
            priority TEXT NOT NULL DEFAULT 'normal',
            status TEXT NOT NULL DEFAULT 'pending',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at INTEGER NOT NULL,
            last_attempt_at INTEGER
        )`,
		`CREATE TABLE IF NOT EXISTS app_counters (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL DEFAULT 0
        )`,

		`CREATE INDEX IF NOT EXISTS idx_offline_queue_created_at ON offline_queue(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_queue_action ON offline_queue(action)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_queue_status ON offline_queue(status)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

const entryColumns = `id, action, payload, priority, status, attempts, last_error, created_at, last_attempt_at`

func scanEntry(scan func(dest ...any) error) (models.QueueEntry, error) {
	var e models.QueueEntry
	var payload sql.NullString
	var lastError sql.NullString
	var lastAttemptAt sql.NullInt64

	err := scan(&e.ID, &e.Action, &payload, &e.Priority, &e.Status, &e.Attempts, &lastError, &e.CreatedAt, &lastAttemptAt)
	if err != nil {
		return e, err
	}

	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if lastAttemptAt.Valid {
		e.LastAttemptAt = &lastAttemptAt.Int64
	}
	return e, nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM offline_queue`)
	if err != nil {
		return nil, fmt.Errorf("failed to read offline queue: %w", err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WriteAll replaces the persisted set in a single transaction.
func (s *SQLiteStore) WriteAll(ctx context.Context, entries []models.QueueEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue rewrite: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue`); err != nil {
		return fmt.Errorf("failed to clear offline queue: %w", err)
	}

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, ex execer, e models.QueueEntry) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO offline_queue (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, nullString(string(e.Payload)), e.Priority, e.Status, e.Attempts,
		nullStringPtr(e.LastError), e.CreatedAt, nullInt64Ptr(e.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write queue entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM offline_queue WHERE id = ?`, id)
	e, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %s: %w", id, err)
	}
	return &e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry models.QueueEntry) error {
	return insertEntry(ctx, s.db, entry)
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", id, err)
	}
	return nil
}

// RemoveOlderThan deletes entries created before cutoff (ms since epoch)
// and returns the number removed. Uses the created_at index.
func (s *SQLiteStore) RemoveOlderThan(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// IncrCounter bumps a named counter in the small side record the UI keeps
// next to the queue (install/visit counts) and returns the new value.
func (s *SQLiteStore) IncrCounter(ctx context.Context, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_counters (name, value) VALUES (?, 1)
         ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return s.GetCounter(ctx, name)
}

// GetCounter reads a named counter, zero when it has never been written.
func (s *SQLiteStore) GetCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_counters WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return value, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
