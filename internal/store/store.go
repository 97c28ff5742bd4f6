package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no task record has the requested id.
var ErrNotFound = errors.New("task record not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	archive_key TEXT NOT NULL DEFAULT '',
	file_count INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	confirmed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	purged_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks (expires_at) WHERE purged_at IS NULL;
`

// Record is the persisted view of a task.
type Record struct {
	ID         string       `db:"id"`
	FileName   string       `db:"file_name"`
	Status     string       `db:"status"`
	Reason     string       `db:"reason"`
	ArchiveKey string       `db:"archive_key"`
	FileCount  int          `db:"file_count"`
	TotalSize  int64        `db:"total_size"`
	Confirmed  bool         `db:"confirmed"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
	ExpiresAt  time.Time    `db:"expires_at"`
	PurgedAt   sql.NullTime `db:"purged_at"`
}

// Store keeps task records in sqlite.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new record.
func (s *Store) Create(ctx context.Context, r Record) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = now
	r.ExpiresAt = r.ExpiresAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, file_name, status, reason, archive_key, file_count, total_size, confirmed, created_at, updated_at, expires_at)
		VALUES (:id, :file_name, :status, :reason, :archive_key, :file_count, :total_size, :confirmed, :created_at, :updated_at, :expires_at)
	`, r)
	if err != nil {
		return fmt.Errorf("create task %s: %w", r.ID, err)
	}
	return nil
}

// UpdateStatus records a state change and its failure reason, if any.
func (s *Store) UpdateStatus(ctx context.Context, id, status, reason string) error {
	return s.update(ctx, id, `
		UPDATE tasks SET status = ?, reason = ?, updated_at = ? WHERE id = ?
	`, status, reason, time.Now().UTC(), id)
}

// SaveResult stores where the archive went and what it contains.
func (s *Store) SaveResult(ctx context.Context, id, archiveKey string, fileCount int, totalSize int64) error {
	return s.update(ctx, id, `
		UPDATE tasks SET archive_key = ?, file_count = ?, total_size = ?, updated_at = ? WHERE id = ?
	`, archiveKey, fileCount, totalSize, time.Now().UTC(), id)
}

// MarkConfirmed records the handoff confirmation.
func (s *Store) MarkConfirmed(ctx context.Context, id string) error {
	return s.update(ctx, id, `
		UPDATE tasks SET confirmed = 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
}

// MarkPurged records that the task's artifacts were deleted.
func (s *Store) MarkPurged(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, `
		UPDATE tasks SET purged_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC(), time.Now().UTC(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.db.GetContext(ctx, &r, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &r, nil
}

// List returns the records that still have artifacts, newest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, `
		SELECT * FROM tasks WHERE purged_at IS NULL ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return records, nil
}

// Expired returns unpurged records whose retention window ended at or
// before now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]Record, error) {
	var records []Record
	err := s.db.SelectContext(ctx, &records, `
		SELECT * FROM tasks WHERE purged_at IS NULL AND expires_at <= ? ORDER BY expires_at
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	return records, nil
}
