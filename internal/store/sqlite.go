package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    priority       TEXT NOT NULL,
    status         TEXT NOT NULL,
    max_retries    INTEGER NOT NULL,
    base_delay_ns  INTEGER NOT NULL,
    backoff_cap_ns INTEGER NOT NULL,
    attempts       INTEGER NOT NULL,
    result         BLOB,
    error          TEXT,
    payload_type   TEXT,
    payload_input  BLOB,
    created_at     DATETIME NOT NULL,
    scheduled_at   DATETIME,
    started_at     DATETIME,
    finished_at    DATETIME
)`

// Compile-time interface satisfaction check.
var _ SnapshotStore = (*SQLiteStore)(nil)

// SQLiteStore implements SnapshotStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTasks replaces the persisted snapshot with the given records inside a
// single transaction.
func (s *SQLiteStore) SaveTasks(ctx context.Context, records []TaskRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	for _, rec := range records {
		t := rec.Task

		var result []byte
		if t.Result != nil {
			result, err = json.Marshal(t.Result)
			if err != nil {
				return fmt.Errorf("encode result for task %s: %w", t.ID, err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (
				id, name, priority, status, max_retries, base_delay_ns,
				backoff_cap_ns, attempts, result, error, payload_type,
				payload_input, created_at, scheduled_at, started_at, finished_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Priority, t.Status, t.MaxRetries, int64(t.BaseDelay),
			int64(t.BackoffCap), t.Attempts, result, t.Error, rec.PayloadType,
			[]byte(rec.PayloadInput), t.CreatedAt, t.ScheduledAt, t.StartedAt, t.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadTasks returns all records from the persisted snapshot, ordered by id.
func (s *SQLiteStore) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, priority, status, max_retries, base_delay_ns,
			backoff_cap_ns, attempts, result, error, payload_type,
			payload_input, created_at, scheduled_at, started_at, finished_at
		FROM tasks ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var (
			rec          TaskRecord
			baseDelayNS  int64
			backoffCapNS int64
			result       []byte
			input        []byte
		)
		if err := rows.Scan(
			&rec.Task.ID, &rec.Task.Name, &rec.Task.Priority, &rec.Task.Status,
			&rec.Task.MaxRetries, &baseDelayNS, &backoffCapNS, &rec.Task.Attempts,
			&result, &rec.Task.Error, &rec.PayloadType, &input,
			&rec.Task.CreatedAt, &rec.Task.ScheduledAt, &rec.Task.StartedAt, &rec.Task.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		rec.Task.BaseDelay = time.Duration(baseDelayNS)
		rec.Task.BackoffCap = time.Duration(backoffCapNS)
		rec.PayloadInput = json.RawMessage(input)

		if len(result) > 0 {
			var v any
			if err := json.Unmarshal(result, &v); err != nil {
				return nil, fmt.Errorf("decode result for task %s: %w", rec.Task.ID, err)
			}
			rec.Task.Result = v
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return records, nil
}
