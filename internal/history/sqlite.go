package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	req_id      TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	stream      INTEGER NOT NULL DEFAULT 0,
	state       TEXT NOT NULL,
	attempts    TEXT NOT NULL DEFAULT '[]',
	error       TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_finished ON requests(finished_at);
`

const (
	insertRecord = `INSERT INTO requests (req_id, model, stream, state, attempts, error, enqueued_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	selectRecent = `SELECT req_id, model, stream, state, attempts, error, enqueued_at, finished_at
FROM requests ORDER BY id DESC LIMIT ?`
	pruneRecords = `DELETE FROM requests WHERE id <= (SELECT id FROM requests ORDER BY id DESC LIMIT 1 OFFSET ?)`
)

// SQLite stores records in a database file. Only the newest capacity rows
// are kept.
type SQLite struct {
	db       *sql.DB
	capacity int
	logger   *slog.Logger
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string, capacity int) (*SQLite, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize history db: %w", err)
		}
	}

	s := &SQLite{db: db, capacity: capacity, logger: slog.Default().With("component", "history.sqlite")}
	s.logger.Info("history.sqlite.opened", "path", path, "capacity", capacity)
	return s, nil
}

// Add implements Store.
func (s *SQLite) Add(ctx context.Context, r Record) error {
	attempts, err := json.Marshal(r.Attempts)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	stream := 0
	if r.Stream {
		stream = 1
	}
	if _, err := s.db.ExecContext(ctx, insertRecord,
		r.ReqID, r.Model, stream, r.State, string(attempts), r.Error,
		r.EnqueuedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, pruneRecords, s.capacity); err != nil {
		s.logger.Warn("history.sqlite.prune_failed", "error", err)
	}
	return nil
}

// Recent implements Store.
func (s *SQLite) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 || n > s.capacity {
		n = s.capacity
	}
	rows, err := s.db.QueryContext(ctx, selectRecent, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			stream             int
			attempts           string
			enqueued, finished int64
		)
		if err := rows.Scan(&r.ReqID, &r.Model, &stream, &r.State, &attempts, &r.Error, &enqueued, &finished); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.Stream = stream == 1
		if err := json.Unmarshal([]byte(attempts), &r.Attempts); err != nil {
			return nil, fmt.Errorf("decode attempts for %s: %w", r.ReqID, err)
		}
		r.EnqueuedAt = time.UnixMilli(enqueued)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }
