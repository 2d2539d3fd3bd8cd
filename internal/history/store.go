// Package history persists terminal task outcomes in a bounded SQLite log.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is the number of entries kept when no cap is supplied.
const DefaultRetention = 200

// Entry is one terminal task outcome.
type Entry struct {
	Seq         int64     `json:"seq"`
	TaskID      string    `json:"task_id"`
	URL         string    `json:"url"`
	Status      string    `json:"status"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Message     string    `json:"message"`
	FormatMode  string    `json:"format_mode"`
	Quality     string    `json:"quality"`
	Progress    float64   `json:"progress"`
	FilePath    string    `json:"file_path,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	MediaType   string    `json:"media_type,omitempty"`
	Tags        []string  `json:"tags"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store is a single-writer history log. Appends trim the log to the retention
// cap, oldest first. The mutex serializes writers; SQLite handles readers.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	retention int
}

const schema = `
CREATE TABLE IF NOT EXISTS history (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	url         TEXT NOT NULL,
	status      TEXT NOT NULL,
	failure_kind TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	format_mode TEXT NOT NULL DEFAULT '',
	quality     TEXT NOT NULL DEFAULT '',
	progress    REAL NOT NULL DEFAULT 0,
	file_path   TEXT NOT NULL DEFAULT '',
	file_size   INTEGER NOT NULL DEFAULT 0,
	media_type  TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	priority    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_status_finished ON history(status, finished_at);
`

// Open opens or creates the history database at path and applies the schema.
// retention <= 0 uses DefaultRetention.
func Open(path string, retention int) (*Store, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	// Single connection keeps writer serialization simple under WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &Store{db: db, retention: retention}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one terminal outcome and trims the log to the retention cap.
func (s *Store) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin history append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO history
		(task_id, url, status, failure_kind, message, format_mode, quality, progress, file_path, file_size, media_type, tags, priority, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.URL, e.Status, e.FailureKind, e.Message,
		e.FormatMode, e.Quality, e.Progress,
		e.FilePath, e.FileSize, e.MediaType, string(tags), e.Priority,
		e.CreatedAt.UnixNano(), e.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}

	_, err = tx.Exec(`DELETE FROM history WHERE seq NOT IN
		(SELECT seq FROM history ORDER BY seq DESC LIMIT ?)`, s.retention)
	if err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return tx.Commit()
}

// List returns up to limit entries, newest first. limit <= 0 returns all
// retained entries.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = s.retention
	}

	rows, err := s.db.Query(`SELECT seq, task_id, url, status, failure_kind, message,
		format_mode, quality, progress, file_path, file_size, media_type, tags, priority, created_at, finished_at
		FROM history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var tags string
		var created, finished int64
		if err := rows.Scan(&e.Seq, &e.TaskID, &e.URL, &e.Status, &e.FailureKind, &e.Message,
			&e.FormatMode, &e.Quality, &e.Progress,
			&e.FilePath, &e.FileSize, &e.MediaType, &tags, &e.Priority, &created, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			e.Tags = nil
		}
		e.CreatedAt = time.Unix(0, created)
		e.FinishedAt = time.Unix(0, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByStatusSince counts entries per status finished at or after since.
func (s *Store) CountByStatusSince(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM history
		WHERE finished_at >= ? GROUP BY status`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan history count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Len reports the number of retained entries.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history entries: %w", err)
	}
	return n, nil
}

// Prune removes entries that finished before the cutoff age and returns how
// many were deleted.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.Exec(`DELETE FROM history WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
