package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/statedoc"
)

// SQLiteSink persists dead-letter records in an embedded SQLite database.
// Use ":memory:" for tests or a file path for durable storage.
type SQLiteSink struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteSink opens the database and creates the schema when missing.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL,
		last_error_kind TEXT NOT NULL,
		last_error TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_path ON dead_letters(path);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append inserts one record; autoincrement ids preserve write order.
func (s *SQLiteSink) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO dead_letters (path, payload, attempts, last_error_kind, last_error, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		rec.Path.String(), payload, rec.Attempts, rec.LastErrorKind, rec.LastError, rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns every record in write order.
func (s *SQLiteSink) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT path, payload, attempts, last_error_kind, last_error, timestamp FROM dead_letters ORDER BY id",
	)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			path    string
			payload []byte
			tsNano  int64
		)
		if err := rows.Scan(&path, &payload, &rec.Attempts, &rec.LastErrorKind, &rec.LastError, &tsNano); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		rec.Path = statedoc.Path(path)
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		rec.PayloadDigest = rec.Payload.Digest()
		rec.Timestamp = timeFromNano(tsNano)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database handle.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
