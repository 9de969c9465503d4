package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// SQLiteStore is a Store backed by SQLite. With the default ":memory:" path
// nothing outlives the process.
type SQLiteStore struct {
	db          *sql.DB
	maxMessages int
	ttl         time.Duration
	log         *slog.Logger
	clock       func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, maxMessages int, ttl time.Duration, log *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = memoryPath
	}
	dsn := memoryPath + "?_pragma=foreign_keys(1)"
	if path != memoryPath {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, maxMessages: maxMessages, ttl: ttl, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    last_activity INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs ...Message) (err error) {
	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, last_activity) VALUES(?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_activity=excluded.last_activity`,
		sessionID, now.UnixNano()); err != nil {
		return err
	}
	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO messages(session_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
			sessionID, m.Role, m.Content, ts.UnixNano()); err != nil {
			return err
		}
	}
	if s.maxMessages > 0 {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
			)`, sessionID, sessionID, s.maxMessages); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return s.Prune(ctx)
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Message, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT last_activity FROM sessions WHERE session_id = ?`, sessionID).Scan(&last)
	if err == sql.ErrNoRows {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 && s.clock().Sub(time.Unix(0, last)) > s.ttl {
		return []Message{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, created).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Prune removes sessions idle longer than the TTL.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-s.ttl).UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT session_id FROM sessions WHERE last_activity < ?)`, cutoff); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	return err
}
