package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/conductor/pkg/models"
)

// SQLiteConfig holds SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" for an in-process DB.
	Path string

	// MaxOpenConns bounds concurrent connections. Default: 1 writer +
	// readers is fine for WAL; we default to 4.
	MaxOpenConns int

	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default configuration.
func DefaultSQLiteConfig(path string) *SQLiteConfig {
	return &SQLiteConfig{
		Path:         path,
		MaxOpenConns: 4,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	status TEXT NOT NULL,
	metadata_json TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	message_json TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	message_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

CREATE TABLE IF NOT EXISTS memory_id_sequence (
	id INTEGER PRIMARY KEY AUTOINCREMENT
);
`

// NewSQLiteStore opens (and if needed creates) the database, enables WAL
// and foreign keys, and applies the schema.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", config.BusyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = models.NewSessionID()
	}
	if session.StartTime == 0 {
		session.StartTime = time.Now().UnixMilli()
	}
	if session.Status == "" {
		session.Status = SessionActive
	}

	var metadata any
	if session.Metadata != nil {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, start_time, end_time, status, metadata_json)
		 VALUES (?, ?, ?, NULL, ?, ?)`,
		session.ID, nullable(session.ConversationID), session.StartTime, string(session.Status), metadata)
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, start_time, end_time, status, metadata_json
		 FROM sessions WHERE id = ?`, id)

	var (
		session      Session
		conversation sql.NullString
		endTime      sql.NullInt64
		metadata     sql.NullString
		status       string
	)
	err := row.Scan(&session.ID, &conversation, &session.StartTime, &endTime, &status, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session: %w", err)
	}

	session.ConversationID = conversation.String
	session.EndTime = endTime.Int64
	session.Status = SessionStatus(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
		}
	}
	return &session, nil
}

func (s *SQLiteStore) EndSession(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, status = ? WHERE id = ?`,
		time.Now().UnixMilli(), string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sqlite: marshal message: %w", err)
	}
	ts := msg.Time.UnixMilli()
	if msg.Time.IsZero() {
		ts = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, message_json, timestamp, message_type)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, string(body), ts, string(msg.Kind))
	if err != nil {
		return fmt.Errorf("sqlite: save message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `SELECT message_json FROM messages WHERE session_id = ? ORDER BY timestamp ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("sqlite: decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, sessionID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, timestamp) VALUES (?, ?, ?)`,
		sessionID, eventType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: save event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, timestamp FROM events
		 WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) NextMemoryID(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO memory_id_sequence DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next memory id: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: next memory id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE end_time IS NOT NULL AND end_time < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: retention delete: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
