package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/conductor/pkg/models"
)

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns the default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "conductor",
		Database:        "conductor",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	start_time BIGINT NOT NULL,
	end_time BIGINT,
	status TEXT NOT NULL,
	metadata_json TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	message_json TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	message_type TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages(session_id, timestamp);

CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

CREATE SEQUENCE IF NOT EXISTS memory_id_sequence;
`

// NewPostgresStore connects, verifies the connection, and applies the
// schema.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewPostgresStoreFromDSN(dsn, config)
}

// NewPostgresStoreFromDSN connects using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateSession(ctx context.Context, session *Session) error {
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
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, conversation_id, start_time, end_time, status, metadata_json)
		 VALUES ($1, $2, $3, NULL, $4, $5)`,
		session.ID, nullable(session.ConversationID), session.StartTime, string(session.Status), metadata)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, start_time, end_time, status, metadata_json
		 FROM sessions WHERE id = $1`, id)

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
		return nil, fmt.Errorf("postgres: get session: %w", err)
	}

	session.ConversationID = conversation.String
	session.EndTime = endTime.Int64
	session.Status = SessionStatus(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: decode metadata: %w", err)
		}
	}
	return &session, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = $1, status = $2 WHERE id = $3`,
		time.Now().UnixMilli(), string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("postgres: marshal message: %w", err)
	}
	ts := msg.Time.UnixMilli()
	if msg.Time.IsZero() {
		ts = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, message_json, timestamp, message_type)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), sessionID, string(body), ts, string(msg.Kind))
	if err != nil {
		return fmt.Errorf("postgres: save message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	query := `SELECT message_json FROM messages WHERE session_id = $1 ORDER BY timestamp ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("postgres: decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveEvent(ctx context.Context, sessionID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, timestamp) VALUES ($1, $2, $3)`,
		sessionID, eventType, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: save event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, timestamp FROM events
		 WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventType, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NextMemoryID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT nextval('memory_id_sequence')`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: next memory id: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE end_time IS NOT NULL AND end_time < $1`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: retention delete: %w", err)
	}
	return res.RowsAffected()
}
