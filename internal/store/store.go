// Package store persists sessions, their message streams, and event
// metadata. Messages are stored as opaque JSON so a session can be
// replayed exactly as it was observed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionStatus is the lifecycle state of a stored session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
	SessionError  SessionStatus = "error"
)

// Session is one persisted conversation session.
type Session struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	StartTime      int64          `json:"start_time"`
	EndTime        int64          `json:"end_time,omitempty"`
	Status         SessionStatus  `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Event is optional session metadata; events can be reconstructed from
// messages and exist for cheap querying.
type Event struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	EventType string `json:"event_type"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the persistence interface. All timestamps are Unix
// milliseconds.
type Store interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	EndSession(ctx context.Context, id string, status SessionStatus) error

	// SaveMessage appends one message to the session stream.
	SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// ListMessages returns the session's messages in timestamp order.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)

	SaveEvent(ctx context.Context, sessionID, eventType string) error
	ListEvents(ctx context.Context, sessionID string) ([]Event, error)

	// NextMemoryID returns the next value of the monotonic id sequence.
	NextMemoryID(ctx context.Context) (int64, error)

	// DeleteSessionsEndedBefore removes ended sessions (and their
	// messages and events) older than the cutoff. Returns the number of
	// sessions removed.
	DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
