package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	messages  map[string][]storedMessage
	events    map[string][]Event
	eventSeq  int64
	memorySeq int64
}

type storedMessage struct {
	msg models.Message
	ts  int64
	seq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]storedMessage),
		events:   make(map[string][]Event),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateSession(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.ID == "" {
		session.ID = models.NewSessionID()
	}
	if session.StartTime == 0 {
		session.StartTime = time.Now().UnixMilli()
	}
	if session.Status == "" {
		session.Status = SessionActive
	}
	cloned := *session
	s.sessions[session.ID] = &cloned
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cloned := *session
	return &cloned, nil
}

func (s *MemoryStore) EndSession(ctx context.Context, id string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.EndTime = time.Now().UnixMilli()
	session.Status = status
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := msg.Time.UnixMilli()
	if msg.Time.IsZero() {
		ts = time.Now().UnixMilli()
	}
	s.eventSeq++
	s.messages[sessionID] = append(s.messages[sessionID], storedMessage{
		msg: *msg.Clone(),
		ts:  ts,
		seq: s.eventSeq,
	})
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	stored := make([]storedMessage, len(s.messages[sessionID]))
	copy(stored, s.messages[sessionID])
	s.mu.RUnlock()

	sort.SliceStable(stored, func(i, j int) bool {
		if stored[i].ts != stored[j].ts {
			return stored[i].ts < stored[j].ts
		}
		return stored[i].seq < stored[j].seq
	})
	if limit > 0 && len(stored) > limit {
		stored = stored[:limit]
	}
	out := make([]models.Message, len(stored))
	for i, sm := range stored {
		out[i] = *sm.msg.Clone()
	}
	return out, nil
}

func (s *MemoryStore) SaveEvent(ctx context.Context, sessionID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	s.events[sessionID] = append(s.events[sessionID], Event{
		ID:        s.eventSeq,
		SessionID: sessionID,
		EventType: eventType,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, sessionID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events[sessionID]))
	copy(out, s.events[sessionID])
	return out, nil
}

func (s *MemoryStore) NextMemoryID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memorySeq++
	return s.memorySeq, nil
}

func (s *MemoryStore) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	cutoffMs := cutoff.UnixMilli()
	for id, session := range s.sessions {
		if session.EndTime != 0 && session.EndTime < cutoffMs {
			delete(s.sessions, id)
			delete(s.messages, id)
			delete(s.events, id)
			removed++
		}
	}
	return removed, nil
}
