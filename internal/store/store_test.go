package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(DefaultSQLiteConfig(filepath.Join(t.TempDir(), "conductor.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			session := &Session{ConversationID: "conv-1", Metadata: map[string]any{"agent": "demo"}}
			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if session.ID == "" {
				t.Fatal("no id assigned")
			}

			got, err := s.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.Status != SessionActive || got.ConversationID != "conv-1" {
				t.Errorf("session = %+v", got)
			}
			if got.Metadata["agent"] != "demo" {
				t.Errorf("metadata = %v", got.Metadata)
			}

			if err := s.EndSession(ctx, session.ID, SessionEnded); err != nil {
				t.Fatalf("EndSession: %v", err)
			}
			got, _ = s.GetSession(ctx, session.ID)
			if got.Status != SessionEnded || got.EndTime == 0 {
				t.Errorf("ended session = %+v", got)
			}

			if _, err := s.GetSession(ctx, "missing"); err != ErrNotFound {
				t.Errorf("missing session err = %v", err)
			}
			if err := s.EndSession(ctx, "missing", SessionEnded); err != ErrNotFound {
				t.Errorf("end missing err = %v", err)
			}
		})
	}
}

func TestStore_MessageReplay(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := &Session{}
			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}

			base := time.Now()
			msgs := []models.Message{
				{Version: 1, Kind: models.KindText, Time: base, ThreadID: "t1", RunID: "r1",
					Text: &models.TextPayload{Role: models.RoleUser, Text: "hi"}},
				{Version: 1, Kind: models.KindToolCall, Time: base.Add(time.Millisecond), ThreadID: "t1", RunID: "r1",
					ToolCallID: "c1",
					ToolCall:   &models.ToolCallPayload{Name: "get_weather", Args: `{"city":"SF"}`, Target: models.TargetLocalFunction}},
				{Version: 1, Kind: models.KindRunCompleted, Time: base.Add(2 * time.Millisecond), ThreadID: "t1", RunID: "r1",
					RunCompleted: &models.RunCompletedPayload{CompletedRunID: "r1"}},
			}
			for i := range msgs {
				if err := s.SaveMessage(ctx, session.ID, &msgs[i]); err != nil {
					t.Fatalf("SaveMessage %d: %v", i, err)
				}
			}

			replay, err := s.ListMessages(ctx, session.ID, 0)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(replay) != 3 {
				t.Fatalf("replayed %d messages, want 3", len(replay))
			}
			if replay[0].Kind != models.KindText || replay[0].Text.Text != "hi" {
				t.Errorf("message 0 = %+v", replay[0])
			}
			if replay[1].ToolCall == nil || replay[1].ToolCall.Args != `{"city":"SF"}` {
				t.Errorf("message 1 = %+v", replay[1])
			}
			if replay[2].RunCompleted == nil || replay[2].RunCompleted.CompletedRunID != "r1" {
				t.Errorf("message 2 = %+v", replay[2])
			}

			limited, err := s.ListMessages(ctx, session.ID, 2)
			if err != nil {
				t.Fatalf("ListMessages limit: %v", err)
			}
			if len(limited) != 2 {
				t.Errorf("limited = %d, want 2", len(limited))
			}
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := &Session{}
			if err := s.CreateSession(ctx, session); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}

			for _, typ := range []string{"run.assigned", "run.completed"} {
				if err := s.SaveEvent(ctx, session.ID, typ); err != nil {
					t.Fatalf("SaveEvent: %v", err)
				}
			}
			events, err := s.ListEvents(ctx, session.ID)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(events) != 2 || events[0].EventType != "run.assigned" {
				t.Errorf("events = %+v", events)
			}
		})
	}
}

func TestStore_MemoryIDSequence(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := s.NextMemoryID(ctx)
			if err != nil {
				t.Fatalf("NextMemoryID: %v", err)
			}
			b, err := s.NextMemoryID(ctx)
			if err != nil {
				t.Fatalf("NextMemoryID: %v", err)
			}
			if b <= a {
				t.Errorf("sequence not monotonic: %d then %d", a, b)
			}
		})
	}
}

func TestStore_Retention(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := &Session{}
			if err := s.CreateSession(ctx, old); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if err := s.SaveMessage(ctx, old.ID, &models.Message{Version: 1, Kind: models.KindText, Time: time.Now(),
				Text: &models.TextPayload{Text: "old"}}); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}
			if err := s.EndSession(ctx, old.ID, SessionEnded); err != nil {
				t.Fatalf("EndSession: %v", err)
			}

			live := &Session{}
			if err := s.CreateSession(ctx, live); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}

			removed, err := s.DeleteSessionsEndedBefore(ctx, time.Now().Add(time.Hour))
			if err != nil {
				t.Fatalf("DeleteSessionsEndedBefore: %v", err)
			}
			if removed != 1 {
				t.Errorf("removed = %d, want 1", removed)
			}
			if _, err := s.GetSession(ctx, old.ID); err != ErrNotFound {
				t.Errorf("old session err = %v, want ErrNotFound", err)
			}
			if _, err := s.GetSession(ctx, live.ID); err != nil {
				t.Errorf("live session err = %v", err)
			}
			// Messages cascade with the session.
			msgs, err := s.ListMessages(ctx, old.ID, 0)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("orphaned messages = %d", len(msgs))
			}
		})
	}
}

func TestRetentionSweeper_Sweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	session := &Session{}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.EndSession(ctx, session.ID, SessionEnded); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	sweeper := NewRetentionSweeper(s, -time.Hour, "", nil) // negative age: everything expires
	sweeper.Sweep(ctx)

	if _, err := s.GetSession(ctx, session.ID); err != ErrNotFound {
		t.Errorf("session survived sweep: %v", err)
	}
}

func TestRetentionSweeper_BadSchedule(t *testing.T) {
	sweeper := NewRetentionSweeper(NewMemoryStore(), time.Hour, "not a cron expr", nil)
	if err := sweeper.Start(); err == nil {
		sweeper.Stop()
		t.Fatal("expected error for invalid schedule")
	}
}
