package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// streamRequest is the POST body for one conversation turn stream.
type streamRequest struct {
	// ThreadID selects an existing thread; empty starts a new one.
	ThreadID string `json:"threadId,omitempty"`

	// RunID forks from the named run instead of extending the thread.
	RunID string `json:"runId,omitempty"`

	// Agent selects a named agent profile. Currently informational.
	Agent string `json:"agent,omitempty"`

	Messages []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// runErrorFrame is the best-effort terminal error line.
type runErrorFrame struct {
	Type        string `json:"type"`
	Code        string `json:"code,omitempty"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// handleThreadStream runs one turn and streams its events as SSE until
// the run completes.
func (s *Server) handleThreadStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, `{"error":"messages required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = models.NewThreadID()
	}
	loop, err := s.manager.GetOrCreate(threadID, models.NewSessionID())
	if err != nil {
		http.Error(w, `{"error":"server shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	// Subscribe before submitting so no event can slip past.
	sub, err := s.publisher.Subscribe(loop.SessionID())
	if err != nil {
		http.Error(w, `{"error":"subscribe failed"}`, http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	input := agent.UserInput{
		Messages:    inboundToMessages(req.Messages),
		ParentRunID: req.RunID,
	}
	receipt, err := loop.Submit(r.Context(), input)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.ActiveSessions.WithLabelValues("sse").Inc()
		defer s.metrics.ActiveSessions.WithLabelValues("sse").Dec()
		start := time.Now()
		defer func() {
			s.metrics.StreamDuration.Observe(time.Since(start).Seconds())
		}()
	}

	logger := s.logger.With("thread_id", threadID, "receipt_id", receipt.ReceiptID)
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sub.C():
			if !open {
				s.writeRunError(w, flusher, "stream closed", "")
				return
			}
			if s.metrics != nil && msg.Kind == models.KindError && msg.Error != nil && msg.Error.Code == models.ErrCodeBackpressureDrop {
				s.metrics.SubscriberDrops.Inc()
			}
			if err := writeEvent(w, flusher, &msg); err != nil {
				logger.Debug("sse write failed", "error", err)
				return
			}
			if msg.Kind == models.KindRunCompleted && msg.RunCompleted != nil && !msg.RunCompleted.WasForked {
				return
			}
		}
	}
}

func inboundToMessages(in []inboundMessage) []models.Message {
	out := make([]models.Message, 0, len(in))
	for _, m := range in {
		role := models.Role(m.Role)
		if role == "" {
			role = models.RoleUser
		}
		out = append(out, models.Message{
			Kind: models.KindText,
			Text: &models.TextPayload{Role: role, Text: m.Content},
		})
	}
	return out
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeRunError emits the best-effort terminal error line.
func (s *Server) writeRunError(w http.ResponseWriter, flusher http.Flusher, errMsg, code string) {
	frame := runErrorFrame{Type: "RUN_ERROR", Code: code, Error: errMsg}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return
	}
	flusher.Flush()
}
