package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingInterval = 15 * time.Second
	wsMaxFrameSize = 1 << 20
	wsSendBuffer   = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsSession is one websocket connection bound to a pubsub session.
type wsSession struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	threadID  string
	send      chan []byte
	logger    *slog.Logger
}

// handleSessionWS upgrades the connection, announces the session, and
// bridges inbound frames to the thread loop and run events back out.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = models.NewSessionID()
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sess := &wsSession{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		threadID:  models.NewThreadID(),
		send:      make(chan []byte, wsSendBuffer),
		logger:    s.logger.With("session_id", sessionID),
	}
	sess.run(r.Context())
}

func (ws *wsSession) run(ctx context.Context) {
	defer ws.conn.Close()

	if ws.server.metrics != nil {
		ws.server.metrics.ActiveSessions.WithLabelValues("websocket").Inc()
		defer ws.server.metrics.ActiveSessions.WithLabelValues("websocket").Dec()
	}

	sub, err := ws.server.publisher.Subscribe(ws.sessionID)
	if err != nil {
		ws.logger.Debug("websocket subscribe failed", "error", err)
		return
	}
	defer sub.Close()

	// SessionStarted is written synchronously so it is always the first
	// frame the client sees.
	started := models.Message{
		Version: 1,
		Kind:    models.KindSessionStarted,
		Time:    time.Now(),
		SessionStarted: &models.SessionStartedPayload{
			SessionID: ws.sessionID,
			StartedAt: time.Now(),
		},
	}
	payload, err := json.Marshal(&started)
	if err != nil || !ws.writeFrame(payload) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		ws.writePump(ctx, sub)
	}()

	ws.readPump(ctx)
	cancel()
	<-writeDone
}

// readPump handles inbound text frames until close or error.
func (ws *wsSession) readPump(ctx context.Context) {
	ws.conn.SetReadLimit(wsMaxFrameSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var req streamRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			ws.enqueueError("INVALID_JSON", "inbound frame is not valid JSON", true)
			continue
		}
		if len(req.Messages) == 0 {
			ws.enqueueError("INVALID_JSON", "messages required", true)
			continue
		}

		threadID := req.ThreadID
		if threadID == "" {
			threadID = ws.threadID
		}
		loop, err := ws.server.manager.GetOrCreate(threadID, ws.sessionID)
		if err != nil {
			ws.enqueueError("SHUTTING_DOWN", "server shutting down", false)
			return
		}
		input := agent.UserInput{
			Messages:    inboundToMessages(req.Messages),
			ParentRunID: req.RunID,
		}
		if _, err := loop.Submit(ctx, input); err != nil {
			ws.enqueueError("SUBMIT_FAILED", err.Error(), true)
		}
	}
}

// writePump serializes all writes: run events, error frames, and pings.
func (ws *wsSession) writePump(ctx context.Context, sub interface{ C() <-chan models.Message }) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.writeClose()
			return
		case payload := <-ws.send:
			if !ws.writeFrame(payload) {
				return
			}
		case msg, open := <-sub.C():
			if !open {
				ws.writeClose()
				return
			}
			if ws.server.metrics != nil && msg.Kind == models.KindError && msg.Error != nil && msg.Error.Code == models.ErrCodeBackpressureDrop {
				ws.server.metrics.SubscriberDrops.Inc()
			}
			payload, err := json.Marshal(&msg)
			if err != nil {
				ws.logger.Debug("marshal event failed", "error", err)
				continue
			}
			if !ws.writeFrame(payload) {
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *wsSession) writeFrame(payload []byte) bool {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		ws.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func (ws *wsSession) writeClose() {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = ws.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (ws *wsSession) enqueueError(code, message string, recoverable bool) {
	payload, err := json.Marshal(runErrorFrame{
		Type:        "RUN_ERROR",
		Code:        code,
		Error:       message,
		Recoverable: recoverable,
	})
	if err != nil {
		return
	}
	ws.enqueue(payload)
}

func (ws *wsSession) enqueue(payload []byte) bool {
	select {
	case ws.send <- payload:
		return true
	default:
		ws.logger.Debug("websocket send queue full, dropping frame")
		return false
	}
}
