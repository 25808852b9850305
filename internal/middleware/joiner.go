package middleware

import (
	"context"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MessageUpdateJoiner folds contiguous update messages into the single
// full message that history keeps. Updates are forwarded unchanged as they
// arrive; when a run of updates with the same (generation, tool call)
// identity ends, the joined full message follows them on the stream.
type MessageUpdateJoiner struct{}

// NewMessageUpdateJoiner creates the middleware.
func NewMessageUpdateJoiner() *MessageUpdateJoiner {
	return &MessageUpdateJoiner{}
}

func (m *MessageUpdateJoiner) Name() string { return "message_update_joiner" }

type joinKey struct {
	generationID string
	toolCallID   string
	kind         models.MessageKind
	visibility   models.ReasoningVisibility
}

type joinGroup struct {
	key      joinKey
	first    models.Message
	last     models.Message
	text     strings.Builder
	maxOrder int
}

func (m *MessageUpdateJoiner) InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error) {
	inner, err := next(ctx, mc)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)
		var group *joinGroup

		flush := func() {
			if group == nil {
				return
			}
			joined := joinedMessage(group)
			group = nil
			select {
			case out <- joined:
			case <-ctx.Done():
			}
		}

		for msg := range inner {
			if msg.IsUpdate() {
				key := keyFor(&msg)
				if group != nil && group.key != key {
					flush()
				}
				if group == nil {
					group = &joinGroup{key: key, first: msg, maxOrder: msg.OrderIdx}
				}
				group.last = msg
				if msg.OrderIdx > group.maxOrder {
					group.maxOrder = msg.OrderIdx
				}
				group.text.WriteString(updateText(&msg))
			} else {
				flush()
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		flush()
	}()
	return out, nil
}

func keyFor(msg *models.Message) joinKey {
	key := joinKey{generationID: msg.GenerationID, toolCallID: msg.ToolCallID}
	switch msg.Kind {
	case models.KindTextUpdate:
		key.kind = models.KindText
	case models.KindReasoningUpdate:
		key.kind = models.KindReasoning
		if msg.Reasoning != nil {
			key.visibility = msg.Reasoning.Visibility
		}
	case models.KindToolCallUpdate:
		key.kind = models.KindToolCall
	}
	return key
}

func updateText(msg *models.Message) string {
	switch msg.Kind {
	case models.KindTextUpdate:
		if msg.Text != nil {
			return msg.Text.Text
		}
	case models.KindReasoningUpdate:
		if msg.Reasoning != nil {
			return msg.Reasoning.Reasoning
		}
	case models.KindToolCallUpdate:
		if msg.ToolCall != nil {
			return msg.ToolCall.Args
		}
	}
	return ""
}

// joinedMessage builds the full message for a finished update run. The
// full message takes its identifiers from the first update, its timestamp
// from the last, and the monotone maximum order index of the run.
func joinedMessage(g *joinGroup) models.Message {
	joined := models.Message{
		Version:      g.first.Version,
		Kind:         g.key.kind,
		Time:         g.last.Time,
		ThreadID:     g.first.ThreadID,
		RunID:        g.first.RunID,
		ParentRunID:  g.first.ParentRunID,
		GenerationID: g.first.GenerationID,
		OrderIdx:     g.maxOrder,
		ToolCallID:   g.first.ToolCallID,
	}

	switch g.key.kind {
	case models.KindText:
		joined.Text = &models.TextPayload{Text: g.text.String()}
		if g.first.Text != nil {
			joined.Text.Role = g.first.Text.Role
		}
		if joined.Text.Role == "" {
			joined.Text.Role = models.RoleAssistant
		}
	case models.KindReasoning:
		joined.Reasoning = &models.ReasoningPayload{
			Reasoning:  g.text.String(),
			Visibility: g.key.visibility,
		}
	case models.KindToolCall:
		joined.ToolCall = &models.ToolCallPayload{
			Args: g.text.String(),
		}
		if g.first.ToolCall != nil {
			joined.ToolCall.Name = g.first.ToolCall.Name
			joined.ToolCall.Target = g.first.ToolCall.Target
			joined.ToolCall.Index = g.first.ToolCall.Index
		}
	}
	return joined
}
