package middleware

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/conductor/pkg/models"
)

// PublishFunc forwards a message to the session's subscribers.
type PublishFunc func(ctx context.Context, msg *models.Message) error

// MessagePublishing forwards every downstream message to the publish
// callback before yielding it, so subscribers observe the stream live.
type MessagePublishing struct {
	publish PublishFunc
	logger  *slog.Logger
}

// NewMessagePublishing creates the middleware.
func NewMessagePublishing(publish PublishFunc, logger *slog.Logger) *MessagePublishing {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagePublishing{publish: publish, logger: logger}
}

func (m *MessagePublishing) Name() string { return "message_publishing" }

func (m *MessagePublishing) InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error) {
	inner, err := next(ctx, mc)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)
		for msg := range inner {
			if m.publish != nil {
				if err := m.publish(ctx, &msg); err != nil {
					if ctx.Err() != nil {
						return
					}
					m.logger.Warn("publishing message failed", "kind", msg.Kind, "error", err)
				}
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
