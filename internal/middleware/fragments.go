package middleware

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/conductor/internal/jsonfrag"
	"github.com/haasonsaas/conductor/pkg/models"
)

// JsonFragmentUpdate feeds each tool-call argument delta through a
// per-call incremental JSON parser and attaches the resulting structural
// updates to the message. Parse failures are logged and the stream
// continues; downstream consumers still see the raw argument deltas.
type JsonFragmentUpdate struct {
	logger *slog.Logger
}

// NewJsonFragmentUpdate creates the middleware.
func NewJsonFragmentUpdate(logger *slog.Logger) *JsonFragmentUpdate {
	if logger == nil {
		logger = slog.Default()
	}
	return &JsonFragmentUpdate{logger: logger}
}

func (m *JsonFragmentUpdate) Name() string { return "json_fragment_update" }

type fragmentState struct {
	parser *jsonfrag.Parser
	broken bool
}

func (m *JsonFragmentUpdate) InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error) {
	inner, err := next(ctx, mc)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)
		parsers := make(map[string]*fragmentState)

		for msg := range inner {
			if msg.Kind == models.KindToolCallUpdate && msg.ToolCall != nil && msg.ToolCall.Args != "" {
				key := msg.GenerationID + "/" + msg.ToolCallID
				st, ok := parsers[key]
				if !ok {
					st = &fragmentState{parser: jsonfrag.New()}
					parsers[key] = st
				}
				if !st.broken {
					updates, err := st.parser.AddFragment(msg.ToolCall.Args)
					if err != nil {
						st.broken = true
						m.logger.Warn("tool argument stream is not valid JSON",
							"tool_call_id", msg.ToolCallID,
							"tool", msg.ToolCall.Name,
							"error", err)
					}
					if len(updates) > 0 {
						msg = *msg.Clone()
						msg.ToolCall.FragmentUpdates = updates
					}
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
