package middleware

import (
	"context"

	"github.com/haasonsaas/conductor/pkg/models"
)

// MessageTransformation adapts the stream at the provider boundary.
// Upstream it folds contiguous tool call/result runs into a single
// aggregate block per run, which is the only tool shape providers accept.
// Downstream it assigns a dense, per-generation order index to every
// message.
type MessageTransformation struct{}

// NewMessageTransformation creates the middleware.
func NewMessageTransformation() *MessageTransformation {
	return &MessageTransformation{}
}

func (m *MessageTransformation) Name() string { return "message_transformation" }

func (m *MessageTransformation) InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error) {
	mc.Messages = AggregateToolMessages(mc.Messages)

	inner, err := next(ctx, mc)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)
		counters := make(map[string]int)
		for msg := range inner {
			if msg.GenerationID != "" {
				msg.OrderIdx = counters[msg.GenerationID]
				counters[msg.GenerationID]++
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

// AggregateToolMessages folds each contiguous run of tool call and tool
// result messages into a single aggregate message. Calls and results keep
// their tool call ids, so DecomposeAggregate restores the originals'
// identity. Other messages pass through in order.
func AggregateToolMessages(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	var agg *models.Message

	flush := func() {
		if agg != nil {
			out = append(out, *agg)
			agg = nil
		}
	}

	for _, msg := range history {
		switch msg.Kind {
		case models.KindToolCall:
			if msg.ToolCall == nil {
				continue
			}
			if agg == nil {
				agg = &models.Message{
					Version:      msg.Version,
					Kind:         models.KindToolsAggregate,
					Time:         msg.Time,
					ThreadID:     msg.ThreadID,
					RunID:        msg.RunID,
					GenerationID: msg.GenerationID,
					OrderIdx:     msg.OrderIdx,
					Aggregate:    &models.ToolsAggregatePayload{},
				}
			}
			agg.Aggregate.Calls = append(agg.Aggregate.Calls, models.AggregateCall{
				ToolCallID: msg.ToolCallID,
				Name:       msg.ToolCall.Name,
				Args:       msg.ToolCall.Args,
				Target:     msg.ToolCall.Target,
			})
		case models.KindToolResult:
			if msg.ToolResult == nil {
				continue
			}
			if agg == nil {
				agg = &models.Message{
					Version:      msg.Version,
					Kind:         models.KindToolsAggregate,
					Time:         msg.Time,
					ThreadID:     msg.ThreadID,
					RunID:        msg.RunID,
					GenerationID: msg.GenerationID,
					OrderIdx:     msg.OrderIdx,
					Aggregate:    &models.ToolsAggregatePayload{},
				}
			}
			agg.Aggregate.Results = append(agg.Aggregate.Results, models.AggregateResult{
				ToolCallID: msg.ToolCallID,
				ToolName:   msg.ToolResult.ToolName,
				Result:     msg.ToolResult.Result,
				IsError:    msg.ToolResult.IsError,
				Target:     msg.ToolResult.Target,
			})
		default:
			flush()
			out = append(out, msg)
		}
	}
	flush()
	return out
}

// DecomposeAggregate expands an aggregate back into the individual tool
// call and tool result messages it was folded from, calls first, results
// after, each carrying its original tool call id.
func DecomposeAggregate(msg *models.Message) []models.Message {
	if msg == nil || msg.Kind != models.KindToolsAggregate || msg.Aggregate == nil {
		return nil
	}
	out := make([]models.Message, 0, len(msg.Aggregate.Calls)+len(msg.Aggregate.Results))
	for _, call := range msg.Aggregate.Calls {
		out = append(out, models.Message{
			Version:      msg.Version,
			Kind:         models.KindToolCall,
			Time:         msg.Time,
			ThreadID:     msg.ThreadID,
			RunID:        msg.RunID,
			GenerationID: msg.GenerationID,
			ToolCallID:   call.ToolCallID,
			ToolCall: &models.ToolCallPayload{
				Name:   call.Name,
				Args:   call.Args,
				Target: call.Target,
			},
		})
	}
	for _, res := range msg.Aggregate.Results {
		out = append(out, models.Message{
			Version:      msg.Version,
			Kind:         models.KindToolResult,
			Time:         msg.Time,
			ThreadID:     msg.ThreadID,
			RunID:        msg.RunID,
			GenerationID: msg.GenerationID,
			ToolCallID:   res.ToolCallID,
			ToolResult: &models.ToolResultPayload{
				ToolName: res.ToolName,
				Result:   res.Result,
				IsError:  res.IsError,
				Target:   res.Target,
			},
		})
	}
	return out
}
