package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// FunctionCall bridges the stream to the tool executor. It watches the
// raw provider stream for tool calls, reassembles their arguments, and
// when the generation ends hands the local-target calls to the executor.
// Each result is published the moment its handler returns; the collected
// results wait in a buffer the loop drains before the next turn.
//
// Provider-side calls are observed but never dispatched.
type FunctionCall struct {
	executor *tools.Executor
	publish  tools.PublishFunc

	mu       sync.Mutex
	pending  []models.Message
	declared []*contract.FunctionContract
}

// NewFunctionCall creates the bridge. publish may be nil.
func NewFunctionCall(executor *tools.Executor, publish tools.PublishFunc) *FunctionCall {
	return &FunctionCall{executor: executor, publish: publish}
}

func (m *FunctionCall) Name() string { return "function_call" }

// TakeResults drains the buffered tool results from the last generation.
func (m *FunctionCall) TakeResults() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := m.pending
	m.pending = nil
	return results
}

// Declared returns the function contracts seen on the last generation.
func (m *FunctionCall) Declared() []*contract.FunctionContract {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.declared
}

type callAccumulator struct {
	base models.Message
	name string
	args strings.Builder
}

func (m *FunctionCall) InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error) {
	if mc.Options != nil {
		m.mu.Lock()
		m.declared = mc.Options.Functions
		m.mu.Unlock()
	}

	inner, err := next(ctx, mc)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message)
	go func() {
		defer close(out)

		accs := make(map[string]*callAccumulator)
		var order []string

		for msg := range inner {
			switch {
			case msg.Kind == models.KindToolCallUpdate && msg.ToolCall != nil:
				acc, ok := accs[msg.ToolCallID]
				if !ok {
					acc = &callAccumulator{base: msg}
					accs[msg.ToolCallID] = acc
					order = append(order, msg.ToolCallID)
				}
				if acc.name == "" {
					acc.name = msg.ToolCall.Name
				}
				acc.args.WriteString(msg.ToolCall.Args)
			case msg.Kind == models.KindToolCall && msg.ToolCall != nil:
				// A pre-joined call replaces anything accumulated.
				acc := &callAccumulator{base: msg, name: msg.ToolCall.Name}
				acc.args.WriteString(msg.ToolCall.Args)
				if _, seen := accs[msg.ToolCallID]; !seen {
					order = append(order, msg.ToolCallID)
				}
				accs[msg.ToolCallID] = acc
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}

		if len(order) == 0 || m.executor == nil {
			return
		}

		calls := make([]models.Message, 0, len(order))
		for _, id := range order {
			acc := accs[id]
			base := acc.base
			call := models.Message{
				Version:      base.Version,
				Kind:         models.KindToolCall,
				Time:         time.Now(),
				ThreadID:     base.ThreadID,
				RunID:        base.RunID,
				GenerationID: base.GenerationID,
				ToolCallID:   id,
				ToolCall: &models.ToolCallPayload{
					Name: acc.name,
					Args: acc.args.String(),
				},
			}
			if base.ToolCall != nil {
				call.ToolCall.Target = base.ToolCall.Target
				call.ToolCall.Index = base.ToolCall.Index
			}
			calls = append(calls, call)
		}

		results, err := m.executor.Execute(ctx, calls, m.publish)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.pending = append(m.pending, results...)
		m.mu.Unlock()
	}()
	return out, nil
}
