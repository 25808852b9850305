package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ScriptToolCall is one tool call a scripted turn emits, with its argument
// document pre-sliced into streaming fragments.
type ScriptToolCall struct {
	ID         string
	Name       string
	ArgsChunks []string
	Target     models.ExecutionTarget
}

// ScriptTurn describes the stream one provider call produces.
type ScriptTurn struct {
	TextDeltas      []string
	ReasoningDeltas []string
	ToolCalls       []ScriptToolCall
	Usage           *models.UsagePayload
	ErrMessage      string
}

// Scripted is a deterministic in-memory provider for tests. Each Stream call
// consumes the next scripted turn; calling past the script returns an error.
//
// Safe for concurrent use; requests are recorded for assertions.
type Scripted struct {
	mu       sync.Mutex
	turns    []ScriptTurn
	next     int
	requests []*Request
}

// NewScripted creates a scripted provider that plays the given turns in order.
func NewScripted(turns ...ScriptTurn) *Scripted {
	return &Scripted{turns: turns}
}

// Append adds turns to the end of the script.
func (p *Scripted) Append(turns ...ScriptTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turns...)
}

// Requests returns the requests received so far.
func (p *Scripted) Requests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Name implements Provider.
func (p *Scripted) Name() string { return "scripted" }

// Capabilities implements Provider.
func (p *Scripted) Capabilities(string) contract.ModelCapabilities {
	return contract.ModelCapabilities{
		SupportsFunctionCalling: true,
		SupportsParallelCalls:   true,
		SupportsStreaming:       true,
	}
}

// Stream implements Provider.
func (p *Scripted) Stream(ctx context.Context, req *Request) (<-chan models.Message, error) {
	p.mu.Lock()
	if p.next >= len(p.turns) {
		p.mu.Unlock()
		return nil, errors.New("scripted: no turns left in script")
	}
	turn := p.turns[p.next]
	p.next++
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	out := make(chan models.Message, streamBufferSize)
	go func() {
		defer close(out)

		send := func(m models.Message) bool {
			select {
			case out <- stamp(m, req.Options):
				return true
			case <-ctx.Done():
				return false
			}
		}

		if turn.ErrMessage != "" {
			send(models.Message{
				Kind:  models.KindError,
				Time:  time.Now(),
				Error: &models.ErrorPayload{Code: models.ErrCodeProvider, Message: turn.ErrMessage},
			})
			return
		}

		for _, delta := range turn.ReasoningDeltas {
			if !send(models.Message{
				Kind:      models.KindReasoningUpdate,
				Time:      time.Now(),
				Reasoning: &models.ReasoningPayload{Reasoning: delta, Visibility: models.ReasoningPlain},
			}) {
				return
			}
		}

		for _, delta := range turn.TextDeltas {
			if !send(models.Message{
				Kind: models.KindTextUpdate,
				Time: time.Now(),
				Text: &models.TextPayload{Role: models.RoleAssistant, Text: delta},
			}) {
				return
			}
		}

		for i, call := range turn.ToolCalls {
			target := call.Target
			if target == "" {
				target = models.TargetLocalFunction
			}
			if !send(models.Message{
				Kind:       models.KindToolCallUpdate,
				Time:       time.Now(),
				ToolCallID: call.ID,
				ToolCall: &models.ToolCallPayload{
					Name:   call.Name,
					Target: target,
					Index:  i,
				},
			}) {
				return
			}
			for _, chunk := range call.ArgsChunks {
				if !send(models.Message{
					Kind:       models.KindToolCallUpdate,
					Time:       time.Now(),
					ToolCallID: call.ID,
					ToolCall: &models.ToolCallPayload{
						Name:   call.Name,
						Args:   chunk,
						Target: target,
						Index:  i,
					},
				}) {
					return
				}
			}
		}

		usage := turn.Usage
		if usage == nil {
			usage = &models.UsagePayload{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
		}
		send(models.Message{Kind: models.KindUsage, Time: time.Now(), Usage: usage})
	}()
	return out, nil
}
