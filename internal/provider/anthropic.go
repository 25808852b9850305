package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key (sk-ant-...).
	APIKey string

	// BaseURL overrides the API endpoint, used for proxies and tests.
	BaseURL string

	// DefaultModel is used when requests do not specify a model.
	DefaultModel string

	// MaxRetries for transient failures when opening the stream. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// Anthropic translates the Anthropic Messages streaming API into the
// normalized message stream.
//
// Safe for concurrent use; each Stream call owns an independent SSE stream
// and goroutine.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropic creates the provider. An empty API key is allowed for
// delayed configuration; Stream fails until one is set.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

// Capabilities implements Provider.
func (p *Anthropic) Capabilities(model string) contract.ModelCapabilities {
	return contract.ModelCapabilities{
		MaxContextTokens:        200_000,
		MaxOutputTokens:         64_000,
		SupportsVision:          true,
		SupportsFunctionCalling: true,
		SupportsParallelCalls:   true,
		SupportsToolChoice:      true,
		SupportsNestedParams:    true,
		SupportsStreaming:       true,
		Reasoning:               contract.ReasoningAnthropic,
	}
}

// Stream implements Provider.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan models.Message, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message, streamBufferSize)
	go func() {
		defer close(out)

		stream, err := p.openStream(ctx, params)
		if err != nil {
			out <- stamp(models.Message{
				Kind:  models.KindError,
				Time:  time.Now(),
				Error: &models.ErrorPayload{Code: models.ErrCodeProvider, Message: err.Error()},
			}, req.Options)
			return
		}
		p.processStream(ctx, stream, out, req.Options)
	}()
	return out, nil
}

// openStream opens the SSE stream with exponential backoff on retryable
// failures.
func (p *Anthropic) openStream(ctx context.Context, params anthropic.MessageNewParams) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream := p.client.Messages.NewStreaming(ctx, params)
		if stream.Err() == nil {
			return stream, nil
		}
		lastErr = stream.Err()
		if !IsRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

// toolAccumulator tracks one tool_use block across delta events.
type toolAccumulator struct {
	id    string
	name  string
	index int
	args  strings.Builder
}

// processStream converts Anthropic stream events into normalized messages.
//
// Event mapping:
//   - message_start: record input tokens, nothing emitted
//   - content_block_start (tool_use): allocate accumulator, emit an empty
//     tool-call update announcing id and name
//   - content_block_delta: text_delta -> text update, thinking_delta ->
//     reasoning update, input_json_delta -> tool-call update with args delta
//   - content_block_stop: close the accumulator (no-op when already closed)
//   - message_delta / message_stop: terminal usage message
//   - error: error message
func (p *Anthropic) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- models.Message, opts *Options) {
	var current *toolAccumulator
	toolIndex := 0

	var inputTokens, outputTokens, cacheReadTokens int

	send := func(m models.Message) bool {
		select {
		case out <- stamp(m, opts):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				inputTokens = int(messageStart.Message.Usage.InputTokens)
			}
			if messageStart.Message.Usage.CacheReadInputTokens > 0 {
				cacheReadTokens = int(messageStart.Message.Usage.CacheReadInputTokens)
			}

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				current = &toolAccumulator{
					id:    toolUse.ID,
					name:  toolUse.Name,
					index: toolIndex,
				}
				toolIndex++
				ok := send(models.Message{
					Kind:       models.KindToolCallUpdate,
					Time:       time.Now(),
					ToolCallID: current.id,
					ToolCall: &models.ToolCallPayload{
						Name:   current.name,
						Target: models.TargetLocalFunction,
						Index:  current.index,
					},
				})
				if !ok {
					return
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					continue
				}
				if !send(models.Message{
					Kind: models.KindTextUpdate,
					Time: time.Now(),
					Text: &models.TextPayload{Role: models.RoleAssistant, Text: delta.Text},
				}) {
					return
				}

			case "thinking_delta":
				if delta.Thinking == "" {
					continue
				}
				if !send(models.Message{
					Kind: models.KindReasoningUpdate,
					Time: time.Now(),
					Reasoning: &models.ReasoningPayload{
						Reasoning:  delta.Thinking,
						Visibility: models.ReasoningPlain,
					},
				}) {
					return
				}

			case "signature_delta":
				if delta.Signature == "" {
					continue
				}
				if !send(models.Message{
					Kind: models.KindReasoningUpdate,
					Time: time.Now(),
					Reasoning: &models.ReasoningPayload{
						Reasoning:  delta.Signature,
						Visibility: models.ReasoningEncrypted,
					},
				}) {
					return
				}

			case "input_json_delta":
				if current == nil || delta.PartialJSON == "" {
					continue
				}
				current.args.WriteString(delta.PartialJSON)
				if !send(models.Message{
					Kind:       models.KindToolCallUpdate,
					Time:       time.Now(),
					ToolCallID: current.id,
					ToolCall: &models.ToolCallPayload{
						Name:   current.name,
						Args:   delta.PartialJSON,
						Target: models.TargetLocalFunction,
						Index:  current.index,
					},
				}) {
					return
				}
			}

		case "content_block_stop":
			current = nil

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			send(models.Message{
				Kind: models.KindUsage,
				Time: time.Now(),
				Usage: &models.UsagePayload{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
					CachedTokens:     cacheReadTokens,
				},
			})
			return

		case "error":
			send(models.Message{
				Kind:  models.KindError,
				Time:  time.Now(),
				Error: &models.ErrorPayload{Code: models.ErrCodeProvider, Message: "anthropic: stream error"},
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(models.Message{
			Kind:  models.KindError,
			Time:  time.Now(),
			Error: &models.ErrorPayload{Code: models.ErrCodeProvider, Message: err.Error()},
		})
	}
}

// buildParams converts the normalized request to Anthropic API parameters.
func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := 4096
	if req.Options != nil && req.Options.MaxTokens > 0 {
		maxTokens = req.Options.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Options != nil {
		if len(req.Options.Functions) > 0 {
			tools, err := toAnthropicTools(req.Options.Functions)
			if err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
			}
			params.Tools = tools
		}
		// Recognized extra properties: maxThinkingTokens enables extended
		// thinking with the given budget.
		if budget, ok := req.Options.ExtraInt("maxThinkingTokens"); ok && budget > 0 {
			if budget < 1024 {
				budget = 1024
			}
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		}
	}
	return params, nil
}

// toAnthropicMessages converts joined history messages to the API format.
// Aggregates expand to an assistant tool_use message followed by a user
// tool_result message, preserving tool call ids.
func toAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		switch msg.Kind {
		case models.KindText:
			if msg.Text == nil || msg.Text.Text == "" {
				continue
			}
			block := anthropic.NewTextBlock(msg.Text.Text)
			if msg.Text.Role == models.RoleAssistant {
				result = append(result, anthropic.NewAssistantMessage(block))
			} else {
				result = append(result, anthropic.NewUserMessage(block))
			}

		case models.KindToolsAggregate:
			if msg.Aggregate == nil {
				continue
			}
			var calls []anthropic.ContentBlockParamUnion
			for _, call := range msg.Aggregate.Calls {
				var input map[string]any
				if err := json.Unmarshal([]byte(call.Args), &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", call.ToolCallID, err)
				}
				calls = append(calls, anthropic.NewToolUseBlock(call.ToolCallID, input, call.Name))
			}
			var results []anthropic.ContentBlockParamUnion
			for _, res := range msg.Aggregate.Results {
				results = append(results, anthropic.NewToolResultBlock(res.ToolCallID, res.Result, res.IsError))
			}
			if len(calls) > 0 {
				result = append(result, anthropic.NewAssistantMessage(calls...))
			}
			if len(results) > 0 {
				result = append(result, anthropic.NewUserMessage(results...))
			}
		}
	}

	if len(result) == 0 {
		return nil, errors.New("no convertible messages in history")
	}
	return result, nil
}

// toAnthropicTools converts function contracts to Anthropic tool definitions.
func toAnthropicTools(functions []*contract.FunctionContract) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(functions))
	for _, fn := range functions {
		raw, err := fn.Schema()
		if err != nil {
			return nil, err
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", fn.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, fn.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", fn.Name)
		}
		param.OfTool.Description = anthropic.String(fn.Description)
		result = append(result, param)
	}
	return result, nil
}
