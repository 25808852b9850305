package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (sk-...).
	APIKey string

	// BaseURL overrides the API endpoint for proxies, Azure, and
	// OpenAI-compatible servers.
	BaseURL string

	// DefaultModel is used when requests do not specify a model.
	DefaultModel string

	// MaxRetries for transient failures when opening the stream. Default: 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default: 1s.
	RetryDelay time.Duration
}

// OpenAI translates the Chat Completions streaming API into the normalized
// message stream.
//
// Unlike Anthropic, tool calls stream incrementally with an index per
// parallel call and the id/name arrive on the first fragment only.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAI creates the provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Capabilities implements Provider.
func (p *OpenAI) Capabilities(model string) contract.ModelCapabilities {
	return contract.ModelCapabilities{
		MaxContextTokens:        128_000,
		MaxOutputTokens:         16_384,
		SupportsVision:          true,
		SupportsFunctionCalling: true,
		SupportsParallelCalls:   true,
		SupportsToolChoice:      true,
		SupportsNestedParams:    true,
		SupportsJSONMode:        true,
		SupportsResponseSchema:  true,
		SupportsStreaming:       true,
		Reasoning:               contract.ReasoningOpenAI,
	}
}

// Stream implements Provider.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan models.Message, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Message, streamBufferSize)
	go func() {
		defer close(out)

		stream, err := p.openStream(ctx, chatReq)
		if err != nil {
			out <- stamp(models.Message{
				Kind:  models.KindError,
				Time:  time.Now(),
				Error: &models.ErrorPayload{Code: models.ErrCodeProvider, Message: err.Error()},
			}, req.Options)
			return
		}
		defer stream.Close()
		p.processStream(ctx, stream, out, req.Options)
	}()
	return out, nil
}

func (p *OpenAI) openStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

// openAIToolState accumulates identifying fields for one indexed tool call.
// The args buffer itself stays downstream: only deltas are forwarded.
type openAIToolState struct {
	id        string
	name      string
	announced bool
}

// processStream converts Chat Completions stream chunks into normalized
// messages. Tool call fragments are forwarded as updates as they arrive; the
// final usage chunk (stream_options.include_usage) becomes the terminal
// usage message.
func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- models.Message, opts *Options) {
	toolStates := make(map[int]*openAIToolState)
	var usage *openai.Usage

	send := func(m models.Message) bool {
		select {
		case out <- stamp(m, opts):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				m := models.Message{
					Kind:  models.KindUsage,
					Time:  time.Now(),
					Usage: &models.UsagePayload{},
				}
				if usage != nil {
					m.Usage.PromptTokens = usage.PromptTokens
					m.Usage.CompletionTokens = usage.CompletionTokens
					m.Usage.TotalTokens = usage.TotalTokens
					if usage.CompletionTokensDetails != nil {
						m.Usage.ReasoningTokens = usage.CompletionTokensDetails.ReasoningTokens
					}
					if usage.PromptTokensDetails != nil {
						m.Usage.CachedTokens = usage.PromptTokensDetails.CachedTokens
					}
				}
				send(m)
				return
			}
			send(models.Message{
				Kind:  models.KindError,
				Time:  time.Now(),
				Error: &models.ErrorPayload{Code: models.ErrCodeProvider, Message: err.Error()},
			})
			return
		}

		if response.Usage != nil {
			usage = response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			if !send(models.Message{
				Kind: models.KindTextUpdate,
				Time: time.Now(),
				Text: &models.TextPayload{Role: models.RoleAssistant, Text: delta.Content},
			}) {
				return
			}
		}

		if delta.ReasoningContent != "" {
			if !send(models.Message{
				Kind: models.KindReasoningUpdate,
				Time: time.Now(),
				Reasoning: &models.ReasoningPayload{
					Reasoning:  delta.ReasoningContent,
					Visibility: models.ReasoningPlain,
				},
			}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			state := toolStates[index]
			if state == nil {
				state = &openAIToolState{}
				toolStates[index] = state
			}
			if tc.ID != "" {
				state.id = tc.ID
			}
			if tc.Function.Name != "" {
				state.name = tc.Function.Name
			}
			if !state.announced && state.id != "" && state.name != "" {
				state.announced = true
				if !send(models.Message{
					Kind:       models.KindToolCallUpdate,
					Time:       time.Now(),
					ToolCallID: state.id,
					ToolCall: &models.ToolCallPayload{
						Name:   state.name,
						Target: models.TargetLocalFunction,
						Index:  index,
					},
				}) {
					return
				}
			}
			if tc.Function.Arguments != "" && state.announced {
				if !send(models.Message{
					Kind:       models.KindToolCallUpdate,
					Time:       time.Now(),
					ToolCallID: state.id,
					ToolCall: &models.ToolCallPayload{
						Name:   state.name,
						Args:   tc.Function.Arguments,
						Target: models.TargetLocalFunction,
						Index:  index,
					},
				}) {
					return
				}
			}
		}
	}
}

// buildRequest converts the normalized request to a Chat Completions
// request. System prompts join the message array, and each aggregate result
// becomes a separate tool-role message.
func (p *OpenAI) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Kind {
		case models.KindText:
			if msg.Text == nil || msg.Text.Text == "" {
				continue
			}
			role := openai.ChatMessageRoleUser
			if msg.Text.Role == models.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: msg.Text.Text,
			})

		case models.KindToolsAggregate:
			if msg.Aggregate == nil {
				continue
			}
			assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, call := range msg.Aggregate.Calls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
					ID:   call.ToolCallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Args,
					},
				})
			}
			if len(assistant.ToolCalls) > 0 {
				messages = append(messages, assistant)
			}
			for _, res := range msg.Aggregate.Results {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Result,
					ToolCallID: res.ToolCallID,
				})
			}
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Options != nil {
		if req.Options.MaxTokens > 0 {
			chatReq.MaxCompletionTokens = req.Options.MaxTokens
		}
		if req.Options.Temperature != nil {
			chatReq.Temperature = *req.Options.Temperature
		}
		for _, fn := range req.Options.Functions {
			raw, err := fn.Schema()
			if err != nil {
				return openai.ChatCompletionRequest{}, err
			}
			var schema map[string]any
			if err := json.Unmarshal(raw, &schema); err != nil {
				return openai.ChatCompletionRequest{}, err
			}
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        fn.Name,
					Description: fn.Description,
					Parameters:  schema,
				},
			})
		}
		// Recognized extra properties: response_format selects JSON mode.
		if format, ok := req.Options.ExtraString("response_format"); ok && format == "json_object" {
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}
	return chatReq, nil
}
