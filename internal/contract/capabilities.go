package contract

import "strings"

// ReasoningType identifies the style of thinking output a model produces.
type ReasoningType string

const (
	ReasoningNone      ReasoningType = "none"
	ReasoningAnthropic ReasoningType = "anthropic"
	ReasoningDeepSeek  ReasoningType = "deepseek"
	ReasoningOpenAI    ReasoningType = "openai"
	ReasoningCustom    ReasoningType = "custom"
)

// ModelCapabilities describes what a model supports so callers can gate
// features before issuing a request.
type ModelCapabilities struct {
	// Token limits
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
	MaxOutputTokens  int `json:"max_output_tokens,omitempty"`

	// Input modalities
	SupportsVision bool `json:"supports_vision,omitempty"`
	SupportsAudio  bool `json:"supports_audio,omitempty"`

	// Function calling
	SupportsFunctionCalling bool `json:"supports_function_calling,omitempty"`
	SupportsParallelCalls   bool `json:"supports_parallel_calls,omitempty"`
	SupportsToolChoice      bool `json:"supports_tool_choice,omitempty"`
	SupportsNestedParams    bool `json:"supports_nested_params,omitempty"`

	// Response format
	SupportsJSONMode       bool `json:"supports_json_mode,omitempty"`
	SupportsResponseSchema bool `json:"supports_response_schema,omitempty"`

	// Reasoning / thinking
	Reasoning ReasoningType `json:"reasoning,omitempty"`

	// Streaming
	SupportsStreaming bool `json:"supports_streaming,omitempty"`

	// Lifecycle flags
	Preview    bool `json:"preview,omitempty"`
	Deprecated bool `json:"deprecated,omitempty"`
}

// HasCapability evaluates a capability expression. The argument is a
// comma-separated list of capability names evaluated conjunctively:
// "function_calling,streaming" is true only when both hold.
//
// Recognized names: vision, audio, function_calling, parallel_calls,
// tool_choice, nested_params, json_mode, response_schema, reasoning,
// streaming.
func (c *ModelCapabilities) HasCapability(names string) bool {
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if !c.hasOne(name) {
			return false
		}
	}
	return true
}

func (c *ModelCapabilities) hasOne(name string) bool {
	switch name {
	case "vision":
		return c.SupportsVision
	case "audio":
		return c.SupportsAudio
	case "function_calling":
		return c.SupportsFunctionCalling
	case "parallel_calls":
		return c.SupportsParallelCalls
	case "tool_choice":
		return c.SupportsToolChoice
	case "nested_params":
		return c.SupportsNestedParams
	case "json_mode":
		return c.SupportsJSONMode
	case "response_schema":
		return c.SupportsResponseSchema
	case "reasoning":
		return c.Reasoning != "" && c.Reasoning != ReasoningNone
	case "streaming":
		return c.SupportsStreaming
	}
	return false
}
