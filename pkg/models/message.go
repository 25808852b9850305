// Package models provides domain types for the Conductor agent runtime.
package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ReasoningVisibility classifies how much of a reasoning block is exposed.
type ReasoningVisibility string

const (
	// ReasoningPlain is the full chain of thought.
	ReasoningPlain ReasoningVisibility = "plain"
	// ReasoningSummary is a provider-generated summary of the chain of thought.
	ReasoningSummary ReasoningVisibility = "summary"
	// ReasoningEncrypted is an opaque blob only the provider can read back.
	ReasoningEncrypted ReasoningVisibility = "encrypted"
)

// ExecutionTarget identifies where a tool call is executed.
type ExecutionTarget string

const (
	// TargetLocalFunction is dispatched by the local tool registry.
	TargetLocalFunction ExecutionTarget = "local_function"
	// TargetProviderServer is executed on the provider side; the runtime
	// observes the call and result but never dispatches it.
	TargetProviderServer ExecutionTarget = "provider_server"
)

// MessageKind identifies the variant carried by a Message.
type MessageKind string

const (
	// Content variants
	KindText            MessageKind = "text"
	KindTextUpdate      MessageKind = "text.update"
	KindReasoning       MessageKind = "reasoning"
	KindReasoningUpdate MessageKind = "reasoning.update"

	// Tool traffic
	KindToolCall       MessageKind = "tool.call"
	KindToolCallUpdate MessageKind = "tool.call.update"
	KindToolResult     MessageKind = "tool.result"
	KindToolsAggregate MessageKind = "tools.aggregate"

	// Accounting
	KindUsage MessageKind = "usage"

	// Lifecycle
	KindRunAssignment  MessageKind = "run.assigned"
	KindRunCompleted   MessageKind = "run.completed"
	KindSessionStarted MessageKind = "session.started"
	KindError          MessageKind = "error"
)

// Message is the unified message model for streaming, history, and transport.
// It is a tagged union: Kind selects the variant and exactly one payload
// pointer is non-nil for a given Kind.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Kind discriminator with optional payload pointers
//   - Immutable in flight; subscribers receive deep copies
type Message struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Kind identifies the variant.
	Kind MessageKind `json:"kind"`

	// Time is when the message was produced.
	Time time.Time `json:"time"`

	// ThreadID identifies the conversation.
	ThreadID string `json:"thread_id,omitempty"`

	// RunID identifies one agent run within the thread.
	RunID string `json:"run_id,omitempty"`

	// ParentRunID records fork lineage when the run was forked.
	ParentRunID string `json:"parent_run_id,omitempty"`

	// GenerationID identifies one provider call within the run.
	GenerationID string `json:"generation_id,omitempty"`

	// OrderIdx is dense and monotonic within a generation, starting at 0.
	// Assigned downstream of the provider by the transformation middleware.
	OrderIdx int `json:"order_idx"`

	// ToolCallID correlates tool call, updates, and result.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Exactly one payload should be non-nil for a given Kind.
	Text           *TextPayload           `json:"text,omitempty"`
	Reasoning      *ReasoningPayload      `json:"reasoning,omitempty"`
	ToolCall       *ToolCallPayload       `json:"tool_call,omitempty"`
	ToolResult     *ToolResultPayload     `json:"tool_result,omitempty"`
	Aggregate      *ToolsAggregatePayload `json:"aggregate,omitempty"`
	Usage          *UsagePayload          `json:"usage,omitempty"`
	RunAssignment  *RunAssignmentPayload  `json:"run_assignment,omitempty"`
	RunCompleted   *RunCompletedPayload   `json:"run_completed,omitempty"`
	SessionStarted *SessionStartedPayload `json:"session_started,omitempty"`
	Error          *ErrorPayload          `json:"error,omitempty"`
}

// IsUpdate reports whether the message is a streaming delta that a joiner
// will later fold into a full message.
func (m *Message) IsUpdate() bool {
	switch m.Kind {
	case KindTextUpdate, KindReasoningUpdate, KindToolCallUpdate:
		return true
	}
	return false
}

// IsLifecycle reports whether the message is a run/session lifecycle marker
// rather than conversation content.
func (m *Message) IsLifecycle() bool {
	switch m.Kind {
	case KindRunAssignment, KindRunCompleted, KindSessionStarted, KindError:
		return true
	}
	return false
}

// TextPayload carries a finalized utterance or a streaming text delta.
type TextPayload struct {
	Role Role   `json:"role,omitempty"`
	Text string `json:"text"`
}

// ReasoningPayload carries chain-of-thought content, a summary, or an opaque blob.
type ReasoningPayload struct {
	Reasoning  string              `json:"reasoning"`
	Visibility ReasoningVisibility `json:"visibility"`
}

// ToolCallPayload describes a model-requested function execution.
// For KindToolCallUpdate, Args holds the incremental delta and FragmentUpdates
// the structural updates derived from it; for KindToolCall, Args holds the
// complete JSON argument document.
type ToolCallPayload struct {
	// Name is the function name requested by the model.
	Name string `json:"name"`

	// Args is the JSON argument string (delta for updates, full otherwise).
	Args string `json:"args"`

	// Target identifies where the call executes.
	Target ExecutionTarget `json:"target"`

	// Index is the 0-based position of the call within its turn.
	Index int `json:"index"`

	// FragmentUpdates carries keyed structural updates parsed from the
	// Args delta. Only populated on update messages.
	FragmentUpdates []FragmentUpdate `json:"fragment_updates,omitempty"`
}

// FragmentKind identifies a structural update emitted by the streaming
// JSON fragment parser.
type FragmentKind string

const (
	FragmentStartObject     FragmentKind = "start_object"
	FragmentEndObject       FragmentKind = "end_object"
	FragmentStartArray      FragmentKind = "start_array"
	FragmentEndArray        FragmentKind = "end_array"
	FragmentKey             FragmentKind = "key"
	FragmentPartialString   FragmentKind = "partial_string"
	FragmentCompleteString  FragmentKind = "complete_string"
	FragmentCompleteNumber  FragmentKind = "complete_number"
	FragmentCompleteBoolean FragmentKind = "complete_boolean"
	FragmentCompleteNull    FragmentKind = "complete_null"
)

// FragmentUpdate is one structural update keyed by JSON path.
type FragmentUpdate struct {
	// Path locates the value, e.g. "location" or "items[2].name".
	Path string `json:"path"`

	// Kind is the structural event kind.
	Kind FragmentKind `json:"kind"`

	// TextValue holds string slices for partial/complete strings and the
	// literal text of numbers, booleans, and null.
	TextValue string `json:"text_value,omitempty"`
}

// ToolResultPayload is the observed response to one tool call.
type ToolResultPayload struct {
	// ToolName echoes the function that produced the result.
	ToolName string `json:"tool_name"`

	// Result is the handler output, JSON when the handler returns JSON.
	Result string `json:"result"`

	// IsError marks handler failures, unknown tools, and filter rejections.
	IsError bool `json:"is_error,omitempty"`

	// Target propagates unchanged from the originating call.
	Target ExecutionTarget `json:"target"`
}

// AggregateCall is one call entry inside a ToolsAggregatePayload.
type AggregateCall struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Args       string          `json:"args"`
	Target     ExecutionTarget `json:"target"`
}

// AggregateResult is one result entry inside a ToolsAggregatePayload,
// bound to its call by ToolCallID.
type AggregateResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error,omitempty"`
	Target     ExecutionTarget `json:"target"`
}

// ToolsAggregatePayload is an upstream-only block holding one turn's complete
// tool-call/response set. Calls and results cross-link by ToolCallID; resolve
// with id-keyed maps, never object references.
type ToolsAggregatePayload struct {
	Calls   []AggregateCall   `json:"calls"`
	Results []AggregateResult `json:"results"`
}

// UsagePayload is the terminal accounting message for one generation.
type UsagePayload struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	ReasoningTokens  int     `json:"reasoning_tokens,omitempty"`
	CachedTokens     int     `json:"cached_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// RunAssignmentPayload announces that queued inputs were assigned to a run.
// Emitted once for the initial batch and once per injected batch.
type RunAssignmentPayload struct {
	// InputIDs lists the receipts of the assigned inputs.
	InputIDs []string `json:"input_ids,omitempty"`

	// WasInjected is true for batches drained into an already-running run.
	WasInjected bool `json:"was_injected"`
}

// RunCompletedPayload terminates a run. Emitted exactly once per run.
type RunCompletedPayload struct {
	CompletedRunID string `json:"completed_run_id"`

	// WasForked / ForkedToRunID record a fork handoff.
	WasForked     bool   `json:"was_forked,omitempty"`
	ForkedToRunID string `json:"forked_to_run_id,omitempty"`

	// HasPendingMessages is true iff at least one un-assigned input remained
	// queued when the run ended.
	HasPendingMessages  bool `json:"has_pending_messages"`
	PendingMessageCount int  `json:"pending_message_count"`

	IsError      bool   `json:"is_error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SessionStartedPayload opens a subscriber session on a transport.
type SessionStartedPayload struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// ErrorPayload standardizes errors on the message stream.
type ErrorPayload struct {
	// Code is a stable error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the error description (required).
	Message string `json:"message"`

	// Recoverable indicates the stream continues after this error.
	Recoverable bool `json:"recoverable,omitempty"`
}

// Error codes used on ErrorPayload.Code.
const (
	ErrCodeBackpressureDrop = "BACKPRESSURE_DROP"
	ErrCodeInvalidJSON      = "INVALID_JSON"
	ErrCodeParser           = "PARSER_ERROR"
	ErrCodeProvider         = "PROVIDER_ERROR"
	ErrCodeRunError         = "RUN_ERROR"
	ErrCodeFatal            = "FATAL"
)

// Clone returns a deep copy of the message. Subscribers receive clones so
// in-flight messages stay immutable.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Text != nil {
		c := *m.Text
		out.Text = &c
	}
	if m.Reasoning != nil {
		c := *m.Reasoning
		out.Reasoning = &c
	}
	if m.ToolCall != nil {
		c := *m.ToolCall
		if len(m.ToolCall.FragmentUpdates) > 0 {
			c.FragmentUpdates = make([]FragmentUpdate, len(m.ToolCall.FragmentUpdates))
			copy(c.FragmentUpdates, m.ToolCall.FragmentUpdates)
		}
		out.ToolCall = &c
	}
	if m.ToolResult != nil {
		c := *m.ToolResult
		out.ToolResult = &c
	}
	if m.Aggregate != nil {
		c := ToolsAggregatePayload{
			Calls:   make([]AggregateCall, len(m.Aggregate.Calls)),
			Results: make([]AggregateResult, len(m.Aggregate.Results)),
		}
		copy(c.Calls, m.Aggregate.Calls)
		copy(c.Results, m.Aggregate.Results)
		out.Aggregate = &c
	}
	if m.Usage != nil {
		c := *m.Usage
		out.Usage = &c
	}
	if m.RunAssignment != nil {
		c := *m.RunAssignment
		if len(m.RunAssignment.InputIDs) > 0 {
			c.InputIDs = make([]string, len(m.RunAssignment.InputIDs))
			copy(c.InputIDs, m.RunAssignment.InputIDs)
		}
		out.RunAssignment = &c
	}
	if m.RunCompleted != nil {
		c := *m.RunCompleted
		out.RunCompleted = &c
	}
	if m.SessionStarted != nil {
		c := *m.SessionStarted
		out.SessionStarted = &c
	}
	if m.Error != nil {
		c := *m.Error
		out.Error = &c
	}
	return &out
}
