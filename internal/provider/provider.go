// Package provider normalizes streaming language-model APIs into the
// conductor message stream.
//
// Each provider ships its own state machine translating wire events
// (message_start, content_block_delta, ...) into models.Message values. The
// contract is identical across providers: the returned channel carries
// update messages (text, reasoning, tool-call deltas) followed by a terminal
// usage message, and is closed when the generation ends. Full messages are
// joined downstream by the middleware pipeline, never here.
package provider

import (
	"context"

	"github.com/haasonsaas/conductor/internal/contract"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Request is one provider call within a run.
type Request struct {
	// Model selects the model; empty uses the provider default.
	Model string

	// System is the system prompt, carried separately because Anthropic
	// keeps it out of the message array.
	System string

	// Messages is the conversation history in joined (full) form.
	Messages []models.Message

	// Options carries generation options and identifiers.
	Options *Options
}

// Provider is a streaming language-model backend.
//
// Stream returns immediately with a channel of normalized messages. The
// channel is closed when the provider stream ends; a terminal usage message
// precedes the close on success, and an error message precedes it on
// failure. Implementations must honor ctx cancellation.
type Provider interface {
	// Name identifies the provider for routing, filtering, and logging.
	Name() string

	// Stream executes one generation.
	Stream(ctx context.Context, req *Request) (<-chan models.Message, error)

	// Capabilities reports what the given model supports.
	Capabilities(model string) contract.ModelCapabilities
}

// streamBufferSize is the channel buffer between the provider state machine
// and the pipeline. Small: backpressure should reach the provider quickly.
const streamBufferSize = 16

// stamp fills the identifier block common to every message of a generation.
func stamp(m models.Message, opts *Options) models.Message {
	m.Version = 1
	if opts != nil {
		m.ThreadID = opts.ThreadID
		m.RunID = opts.RunID
		m.GenerationID = opts.GenerationID
	}
	return m
}
