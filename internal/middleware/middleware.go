// Package middleware implements the bidirectional generation pipeline.
//
// A middleware wraps the provider call: it may rewrite the inbound message
// list and options before delegating (upstream) and transform the streamed
// messages flowing back (downstream). The standard composition, outermost
// first: ToolCallInjection, MessageUpdateJoiner, MessagePublishing,
// JsonFragmentUpdate, MessageTransformation, FunctionCall.
package middleware

import (
	"context"

	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Context carries one generation's inbound state through the chain.
type Context struct {
	// Provider is the target provider's name, used by filtering.
	Provider string

	// Messages is the conversation history for this generation.
	// Upstream middlewares may replace the slice.
	Messages []models.Message

	// Options are the generation options. Upstream middlewares may
	// mutate them.
	Options *provider.Options
}

// Next invokes the rest of the chain and ultimately the provider.
type Next func(ctx context.Context, mc *Context) (<-chan models.Message, error)

// Middleware transforms a generation on the way in and its message stream
// on the way out.
type Middleware interface {
	Name() string
	InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error)
}

// Chain is an ordered middleware stack.
type Chain struct {
	mws []Middleware
}

// NewChain builds a chain; the first middleware is outermost.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: mws}
}

// Run executes the chain around terminal, returning the outermost stream.
func (c *Chain) Run(ctx context.Context, mc *Context, terminal Next) (<-chan models.Message, error) {
	next := terminal
	for i := len(c.mws) - 1; i >= 0; i-- {
		mw := c.mws[i]
		inner := next
		next = func(ctx context.Context, mc *Context) (<-chan models.Message, error) {
			return mw.InvokeStreaming(ctx, mc, inner)
		}
	}
	return next(ctx, mc)
}

// Invoke runs the chain and collects the full stream. Collection stops
// early when ctx is cancelled.
func (c *Chain) Invoke(ctx context.Context, mc *Context, terminal Next) ([]models.Message, error) {
	ch, err := c.Run(ctx, mc, terminal)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out, nil
			}
			out = append(out, m)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
