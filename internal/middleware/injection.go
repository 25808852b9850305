package middleware

import (
	"context"

	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ToolCallInjection copies the registered function contracts into the
// generation options so the provider can offer them to the model. When the
// caller already supplied functions explicitly, it leaves them untouched.
// Downstream is a pass-through.
type ToolCallInjection struct {
	registry *tools.Registry
	filter   *tools.Filter
}

// NewToolCallInjection creates the middleware. filter may be nil, in which
// case every registered contract is injected.
func NewToolCallInjection(registry *tools.Registry, filter *tools.Filter) *ToolCallInjection {
	return &ToolCallInjection{registry: registry, filter: filter}
}

func (m *ToolCallInjection) Name() string { return "tool_call_injection" }

func (m *ToolCallInjection) InvokeStreaming(ctx context.Context, mc *Context, next Next) (<-chan models.Message, error) {
	if mc.Options == nil {
		mc.Options = &provider.Options{}
	}
	if len(mc.Options.Functions) == 0 && m.registry != nil {
		contracts := m.registry.Contracts()
		if m.filter != nil {
			contracts = m.filter.FilterContracts(mc.Provider, contracts)
		}
		mc.Options.Functions = contracts
	}
	return next(ctx, mc)
}
