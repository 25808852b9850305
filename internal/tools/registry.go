// Package tools holds the function registry, the allow/block filter, and
// the concurrent executor that runs a turn's tool calls.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/internal/contract"
)

// Handler executes one tool call. Args are the decoded JSON arguments.
// The returned value is serialized into the result message: strings and
// json.RawMessage pass through verbatim, everything else is JSON-encoded.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool pairs a function contract with its handler.
type Tool struct {
	Contract *contract.FunctionContract
	Handler  Handler
}

// Registry maps function names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool under its contract name, replacing any previous
// registration of the same name.
func (r *Registry) Register(c *contract.FunctionContract, h Handler) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("tools: contract with a name is required")
	}
	if h == nil {
		return fmt.Errorf("tools: handler is required for %q", c.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[c.Name] = &Tool{Contract: c, Handler: h}
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contracts returns the registered contracts sorted by name, for passing
// to providers.
func (r *Registry) Contracts() []*contract.FunctionContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contract.FunctionContract, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Contract)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
