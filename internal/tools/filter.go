package tools

import (
	"strings"
	"sync"

	"github.com/haasonsaas/conductor/internal/contract"
)

// ProviderRules holds per-provider filter rules.
type ProviderRules struct {
	// Disabled turns off every function for this provider.
	Disabled bool

	// Block lists patterns that are rejected for this provider.
	Block []string

	// Allow, when non-empty, is an exhaustive allow list for this
	// provider: a function must match or it is rejected.
	Allow []string
}

// FilterConfig holds the full filter rule set.
type FilterConfig struct {
	// GlobalBlock rejects matching functions for every provider.
	GlobalBlock []string

	// GlobalAllow, when non-empty, is an exhaustive global allow list.
	GlobalAllow []string

	// Providers maps provider names (case-insensitive) to their rules.
	Providers map[string]ProviderRules
}

// Filter decides which functions a provider may see. Patterns support a
// single "*" wildcard as prefix, suffix, or both ("*x", "x*", "*x*"); a
// bare "*" matches everything. Matching is case-insensitive.
//
// Rules evaluate in a fixed order, first decisive rule wins:
// provider-disabled, provider-block, provider-allow, global-block,
// global-allow. Safe for concurrent use; Reload swaps the rule set.
type Filter struct {
	mu  sync.RWMutex
	cfg FilterConfig
}

// NewFilter builds a filter from the config.
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{cfg: normalize(cfg)}
}

// Reload atomically replaces the rule set.
func (f *Filter) Reload(cfg FilterConfig) {
	cfg = normalize(cfg)
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

func normalize(cfg FilterConfig) FilterConfig {
	providers := make(map[string]ProviderRules, len(cfg.Providers))
	for name, rules := range cfg.Providers {
		providers[strings.ToLower(name)] = rules
	}
	cfg.Providers = providers
	return cfg
}

// Allowed reports whether the function may be offered to the provider.
func (f *Filter) Allowed(provider, function string) bool {
	f.mu.RLock()
	cfg := f.cfg
	f.mu.RUnlock()

	if rules, ok := cfg.Providers[strings.ToLower(provider)]; ok {
		if rules.Disabled {
			return false
		}
		if matchAny(rules.Block, function) {
			return false
		}
		if len(rules.Allow) > 0 {
			return matchAny(rules.Allow, function)
		}
	}
	if matchAny(cfg.GlobalBlock, function) {
		return false
	}
	if len(cfg.GlobalAllow) > 0 {
		return matchAny(cfg.GlobalAllow, function)
	}
	return true
}

// FilterContracts returns the contracts the provider may see, preserving
// input order.
func (f *Filter) FilterContracts(provider string, contracts []*contract.FunctionContract) []*contract.FunctionContract {
	out := make([]*contract.FunctionContract, 0, len(contracts))
	for _, c := range contracts {
		if f.Allowed(provider, c.Name) {
			out = append(out, c)
		}
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	pattern = strings.ToLower(pattern)
	name = strings.ToLower(name)

	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		return strings.Contains(name, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(name, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	default:
		return pattern == name
	}
}
