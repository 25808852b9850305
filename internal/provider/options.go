package provider

import (
	"encoding/json"

	"github.com/haasonsaas/conductor/internal/contract"
)

// Options carries generation options through the middleware pipeline into a
// provider call.
type Options struct {
	// Identifiers, set by the loop per turn.
	ThreadID     string
	RunID        string
	GenerationID string

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int

	// Temperature, when non-nil, overrides the provider default.
	Temperature *float32

	// Functions are the tool contracts offered to the model. Populated by
	// the tool-injection middleware; left alone when already set.
	Functions []*contract.FunctionContract

	// Extra holds provider-specific knobs. Recognized keys are enumerated
	// per provider (e.g. maxThinkingTokens, response_format, http_headers).
	Extra map[string]any
}

// Clone returns a deep copy. Extra values are deep-cloned so merged options
// never alias the originals.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	out := *o
	if o.Temperature != nil {
		t := *o.Temperature
		out.Temperature = &t
	}
	if o.Functions != nil {
		out.Functions = make([]*contract.FunctionContract, len(o.Functions))
		copy(out.Functions, o.Functions)
	}
	out.Extra = cloneValue(o.Extra).(map[string]any)
	return &out
}

// Merge combines o with other, returning a new Options. Other-side values
// win on conflicts; Extra dictionaries merge recursively with deep-cloned
// values.
func (o *Options) Merge(other *Options) *Options {
	if o == nil {
		return other.Clone()
	}
	out := o.Clone()
	if other == nil {
		return out
	}
	if other.ThreadID != "" {
		out.ThreadID = other.ThreadID
	}
	if other.RunID != "" {
		out.RunID = other.RunID
	}
	if other.GenerationID != "" {
		out.GenerationID = other.GenerationID
	}
	if other.MaxTokens != 0 {
		out.MaxTokens = other.MaxTokens
	}
	if other.Temperature != nil {
		t := *other.Temperature
		out.Temperature = &t
	}
	if len(other.Functions) > 0 {
		out.Functions = make([]*contract.FunctionContract, len(other.Functions))
		copy(out.Functions, other.Functions)
	}
	out.Extra = mergeMaps(out.Extra, other.Extra)
	return out
}

// ExtraString reads a string-valued extra property.
func (o *Options) ExtraString(key string) (string, bool) {
	if o == nil || o.Extra == nil {
		return "", false
	}
	s, ok := o.Extra[key].(string)
	return s, ok
}

// ExtraInt reads an integer-valued extra property, accepting the numeric
// types JSON decoding produces.
func (o *Options) ExtraInt(key string) (int, bool) {
	if o == nil || o.Extra == nil {
		return 0, false
	}
	switch v := o.Extra[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// mergeMaps merges b into a copy of a. Nested maps merge recursively;
// any other conflicting value is replaced by b's deep clone.
func mergeMaps(a, b map[string]any) map[string]any {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	for k, v := range b {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(existing, sub)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-clones maps and slices; scalars pass through.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case json.RawMessage:
		out := make(json.RawMessage, len(t))
		copy(out, t)
		return out
	}
	return v
}
