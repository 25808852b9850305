// Package contract defines the declarative shape of callable functions and
// the capability profile of language models.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter describes one ordered function parameter.
type Parameter struct {
	// Name is the parameter name as it appears in the JSON argument object.
	Name string `json:"name"`

	// Type is the JSON Schema type: string, number, integer, boolean,
	// object, array, null.
	Type string `json:"type"`

	// Description documents the parameter for the model.
	Description string `json:"description,omitempty"`

	// Required marks the parameter as mandatory.
	Required bool `json:"required,omitempty"`

	// Default is the value assumed when the argument is omitted.
	Default any `json:"default,omitempty"`

	// Enum restricts the value to a fixed set.
	Enum []any `json:"enum,omitempty"`

	// Items describes array element schemas as raw JSON Schema.
	Items json.RawMessage `json:"items,omitempty"`

	// Properties describes nested object schemas as raw JSON Schema.
	Properties json.RawMessage `json:"properties,omitempty"`
}

// FunctionContract captures a tool's callable shape: name, description,
// ordered parameters, and optional return documentation.
type FunctionContract struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`

	ReturnType        string `json:"return_type,omitempty"`
	ReturnDescription string `json:"return_description,omitempty"`
}

// Schema emits the JSON Schema object for wire transmission to providers.
func (c *FunctionContract) Schema() (json.RawMessage, error) {
	props := make(map[string]any, len(c.Parameters))
	var required []string
	for _, p := range c.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if len(p.Items) > 0 {
			var items any
			if err := json.Unmarshal(p.Items, &items); err != nil {
				return nil, fmt.Errorf("parameter %s: invalid items schema: %w", p.Name, err)
			}
			prop["items"] = items
		}
		if len(p.Properties) > 0 {
			var nested any
			if err := json.Unmarshal(p.Properties, &nested); err != nil {
				return nil, fmt.Errorf("parameter %s: invalid properties schema: %w", p.Name, err)
			}
			prop["properties"] = nested
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}

// Validate checks a raw JSON argument document against the contract's schema.
// Returns nil for well-formed arguments and a descriptive error otherwise.
func (c *FunctionContract) Validate(args json.RawMessage) error {
	raw, err := c.Schema()
	if err != nil {
		return err
	}
	compiler := schemavalidate.NewCompiler()
	if err := compiler.AddResource("contract.json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("compile schema for %s: %w", c.Name, err)
	}
	schema, err := compiler.Compile("contract.json")
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", c.Name, err)
	}

	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments for %s are not valid JSON: %w", c.Name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments for %s: %w", c.Name, err)
	}
	return nil
}

// FromType builds a contract by reflecting a parameter struct type.
// Field names, json tags, and jsonschema tags drive the generated shape.
func FromType[T any](name, description string) (*FunctionContract, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(zero)

	contract := &FunctionContract{
		Name:        name,
		Description: description,
	}

	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}
	if schema.Properties != nil {
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			prop := pair.Value
			param := Parameter{
				Name:        pair.Key,
				Type:        prop.Type,
				Description: prop.Description,
				Required:    required[pair.Key],
				Default:     prop.Default,
			}
			if len(prop.Enum) > 0 {
				param.Enum = prop.Enum
			}
			contract.Parameters = append(contract.Parameters, param)
		}
	}
	return contract, nil
}
