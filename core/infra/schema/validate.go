// Package schema wraps JSON-schema compilation and validation for RPC
// method parameters.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiled is a ready-to-use schema.
type Compiled struct {
	schema *jsonschema.Schema
}

// Compile builds a schema from an inline map definition.
func Compile(id string, def map[string]any) (*Compiled, error) {
	if len(def) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	resourceID := "inmemory://" + id
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Compiled{schema: compiled}, nil
}

// MustCompile is Compile for package-level schema tables.
func MustCompile(id string, def map[string]any) *Compiled {
	c, err := Compile(id, def)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks a raw JSON document. Nil or empty raw validates as an
// empty object so zero-param methods need no special casing.
func (c *Compiled) Validate(raw json.RawMessage) error {
	if c == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if err := c.schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
